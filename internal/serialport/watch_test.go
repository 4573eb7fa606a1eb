package serialport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/NowakAdmin/ScaleAgent/internal/serialport"
)

// portSet is an enumerator whose ports can change between scans.
type portSet struct {
	mu    sync.Mutex
	ports []*enumerator.PortDetails
	err   error
}

func (s *portSet) set(ports ...*enumerator.PortDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = ports
}

func (s *portSet) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *portSet) list() ([]*enumerator.PortDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports, s.err
}

var (
	ftdi     = &enumerator.PortDetails{Name: "COM4", IsUSB: true, VID: "0403", PID: "6001"}
	onboard  = &enumerator.PortDetails{Name: "COM1"}
	prolific = &enumerator.PortDetails{Name: "COM7", IsUSB: true, VID: "067B", PID: "2303"}
)

func TestWatcher_Scan(t *testing.T) {
	ps := &portSet{}
	ps.set(onboard, ftdi)
	w := serialport.NewWatcher(serialport.New(serialport.WithLister(ps.list)))

	changes, err := w.Scan()
	require.NoError(t, err)
	assert.Empty(t, changes)

	ps.set(onboard, prolific)
	changes, err = w.Scan()
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.False(t, changes[0].Attached)
	assert.Equal(t, "COM4", changes[0].Device.Port)
	assert.Equal(t, "6001", changes[0].Device.ProductID)
	assert.True(t, changes[1].Attached)
	assert.Equal(t, "COM7", changes[1].Device.Port)

	changes, err = w.Scan()
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestWatcher_FailedScanKeepsSnapshot(t *testing.T) {
	ps := &portSet{}
	ps.set(ftdi)
	w := serialport.NewWatcher(serialport.New(serialport.WithLister(ps.list)))
	_, err := w.Scan()
	require.NoError(t, err)

	ps.fail(errors.New("enumeration failed"))
	_, err = w.Scan()
	require.Error(t, err)

	ps.fail(nil)
	ps.set()
	changes, err := w.Scan()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "COM4", changes[0].Device.Port)
}

func TestWatcher_Run(t *testing.T) {
	ps := &portSet{}
	w := serialport.NewWatcher(serialport.New(serialport.WithLister(ps.list)))
	_, err := w.Scan()
	require.NoError(t, err)

	got := make(chan serialport.Change, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	logger, _ := test.NewNullLogger()
	go func() {
		defer close(done)
		w.Run(ctx, time.Millisecond, logger, func(c serialport.Change) { got <- c })
	}()

	ps.set(ftdi)
	select {
	case c := <-got:
		assert.True(t, c.Attached)
		assert.Equal(t, "COM4", c.Device.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}

	cancel()
	<-done
}

func TestDevice_Matches(t *testing.T) {
	d := serialport.Device{Port: "COM4", IsUSB: true, VendorID: "0403", ProductID: "6001"}

	assert.True(t, d.Matches("COM4"))
	assert.True(t, d.Matches("usb:6001"))
	assert.True(t, d.Matches("usb:0403:6001"))
	assert.True(t, d.Matches("24577"))
	assert.False(t, d.Matches("usb:067b:6001"))
	assert.False(t, d.Matches("COM3"))
	assert.False(t, d.Matches(""))

	plain := serialport.Device{Port: "COM1"}
	assert.False(t, plain.Matches("usb:6001"))
}
