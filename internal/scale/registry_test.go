package scale_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NowakAdmin/ScaleAgent/internal/scale"
	"github.com/NowakAdmin/ScaleAgent/internal/scale/scaletest"
)

type recordingEvents struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	updates      []scale.Result
	monitorIDs   map[string]bool
}

func (e *recordingEvents) DeviceConnected(device string, _ *scale.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = append(e.connected, device)
}

func (e *recordingEvents) DeviceDisconnected(device string, _ *scale.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected = append(e.disconnected, device)
}

func (e *recordingEvents) WeightUpdate(_ string, id string, r scale.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.monitorIDs == nil {
		e.monitorIDs = make(map[string]bool)
	}
	e.monitorIDs[id] = true
	e.updates = append(e.updates, r)
}

func (e *recordingEvents) updateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.updates)
}

func newRegistry(tr *scaletest.Transport, events scale.Events) *scale.Registry {
	return scale.NewRegistry(scale.RegistryConfig{
		Transport:      tr,
		Logger:         quietLogger(),
		Events:         events,
		RestartDelay:   time.Millisecond,
		HandlerOptions: fastOptions(),
	})
}

func TestRegistry_Connect(t *testing.T) {
	tr := scaletest.New()
	events := &recordingEvents{}
	r := newRegistry(tr, events)

	h1, err := r.Connect(context.Background(), "COM3", serialConfig("toledo"))
	require.NoError(t, err)
	h2, err := r.Connect(context.Background(), "COM3", serialConfig("toledo"))
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, tr.Opens())
	assert.Equal(t, []string{"COM3"}, r.Devices())
	assert.Equal(t, []string{"COM3"}, events.connected)
}

func TestRegistry_ConnectUnsupportedBrand(t *testing.T) {
	tr := scaletest.New()
	r := newRegistry(tr, nil)

	_, err := r.Connect(context.Background(), "COM3", serialConfig("acme"))
	assert.ErrorIs(t, err, scale.ErrUnsupportedBrand)
	assert.Zero(t, tr.Opens())
	assert.Empty(t, r.Devices())
}

func TestRegistry_UnknownDevice(t *testing.T) {
	r := newRegistry(scaletest.New(), nil)

	_, err := r.ReadWeight(context.Background(), "COM7")
	assert.ErrorIs(t, err, scale.ErrInvalidScaleID)

	_, _, err = r.StartMonitoring("COM7")
	assert.ErrorIs(t, err, scale.ErrInvalidScaleID)

	assert.ErrorIs(t, r.Disconnect("COM7"), scale.ErrInvalidScaleID)

	var se *scale.Error
	_, err = r.Handler("COM7")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, -101, se.Code())
}

func TestRegistry_ReadWeight(t *testing.T) {
	tr := scaletest.New(filizolaOK)
	r := newRegistry(tr, nil)
	_, err := r.Connect(context.Background(), "COM3", serialConfig("filizola"))
	require.NoError(t, err)

	w, err := r.ReadWeight(context.Background(), "COM3")
	require.NoError(t, err)
	assert.InDelta(t, 1.234, w.Float64(), 1e-9)
}

func TestRegistry_MonitoringIsSingleFlight(t *testing.T) {
	tr := scaletest.New()
	tr.SetFallback(filizolaOK)
	events := &recordingEvents{}
	r := newRegistry(tr, events)
	_, err := r.Connect(context.Background(), "COM3", serialConfig("filizola"))
	require.NoError(t, err)

	id1, started, err := r.StartMonitoring("COM3")
	require.NoError(t, err)
	assert.True(t, started)

	id2, started, err := r.StartMonitoring("COM3")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, r.ActiveMonitors())

	require.Eventually(t, func() bool { return events.updateCount() >= 3 }, time.Second, time.Millisecond)

	r.StopMonitoring("COM3")
	assert.False(t, r.Monitoring("COM3"))
	assert.Zero(t, r.ActiveMonitors())

	events.mu.Lock()
	assert.Equal(t, map[string]bool{id1: true}, events.monitorIDs)
	events.mu.Unlock()

	// The handler stays connected after monitoring stops.
	w, err := r.ReadWeight(context.Background(), "COM3")
	require.NoError(t, err)
	assert.InDelta(t, 1.234, w.Float64(), 1e-9)
}

func TestRegistry_StopMonitoringWithoutMonitor(t *testing.T) {
	r := newRegistry(scaletest.New(), nil)
	r.StopMonitoring("COM3")
	assert.Zero(t, r.ActiveMonitors())
}

func TestRegistry_MonitorRestartsAfterStopError(t *testing.T) {
	tr := scaletest.New(filizolaOK, "\x02 N 0100\x03")
	tr.SetFallback(filizolaOK)
	events := &recordingEvents{}
	r := scale.NewRegistry(scale.RegistryConfig{
		Transport:      tr,
		Logger:         quietLogger(),
		Events:         events,
		MonitorPolicy:  scale.MonitorStop,
		RestartDelay:   time.Millisecond,
		HandlerOptions: fastOptions(),
	})
	_, err := r.Connect(context.Background(), "COM3", serialConfig("filizola"))
	require.NoError(t, err)

	_, _, err = r.StartMonitoring("COM3")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return events.updateCount() >= 4 }, time.Second, time.Millisecond)
	r.StopMonitoring("COM3")

	events.mu.Lock()
	defer events.mu.Unlock()
	require.NoError(t, events.updates[0].Err)
	assert.ErrorIs(t, events.updates[1].Err, scale.ErrNegativeWeight)
	assert.NoError(t, events.updates[2].Err)
}

func TestRegistry_DisconnectStopsMonitor(t *testing.T) {
	tr := scaletest.New()
	tr.SetFallback(filizolaOK)
	events := &recordingEvents{}
	r := newRegistry(tr, events)
	_, err := r.Connect(context.Background(), "COM3", serialConfig("filizola"))
	require.NoError(t, err)
	_, _, err = r.StartMonitoring("COM3")
	require.NoError(t, err)

	require.NoError(t, r.Disconnect("COM3"))
	assert.Zero(t, r.ActiveMonitors())
	assert.Empty(t, r.Devices())
	assert.Equal(t, 1, tr.Closes())
	assert.Equal(t, []string{"COM3"}, events.disconnected)

	n := events.updateCount()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, n, events.updateCount())
}

func TestRegistry_MonitorEndsWhenHandlerDisconnects(t *testing.T) {
	tr := scaletest.New()
	tr.SetFallback(filizolaOK)
	r := newRegistry(tr, nil)
	h, err := r.Connect(context.Background(), "COM3", serialConfig("filizola"))
	require.NoError(t, err)
	_, _, err = r.StartMonitoring("COM3")
	require.NoError(t, err)

	require.NoError(t, h.Disconnect())
	require.Eventually(t, func() bool { return !r.Monitoring("COM3") }, time.Second, time.Millisecond)
}

func TestRegistry_DisconnectAll(t *testing.T) {
	tr := scaletest.New()
	tr.SetFallback(filizolaOK)
	events := &recordingEvents{}
	r := newRegistry(tr, events)

	for _, dev := range []string{"COM3", "COM4", "COM5"} {
		_, err := r.Connect(context.Background(), dev, serialConfig("filizola"))
		require.NoError(t, err)
	}
	_, _, err := r.StartMonitoring("COM3")
	require.NoError(t, err)
	_, _, err = r.StartMonitoring("COM4")
	require.NoError(t, err)

	require.NoError(t, r.DisconnectAll())
	assert.Empty(t, r.Devices())
	assert.Zero(t, r.ActiveMonitors())
	assert.Equal(t, 3, tr.Closes())
	assert.ElementsMatch(t, []string{"COM3", "COM4", "COM5"}, events.disconnected)
}

func TestRegistry_DisconnectAllJoinsFailures(t *testing.T) {
	tr := scaletest.New()
	r := newRegistry(tr, nil)
	for _, dev := range []string{"COM3", "COM4"} {
		_, err := r.Connect(context.Background(), dev, serialConfig("filizola"))
		require.NoError(t, err)
	}
	tr.FailClose(errors.New("device gone"))

	err := r.DisconnectAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COM3")
	assert.Contains(t, err.Error(), "COM4")
	assert.ErrorIs(t, err, scale.ErrSerialConnection)
	assert.Equal(t, 2, tr.Closes())
	assert.Empty(t, r.Devices())
}
