package scale_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NowakAdmin/ScaleAgent/internal/scale"
	"github.com/NowakAdmin/ScaleAgent/internal/scale/scaletest"
)

const filizolaOK = "\x02  1234\x03"

func intPtr(v int) *int { return &v }

func serialConfig(brand string) scale.ConnectionConfig {
	return scale.ConnectionConfig{
		Brand:    brand,
		BaudRate: 9600,
		DataBits: 8,
		Parity:   scale.ParityNone,
		StopBits: scale.StopBitsOne,
	}
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func fastOptions() []scale.Option {
	return []scale.Option{
		scale.WithLogger(quietLogger()),
		scale.WithSettleDelay(0),
		scale.WithPolling(time.Millisecond, time.Millisecond),
	}
}

func newConnected(t *testing.T, brand string, tr *scaletest.Transport, cfg scale.ConnectionConfig, opts ...scale.Option) *scale.Handler {
	t.Helper()
	h, err := scale.NewHandler(brand, cfg.Model, tr, append(fastOptions(), opts...)...)
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background(), "COM3", cfg))
	return h
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts []int
	errs     []error
}

func (o *recordingObserver) ObserveRead(_ scale.Brand, attempts int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, attempts)
	o.errs = append(o.errs, err)
}

func TestHandler_ConnectIsIdempotent(t *testing.T) {
	tr := scaletest.New()
	h := newConnected(t, "filizola", tr, serialConfig("filizola"))

	require.NoError(t, h.Connect(context.Background(), "COM3", serialConfig("filizola")))
	assert.Equal(t, 1, tr.Opens())
	assert.True(t, h.Connected())
	assert.Equal(t, "COM3", h.Device())
	assert.Equal(t, scale.BrandFilizola, h.Brand())
}

func TestHandler_ConnectPassesSerialParams(t *testing.T) {
	tr := scaletest.New()
	cfg := serialConfig("toledo")
	cfg.Parity = "EVEN"
	cfg.StopBits = scale.StopBitsTwo
	cfg.DataBits = 7
	newConnected(t, "toledo", tr, cfg)

	assert.Equal(t, scale.SerialParams{
		BaudRate: 9600,
		DataBits: 7,
		Parity:   scale.ParityEven,
		StopBits: scale.StopBitsTwo,
	}, tr.LastParams())
}

func TestHandler_ConnectOpenFailure(t *testing.T) {
	tr := scaletest.New()
	tr.FailOpen(errors.New("access denied"))

	h, err := scale.NewHandler("filizola", "", tr, fastOptions()...)
	require.NoError(t, err)

	err = h.Connect(context.Background(), "COM9", serialConfig("filizola"))
	assert.ErrorIs(t, err, scale.ErrSerialConnection)
	assert.False(t, h.Connected())
}

func TestHandler_ConnectRejectsInvalidParams(t *testing.T) {
	tr := scaletest.New()
	h, err := scale.NewHandler("filizola", "", tr, fastOptions()...)
	require.NoError(t, err)

	cfg := serialConfig("filizola")
	cfg.BaudRate = 0
	err = h.Connect(context.Background(), "COM3", cfg)
	assert.ErrorIs(t, err, scale.ErrSerialConnection)
	assert.Zero(t, tr.Opens())
}

func TestHandler_ReadWeight(t *testing.T) {
	tr := scaletest.New(filizolaOK)
	h := newConnected(t, "filizola", tr, serialConfig("filizola"))

	w, err := h.ReadWeight(context.Background(), 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.234, w.Float64(), 1e-9)
	assert.Equal(t, [][]byte{{scale.ENQ}}, tr.Sent())
}

func TestHandler_StreamingSendsNothing(t *testing.T) {
	tr := scaletest.New("001234\r")
	cfg := serialConfig("toledo")
	cfg.Model = "general"
	h := newConnected(t, "toledo", tr, cfg)

	w, err := h.ReadWeight(context.Background(), 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.234, w.Float64(), 1e-9)
	assert.Empty(t, tr.Sent())
}

func TestHandler_RetriesUnstable(t *testing.T) {
	tr := scaletest.New("\x02 I 0100\x03", filizolaOK)
	cfg := serialConfig("filizola")
	cfg.Retries = intPtr(2)
	obs := &recordingObserver{}
	h := newConnected(t, "filizola", tr, cfg, scale.WithObserver(obs))

	w, err := h.ReadWeight(context.Background(), 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.234, w.Float64(), 1e-9)
	assert.Equal(t, 2, tr.Reads())
	assert.Equal(t, []int{2}, obs.attempts)
}

func TestHandler_RetriesExhausted(t *testing.T) {
	tr := scaletest.New()
	tr.SetFallback("\x02 I 0100\x03")
	cfg := serialConfig("filizola")
	cfg.Retries = intPtr(2)
	h := newConnected(t, "filizola", tr, cfg)

	_, err := h.ReadWeight(context.Background(), 0)
	assert.ErrorIs(t, err, scale.ErrUnstableWeight)
	assert.Equal(t, 3, tr.Reads())
	assert.Len(t, tr.Sent(), 3)
}

func TestHandler_TimeoutIsRetried(t *testing.T) {
	tr := scaletest.New()
	cfg := serialConfig("filizola")
	cfg.Retries = intPtr(1)
	h := newConnected(t, "filizola", tr, cfg)

	_, err := h.ReadWeight(context.Background(), 0)
	assert.ErrorIs(t, err, scale.ErrTimeout)
	assert.Equal(t, 2, tr.Reads())
}

func TestHandler_PermanentErrorIsNotRetried(t *testing.T) {
	tr := scaletest.New("\x02 N 0100\x03", filizolaOK)
	cfg := serialConfig("filizola")
	cfg.Retries = intPtr(3)
	obs := &recordingObserver{}
	h := newConnected(t, "filizola", tr, cfg, scale.WithObserver(obs))

	_, err := h.ReadWeight(context.Background(), 0)
	assert.ErrorIs(t, err, scale.ErrNegativeWeight)
	assert.Equal(t, 1, tr.Reads())
	assert.Equal(t, []int{1}, obs.attempts)
}

func TestHandler_MinRetriesRaisesConfig(t *testing.T) {
	tr := scaletest.New()
	policy := scale.DefaultPolicy()
	policy.MinRetries = 2
	cfg := serialConfig("filizola")
	cfg.Retries = intPtr(0)
	h := newConnected(t, "filizola", tr, cfg, scale.WithPolicy(policy))

	_, err := h.ReadWeight(context.Background(), 0)
	assert.ErrorIs(t, err, scale.ErrTimeout)
	assert.Equal(t, 3, tr.Reads())
}

func TestHandler_NotConnected(t *testing.T) {
	h, err := scale.NewHandler("toledo", "", scaletest.New(), fastOptions()...)
	require.NoError(t, err)

	_, err = h.ReadWeight(context.Background(), 0)
	assert.ErrorIs(t, err, scale.ErrSerialConnection)
}

func TestHandler_Disconnect(t *testing.T) {
	tr := scaletest.New()
	h := newConnected(t, "filizola", tr, serialConfig("filizola"))

	require.NoError(t, h.Disconnect())
	require.NoError(t, h.Disconnect())
	assert.Equal(t, 1, tr.Closes())
	assert.False(t, h.Connected())

	_, err := h.ReadWeight(context.Background(), 0)
	assert.ErrorIs(t, err, scale.ErrSerialConnection)
}

func TestHandler_DisconnectReportsCloseFailure(t *testing.T) {
	tr := scaletest.New()
	tr.FailClose(errors.New("device gone"))
	h := newConnected(t, "filizola", tr, serialConfig("filizola"))

	assert.ErrorIs(t, h.Disconnect(), scale.ErrSerialConnection)
	assert.False(t, h.Connected())
}

func TestHandler_ReadWeightHonoursContext(t *testing.T) {
	tr := scaletest.New(filizolaOK)
	h, err := scale.NewHandler("filizola", "", tr, scale.WithLogger(quietLogger()), scale.WithSettleDelay(time.Hour))
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background(), "COM3", serialConfig("filizola")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = h.ReadWeight(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, tr.Reads())
}

func TestHandler_DetectUranoModel(t *testing.T) {
	tests := []struct {
		name    string
		replies []string
		want    string
	}{
		{"answers EOT", []string{"PESO: 000100kg"}, scale.ModelUranoUDC},
		{"pop marker", []string{"", "PESO L: 000100kg"}, scale.ModelUranoPOP},
		{"plain marker", []string{"", "PESO: 000100kg"}, scale.ModelUrano},
		{"silent", []string{"", ""}, "uranopop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := scaletest.New(tt.replies...)
			cfg := serialConfig("urano")
			cfg.Model = "uranopop"
			cfg.DetectModel = true
			h := newConnected(t, "urano", tr, cfg)

			assert.Equal(t, tt.want, h.Model())
			sent := tr.Sent()
			require.NotEmpty(t, sent)
			assert.Equal(t, []byte{scale.EOT}, sent[0])
		})
	}
}

func TestHandler_ConcurrentReadsAreSerialised(t *testing.T) {
	tr := scaletest.New()
	tr.SetFallback(filizolaOK)
	tr.SetReadDelay(2 * time.Millisecond)
	h := newConnected(t, "filizola", tr, serialConfig("filizola"))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ReadWeight(context.Background(), 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, tr.Reads())
	assert.Len(t, tr.Sent(), 8)
}

func TestHandler_ConnectedMatchesSession(t *testing.T) {
	tr := scaletest.New()
	tr.SetFallback(filizolaOK)
	h, err := scale.NewHandler("filizola", "", tr, fastOptions()...)
	require.NoError(t, err)

	for range 200 {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.Connect(context.Background(), "COM3", serialConfig("filizola"))
		}()
		go func() {
			defer wg.Done()
			_ = h.Disconnect()
		}()
		wg.Wait()

		_, err := h.ReadWeight(context.Background(), 0)
		if h.Connected() {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, scale.ErrSerialConnection)
		}
	}
}

func TestHandler_DetectedModelIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	tr := scaletest.New("PESO: 000100kg", "PESO: 000250kg")
	cfg := serialConfig("urano")
	cfg.Model = "uranopop"
	cfg.DetectModel = true

	h, err := scale.NewHandler("urano", cfg.Model, tr, scale.WithLogger(logger), scale.WithSettleDelay(0))
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background(), "COM3", cfg))
	hook.Reset()

	_, err = h.ReadWeight(context.Background(), 0)
	require.NoError(t, err)

	entries := hook.AllEntries()
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.Equal(t, scale.ModelUranoUDC, entry.Data["model"], entry.Message)
	}
}
