package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/gsplit/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	closes *atomic.Int32
}

func (s *fakeStream) Frame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte("frame"), nil
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeCamera struct {
	opens  atomic.Int32
	closes atomic.Int32
	err    error
}

func (c *fakeCamera) Open(ctx context.Context) (Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.opens.Add(1)
	return &fakeStream{closes: &c.closes}, nil
}

type detectorFunc func(ctx context.Context, frame []byte) ([]model.Detection, error)

func (f detectorFunc) Detect(ctx context.Context, frame []byte) ([]model.Detection, error) {
	return f(ctx, frame)
}

type scorerFunc func(ctx context.Context, image []byte) (*model.SplitResult, error)

func (f scorerFunc) Score(ctx context.Context, image []byte) (*model.SplitResult, error) {
	return f(ctx, image)
}

func detectG(conf float64) detectorFunc {
	return func(context.Context, []byte) ([]model.Detection, error) {
		return []model.Detection{{Class: "g-logo", Confidence: conf, BBox: [4]float64{10, 20, 30, 40}}}, nil
	}
}

func scoreOK(score float64) scorerFunc {
	return func(context.Context, []byte) (*model.SplitResult, error) {
		return &model.SplitResult{Score: score, SplitDetected: true, Feedback: "That's a pour"}, nil
	}
}

type recorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *recorder) record(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.State
	}
	return out
}

func fastConfig() Config {
	return Config{
		PollInterval: time.Millisecond,
		SettleDelay:  time.Millisecond,
		FreezeDelay:  time.Millisecond,
	}
}

func runAsync(ctx context.Context, m *Machine) <-chan error {
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestLocksAboveThreshold(t *testing.T) {
	cam := &fakeCamera{}
	cfg := fastConfig()
	cfg.SettleDelay = time.Hour
	m := NewMachine(cfg, cam, detectG(0.61), scoreOK(90), nil, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, m)

	require.Eventually(t, func() bool { return m.Status().State == StateLocked }, 2*time.Second, time.Millisecond)
	det := m.Status().Detection
	require.NotNil(t, det)
	assert.Equal(t, 0.61, det.Confidence)

	cancel()
	assert.ErrorIs(t, waitRun(t, done), context.Canceled)
	assert.Equal(t, int32(1), cam.closes.Load(), "stream released once on teardown")
}

func TestStaysScanningBelowThreshold(t *testing.T) {
	var calls atomic.Int32
	det := func(ctx context.Context, frame []byte) ([]model.Detection, error) {
		calls.Add(1)
		return detectG(0.59)(ctx, frame)
	}
	m := NewMachine(fastConfig(), &fakeCamera{}, detectorFunc(det), scoreOK(90), nil, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, m)

	require.Eventually(t, func() bool { return calls.Load() >= 5 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateNoG, m.Status().State)

	cancel()
	waitRun(t, done)
}

func TestIgnoresOtherClasses(t *testing.T) {
	var calls atomic.Int32
	det := func(context.Context, []byte) ([]model.Detection, error) {
		calls.Add(1)
		return []model.Detection{{Class: "pint-glass", Confidence: 0.99}}, nil
	}
	m := NewMachine(fastConfig(), &fakeCamera{}, detectorFunc(det), scoreOK(90), nil, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, m)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateNoG, m.Status().State)

	cancel()
	waitRun(t, done)
}

func TestFullFlowHandsOff(t *testing.T) {
	cam := &fakeCamera{}
	rec := &recorder{}
	var results []Result

	scorer := func(ctx context.Context, image []byte) (*model.SplitResult, error) {
		// the camera is released before scoring starts
		assert.Equal(t, int32(1), cam.closes.Load())
		return scoreOK(88.4)(ctx, image)
	}
	m := NewMachine(fastConfig(), cam, detectG(0.9), scorerFunc(scorer), rec.record, func(r Result) {
		results = append(results, r)
	}, slog.Default())

	err := m.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, 88.4, results[0].Score)
	assert.Equal(t, []byte("frame"), results[0].Image)
	assert.Equal(t, []State{
		StateLoading, StateNoG, StateLocked, StateCapturing, StateFrozen, StateAnalyzing, StateDone,
	}, rec.states())
	assert.Equal(t, int32(1), cam.closes.Load())
	assert.False(t, m.Capture(), "capture is refused after the flow ends")
}

func TestScoringFailureReturnsToScanning(t *testing.T) {
	cam := &fakeCamera{}
	rec := &recorder{}
	var attempts atomic.Int32
	scorer := func(ctx context.Context, image []byte) (*model.SplitResult, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("service unavailable")
		}
		return scoreOK(71)(ctx, image)
	}
	var got *Result
	m := NewMachine(fastConfig(), cam, detectG(0.8), scorerFunc(scorer), rec.record, func(r Result) { got = &r }, slog.Default())

	require.NoError(t, m.Run(context.Background()))
	require.NotNil(t, got)
	assert.Equal(t, 71.0, got.Score)
	assert.Equal(t, int32(2), cam.opens.Load(), "camera re-acquired after failure")
	assert.Equal(t, int32(2), cam.closes.Load())

	var notices []string
	for _, s := range rec.statuses {
		if s.State == StateNoG && s.Notice != "" {
			notices = append(notices, s.Notice)
		}
	}
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "service unavailable")
}

func TestCameraUnavailable(t *testing.T) {
	cam := &fakeCamera{err: errors.New("NotAllowedError")}
	m := NewMachine(fastConfig(), cam, detectG(0.9), scoreOK(90), nil, nil, slog.Default())

	err := m.Run(context.Background())
	assert.ErrorIs(t, err, ErrCameraUnavailable)
	assert.Equal(t, StateCameraUnavailable, m.Status().State)
	assert.Contains(t, m.Status().Notice, "NotAllowedError")
}

func TestCameraRevokedWhileScanning(t *testing.T) {
	cam := NewFeedCamera(nil, nil)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				cam.Push([]byte("frame"))
			}
		}
	}()

	var calls atomic.Int32
	det := func(ctx context.Context, frame []byte) ([]model.Detection, error) {
		if calls.Add(1) == 3 {
			cam.Deny("permission revoked")
		}
		return nil, nil
	}
	rec := &recorder{}
	m := NewMachine(fastConfig(), cam, detectorFunc(det), scoreOK(90), rec.record, nil, slog.Default())

	err := waitRun(t, runAsync(context.Background(), m))
	assert.ErrorIs(t, err, ErrCameraUnavailable)
	assert.Equal(t, StateCameraUnavailable, m.Status().State)
	assert.Equal(t, "permission revoked", m.Status().Notice)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDetectionErrorsAreSwallowed(t *testing.T) {
	var calls atomic.Int32
	det := func(ctx context.Context, frame []byte) ([]model.Detection, error) {
		if calls.Add(1) <= 3 {
			return nil, errors.New("timeout")
		}
		return detectG(0.7)(ctx, frame)
	}
	rec := &recorder{}
	m := NewMachine(fastConfig(), &fakeCamera{}, detectorFunc(det), scoreOK(60), rec.record, nil, slog.Default())

	require.NoError(t, m.Run(context.Background()))
	for _, s := range rec.statuses {
		assert.Empty(t, s.Notice, "detection failures are not user visible")
	}
}

func TestManualCapture(t *testing.T) {
	var got *Result
	m := NewMachine(fastConfig(), &fakeCamera{}, detectG(0.1), scoreOK(42), nil, func(r Result) { got = &r }, slog.Default())

	done := runAsync(context.Background(), m)
	require.Eventually(t, func() bool { return m.Status().State == StateNoG }, 2*time.Second, time.Millisecond)
	assert.True(t, m.Capture())

	require.NoError(t, waitRun(t, done))
	require.NotNil(t, got)
	assert.Equal(t, 42.0, got.Score)
}

func TestCaptureRefusedWhileLoading(t *testing.T) {
	m := NewMachine(fastConfig(), &fakeCamera{}, detectG(0.1), scoreOK(42), nil, nil, slog.Default())
	assert.False(t, m.Capture())
}

func TestTeardownDropsScoringResult(t *testing.T) {
	started := make(chan struct{})
	scorer := func(ctx context.Context, image []byte) (*model.SplitResult, error) {
		close(started)
		<-ctx.Done()
		// a late response must not be acted on
		return &model.SplitResult{Score: 99}, nil
	}
	handed := false
	m := NewMachine(fastConfig(), &fakeCamera{}, detectG(0.9), scorerFunc(scorer), nil, func(Result) { handed = true }, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, m)
	<-started
	assert.Equal(t, StateAnalyzing, m.Status().State)
	cancel()

	assert.ErrorIs(t, waitRun(t, done), context.Canceled)
	assert.False(t, handed)
}

func TestPollingIsThrottled(t *testing.T) {
	var calls atomic.Int32
	det := func(context.Context, []byte) ([]model.Detection, error) {
		calls.Add(1)
		return nil, nil
	}
	cfg := fastConfig()
	cfg.PollInterval = 100 * time.Millisecond
	m := NewMachine(cfg, &fakeCamera{}, detectorFunc(det), scoreOK(1), nil, nil, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	assert.LessOrEqual(t, calls.Load(), int32(5))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestQualify(t *testing.T) {
	dets := []model.Detection{
		{Class: "g-logo", Confidence: 0.62},
		{Class: "pint-glass", Confidence: 0.97},
		{Class: "g-logo", Confidence: 0.81},
	}

	d, ok := Qualify(dets, "g-logo", 0.6)
	require.True(t, ok)
	assert.Equal(t, 0.81, d.Confidence)

	_, ok = Qualify(dets, "g-logo", 0.9)
	assert.False(t, ok)

	_, ok = Qualify(nil, "g-logo", 0.6)
	assert.False(t, ok)

	_, ok = Qualify([]model.Detection{{Class: "g-logo", Confidence: 0.6}}, "g-logo", 0.6)
	assert.True(t, ok, "threshold is inclusive")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "g-logo", cfg.TargetClass)
	assert.Equal(t, 0.6, cfg.Threshold)
	assert.Equal(t, 300*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.FreezeDelay)
}
