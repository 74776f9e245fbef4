// Package capture drives the guided camera flow: scan frames for the G,
// lock on, grab a still, release the camera and hand the still to scoring.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/gsplit/internal/model"
	"golang.org/x/time/rate"
)

// State represents the capture flow state.
type State string

const (
	StateLoading           State = "loading"
	StateNoG               State = "no-g"
	StateLocked            State = "locked"
	StateCapturing         State = "capturing"
	StateFrozen            State = "frozen"
	StateAnalyzing         State = "analyzing"
	StateDone              State = "done"
	StateCameraUnavailable State = "camera-unavailable"
)

var (
	// ErrCameraUnavailable is returned by Run when the camera cannot be
	// acquired. The session is over until the user retries explicitly.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrStreamClosed is returned by Stream.Frame once the stream is gone.
	ErrStreamClosed = errors.New("stream closed")
	// ErrCameraDenied matches errors reporting that the device revoked or
	// refused camera access.
	ErrCameraDenied = errors.New("camera permission denied")
)

// CameraSource acquires the camera.
type CameraSource interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is a live camera feed. Close releases the device.
type Stream interface {
	Frame(ctx context.Context) ([]byte, error)
	Close() error
}

type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]model.Detection, error)
}

type Scorer interface {
	Score(ctx context.Context, image []byte) (*model.SplitResult, error)
}

// Status holds the current capture status.
type Status struct {
	State     State            `json:"state"`
	Notice    string           `json:"notice,omitempty"`
	Detection *model.Detection `json:"detection,omitempty"`
}

// StatusCallback is called whenever the capture state changes.
type StatusCallback func(Status)

// Result is handed off once a still has been scored.
type Result struct {
	model.SplitResult
	Image []byte
}

// Handoff receives the scored still. It is called at most once per Run.
type Handoff func(Result)

type Config struct {
	TargetClass  string
	Threshold    float64
	PollInterval time.Duration
	SettleDelay  time.Duration
	FreezeDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetClass == "" {
		c.TargetClass = "g-logo"
	}
	if c.Threshold == 0 {
		c.Threshold = 0.6
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 300 * time.Millisecond
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 200 * time.Millisecond
	}
	if c.FreezeDelay <= 0 {
		c.FreezeDelay = 200 * time.Millisecond
	}
	return c
}

// Machine runs one capture session.
type Machine struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	callback StatusCallback
	handoff  Handoff

	camera   CameraSource
	detector Detector
	scorer   Scorer
	manual   chan struct{}
	logger   *slog.Logger
}

func NewMachine(cfg Config, camera CameraSource, detector Detector, scorer Scorer, cb StatusCallback, handoff Handoff, logger *slog.Logger) *Machine {
	return &Machine{
		cfg:      cfg.withDefaults(),
		status:   Status{State: StateLoading},
		callback: cb,
		handoff:  handoff,
		camera:   camera,
		detector: detector,
		scorer:   scorer,
		manual:   make(chan struct{}, 1),
		logger:   logger,
	}
}

// Status returns the current capture status.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Capture requests a manual capture. It is accepted only while scanning or
// locked.
func (m *Machine) Capture() bool {
	m.mu.RLock()
	state := m.status.State
	m.mu.RUnlock()

	if state != StateNoG && state != StateLocked {
		return false
	}
	select {
	case m.manual <- struct{}{}:
	default:
	}
	return true
}

func (m *Machine) setState(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

// Run drives the flow until a still is scored, the camera is unavailable or
// ctx is cancelled. Cancelling ctx releases the camera and drops any scoring
// response still in flight.
func (m *Machine) Run(ctx context.Context) error {
	m.setState(Status{State: StateLoading})

	var notice string
	for {
		stream, err := m.camera.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.setState(Status{State: StateCameraUnavailable, Notice: err.Error()})
			return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
		}

		// drop a request left over from a previous attempt
		select {
		case <-m.manual:
		default:
		}
		m.setState(Status{State: StateNoG, Notice: notice})
		still, err := m.scan(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrStreamClosed) {
				m.setState(Status{State: StateCameraUnavailable, Notice: "camera stream ended"})
				return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
			}
			if errors.Is(err, ErrCameraDenied) {
				m.setState(Status{State: StateCameraUnavailable, Notice: err.Error()})
				return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
			}
			m.logger.Warn("capture failed", "error", err)
			notice = "Couldn't grab that frame. Try again."
			continue
		}

		m.setState(Status{State: StateFrozen})
		if err := sleep(ctx, m.cfg.FreezeDelay); err != nil {
			return err
		}

		m.setState(Status{State: StateAnalyzing})
		res, err := m.analyze(ctx, still)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			m.logger.Warn("scoring failed", "error", err)
			notice = "Couldn't score that pour: " + err.Error()
			continue
		}

		m.setState(Status{State: StateDone})
		if m.handoff != nil {
			m.handoff(Result{SplitResult: *res, Image: still})
		}
		return nil
	}
}

// scan polls detection until the G is locked or a manual capture arrives,
// then grabs a still. The stream is always closed before scan returns.
func (m *Machine) scan(ctx context.Context, s Stream) ([]byte, error) {
	stream := &onceStream{Stream: s}
	defer stream.Close()

	limiter := rate.NewLimiter(rate.Every(m.cfg.PollInterval), 1)
	locked := false

	for !locked {
		timer := time.NewTimer(limiter.Reserve().Delay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-m.manual:
			timer.Stop()
			return m.grab(ctx, stream)
		case <-timer.C:
		}

		frame, err := stream.Frame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrStreamClosed) || errors.Is(err, ErrCameraDenied) {
				return nil, err
			}
			m.logger.Debug("frame unavailable", "error", err)
			continue
		}

		dets, err := m.detector.Detect(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Debug("detection failed", "error", err)
			continue
		}

		if d, ok := Qualify(dets, m.cfg.TargetClass, m.cfg.Threshold); ok {
			m.setState(Status{State: StateLocked, Detection: &d})
			locked = true
		}
	}

	timer := time.NewTimer(m.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.manual:
	case <-timer.C:
	}
	return m.grab(ctx, stream)
}

// grab takes the still and releases the camera before returning.
func (m *Machine) grab(ctx context.Context, stream *onceStream) ([]byte, error) {
	m.setState(Status{State: StateCapturing})
	still, err := stream.Frame(ctx)
	stream.Close()
	if err != nil {
		return nil, fmt.Errorf("grab still: %w", err)
	}
	return still, nil
}

func (m *Machine) analyze(ctx context.Context, still []byte) (*model.SplitResult, error) {
	attempt, cancel := context.WithCancel(ctx)
	defer cancel()
	return m.scorer.Score(attempt, still)
}

// Qualify returns the highest-confidence detection of the target class if it
// meets the threshold.
func Qualify(dets []model.Detection, class string, threshold float64) (model.Detection, bool) {
	var best model.Detection
	found := false
	for _, d := range dets {
		if d.Class != class {
			continue
		}
		if !found || d.Confidence > best.Confidence {
			best = d
			found = true
		}
	}
	if !found || best.Confidence < threshold {
		return model.Detection{}, false
	}
	return best, true
}

type onceStream struct {
	Stream
	once sync.Once
	err  error
}

func (s *onceStream) Close() error {
	s.once.Do(func() { s.err = s.Stream.Close() })
	return s.err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
