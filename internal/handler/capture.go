package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	ws "github.com/coder/websocket"
	"github.com/dukerupert/gsplit/internal/capture"
	"github.com/dukerupert/gsplit/internal/metrics"
	"github.com/dukerupert/gsplit/internal/pintlog"
	"github.com/dukerupert/gsplit/internal/session"
	"github.com/dukerupert/gsplit/internal/store"
	"github.com/dukerupert/gsplit/internal/websocket"
)

// Messages the browser sends as text frames. Camera frames arrive as binary.
const (
	msgCapture      = "capture"
	msgCameraDenied = "camera_denied"
	msgRetry        = "retry"
)

type captureRequest struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type captureEvent struct {
	Type   string            `json:"type"`
	Status *capture.Status   `json:"status,omitempty"`
	Action string            `json:"action,omitempty"`
	Result *pintlog.Recorded `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// CaptureHandler runs a capture session per WebSocket connection.
type CaptureHandler struct {
	cfg      capture.Config
	detector capture.Detector
	scorer   capture.Scorer
	pints    *pintlog.Service
	sessions *session.Manager
	metrics  *metrics.Metrics
	origins  []string
	logger   *slog.Logger
}

func NewCaptureHandler(cfg capture.Config, detector capture.Detector, scorer capture.Scorer, pints *pintlog.Service, sessions *session.Manager, m *metrics.Metrics, origins []string, logger *slog.Logger) *CaptureHandler {
	return &CaptureHandler{
		cfg:      cfg,
		detector: detector,
		scorer:   scorer,
		pints:    pints,
		sessions: sessions,
		metrics:  m,
		origins:  origins,
		logger:   logger,
	}
}

// Handle handles GET /ws/capture
func (h *CaptureHandler) Handle(w http.ResponseWriter, r *http.Request) {
	sid := h.sessions.ID(w, r)
	conn, err := websocket.Accept(w, r, h.origins)
	if err != nil {
		h.logger.Warn("capture accept", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &captureSession{
		h:      h,
		sid:    sid,
		client: websocket.NewClient(nil, conn),
		retry:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run(ctx)

	if err := s.client.Serve(ctx, s.handle); err != nil && ctx.Err() == nil {
		h.logger.Debug("capture connection closed", "error", err)
	}
	cancel()
	<-s.done
}

type captureSession struct {
	h      *CaptureHandler
	sid    string
	client *websocket.Client

	mu      sync.Mutex
	camera  *capture.FeedCamera
	machine *capture.Machine

	retry chan struct{}
	done  chan struct{}
}

// run starts a capture attempt and, once it ends, waits for the browser to
// ask for another.
func (s *captureSession) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-s.retry:
		default:
		}

		cam := capture.NewFeedCamera(
			func() { s.client.Send(ctx, captureEvent{Type: "camera", Action: "start"}) },
			func() { s.client.Send(ctx, captureEvent{Type: "camera", Action: "stop"}) },
		)
		m := capture.NewMachine(s.h.cfg, cam, s.h.detector, s.h.scorer, s.status(ctx), s.handoff(ctx), s.h.logger)

		s.mu.Lock()
		s.camera, s.machine = cam, m
		s.mu.Unlock()

		err := m.Run(ctx)
		cam.Disconnect()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, capture.ErrCameraUnavailable) {
			s.h.logger.Warn("capture session", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.retry:
		}
	}
}

func (s *captureSession) status(ctx context.Context) capture.StatusCallback {
	return func(st capture.Status) {
		s.h.metrics.ObserveTransition(string(st.State))
		s.client.Send(ctx, captureEvent{Type: "status", Status: &st})
	}
}

func (s *captureSession) handoff(ctx context.Context) capture.Handoff {
	return func(res capture.Result) {
		// a scored pint is kept even if the browser leaves mid-save
		rec, err := s.h.pints.Record(context.WithoutCancel(ctx), pintlog.Capture{
			Result:    res.SplitResult,
			Image:     res.Image,
			Selection: s.h.sessions.Get(s.sid),
		})
		if err != nil {
			s.h.logger.Error("record capture", "error", err)
			msg := "Couldn't save that pint."
			if errors.Is(err, store.ErrQuotaExceeded) {
				msg = quotaMessage
			}
			s.client.Send(ctx, captureEvent{Type: "error", Error: msg})
			return
		}
		s.client.Send(ctx, captureEvent{Type: "result", Result: rec})
	}
}

func (s *captureSession) current() (*capture.FeedCamera, *capture.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera, s.machine
}

func (s *captureSession) handle(ctx context.Context, typ ws.MessageType, data []byte) error {
	cam, m := s.current()

	if typ == ws.MessageBinary {
		if cam != nil {
			cam.Push(data)
		}
		return nil
	}

	var req captureRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.h.logger.Debug("capture message", "error", err)
		return nil
	}

	switch req.Type {
	case msgCapture:
		if m == nil || !m.Capture() {
			s.client.Send(ctx, captureEvent{Type: "error", Error: "Not ready to capture yet."})
		}
	case msgCameraDenied:
		if cam != nil {
			cam.Deny(req.Reason)
		}
	case msgRetry:
		select {
		case s.retry <- struct{}{}:
		default:
		}
	default:
		s.h.logger.Debug("unknown capture message", "type", req.Type)
	}
	return nil
}
