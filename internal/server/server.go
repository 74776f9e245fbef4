package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/gsplit/internal/backup"
	"github.com/dukerupert/gsplit/internal/capture"
	"github.com/dukerupert/gsplit/internal/config"
	"github.com/dukerupert/gsplit/internal/detect"
	"github.com/dukerupert/gsplit/internal/directory"
	"github.com/dukerupert/gsplit/internal/handler"
	"github.com/dukerupert/gsplit/internal/ledger"
	"github.com/dukerupert/gsplit/internal/metrics"
	"github.com/dukerupert/gsplit/internal/middleware"
	"github.com/dukerupert/gsplit/internal/pintlog"
	"github.com/dukerupert/gsplit/internal/places"
	"github.com/dukerupert/gsplit/internal/pubs"
	"github.com/dukerupert/gsplit/internal/push"
	"github.com/dukerupert/gsplit/internal/roast"
	"github.com/dukerupert/gsplit/internal/scoring"
	"github.com/dukerupert/gsplit/internal/session"
	"github.com/dukerupert/gsplit/internal/store"
	ws "github.com/dukerupert/gsplit/internal/websocket"
)

type Server struct {
	db       *sql.DB
	cfg      *config.Config
	hub      *ws.Hub
	metrics  *metrics.Metrics
	pintlog  *pintlog.Service
	sessions *session.Manager

	pintH     *handler.PintHandler
	pubH      *handler.PubHandler
	sessionH  *handler.SessionHandler
	settingsH *handler.SettingsHandler
	pushH     *handler.PushHandler
	backupH   *handler.BackupHandler
	captureH  *handler.CaptureHandler

	settingsStore *store.SettingsStore
	pintStore     *store.PintStore
	rateLimiter   *middleware.RateLimiter
	backupManager *backup.Manager
	pushScheduler *push.Scheduler
	logger        *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	hub := ws.NewHub(logger.With("component", "websocket"))
	m := metrics.New()

	pintStore := store.NewPintStore(db)
	settingsStore := store.NewSettingsStore(db)
	backupStore := store.NewBackupStore(db)
	pushSt := store.NewPushStore(db)

	anonID, err := session.AnonymousID(settingsStore)
	if err != nil {
		return nil, fmt.Errorf("anonymous id: %w", err)
	}

	bank, err := roast.DefaultBank()
	if err != nil {
		return nil, fmt.Errorf("load roast bank: %w", err)
	}
	gen := roast.NewGenerator(roast.Config{
		URL:     cfg.Roast.URL,
		Timeout: cfg.Roast.Timeout,
	}, bank, logger.With("component", "roast"))

	scorer := scoring.NewClient(scoring.Config{
		URL:     cfg.Scoring.URL,
		Timeout: cfg.Scoring.Timeout,
	}, m)
	scorer.Verdict = gen.SplitVerdict

	detector := detect.NewClient(detect.Config{
		URL:     cfg.Detection.URL,
		Model:   cfg.Detection.Model,
		Version: cfg.Detection.Version,
		APIKey:  cfg.Detection.APIKey,
		Timeout: cfg.Detection.Timeout,
	}, m)
	if !detector.Configured() {
		logger.Warn("detection not configured, live capture will not lock on")
	}

	pubClient := pubs.NewClient(pubs.Config{
		URL:        cfg.Pubs.URL,
		Timeout:    cfg.Pubs.Timeout,
		MaxRetries: cfg.Pubs.MaxRetries,
	})
	placesClient := places.NewClient(places.Config{
		APIKey:       cfg.Places.APIKey,
		BaseURL:      cfg.Places.BaseURL,
		RadiusMeters: cfg.Places.RadiusMeters,
		CacheTTL:     cfg.Places.CacheTTL,
	})

	// Unconfigured sources stay nil interfaces so the directory skips them.
	var (
		backend directory.Backend
		detail  handler.PubDetail
		nearby  directory.Nearby
		auto    handler.Autocompleter
	)
	if pubClient.Configured() {
		backend, detail = pubClient, pubClient
	}
	if placesClient.Configured() {
		nearby, auto = placesClient, placesClient
	}
	dir := directory.NewService(backend, nearby, logger.With("component", "directory"))

	l := ledger.New(settingsStore, nil)
	pints := pintlog.NewService(pintlog.Config{AnonymousID: anonID}, pintStore, l, gen, pubClient, hub, m, logger.With("component", "pintlog"))
	sessions := session.NewManager(cfg.Server.SessionTTL)

	backupMgr := backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.Backup.S3.Endpoint,
			Bucket:    cfg.Backup.S3.Bucket,
			Region:    cfg.Backup.S3.Region,
			AccessKey: cfg.Backup.S3.AccessKey,
			SecretKey: cfg.Backup.S3.SecretKey,
		},
		Passphrase:   cfg.Backup.Passphrase,
		ScheduleHour: cfg.Backup.ScheduleHour,
	}, db, backupStore, settingsStore, func(s backup.Status) {
		hub.Broadcast(ws.Message{
			Type:   "backup_status",
			Entity: "backup",
			Action: string(s.State),
			Extra: map[string]any{
				"in_progress": s.InProgress,
				"error":       s.Error,
			},
		})
	}, logger.With("component", "backup"))

	pushSvc := push.NewService(push.Config{
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		Subscriber:      cfg.Push.Subscriber,
	})
	pushSched := push.NewScheduler(pushSvc, pushSt, l, settingsStore, cfg.Push.ReminderHour, logger.With("component", "push"))

	captureCfg := capture.Config{
		TargetClass:  cfg.Detection.TargetClass,
		Threshold:    cfg.Detection.Threshold,
		PollInterval: cfg.Detection.PollInterval,
		SettleDelay:  cfg.Detection.SettleDelay,
		FreezeDelay:  cfg.Detection.FreezeDelay,
	}

	perMinute := cfg.Limits.AnalyzePerMinute
	if perMinute <= 0 {
		perMinute = 10
	}

	return &Server{
		db:       db,
		cfg:      cfg,
		hub:      hub,
		metrics:  m,
		pintlog:  pints,
		sessions: sessions,

		pintH:     handler.NewPintHandler(pints, scorer, sessions, logger.With("component", "pint")),
		pubH:      handler.NewPubHandler(dir, detail, auto, logger.With("component", "pub")),
		sessionH:  handler.NewSessionHandler(sessions),
		settingsH: handler.NewSettingsHandler(settingsStore, hub),
		pushH:     handler.NewPushHandler(pushSt, pushSvc, pushSched, logger.With("component", "push_handler")),
		backupH:   handler.NewBackupHandler(backupMgr, logger.With("component", "backup_handler")),
		captureH:  handler.NewCaptureHandler(captureCfg, detector, scorer, pints, sessions, m, cfg.Server.AllowedOrigins, logger.With("component", "capture")),

		settingsStore: settingsStore,
		pintStore:     pintStore,
		rateLimiter:   middleware.NewRateLimiter(middleware.PerWindow(perMinute, time.Minute), perMinute),
		backupManager: backupMgr,
		pushScheduler: pushSched,
		logger:        logger,
	}, nil
}

// Start launches the backup and reminder loops.
func (s *Server) Start(ctx context.Context) {
	s.backupManager.Start(ctx)
	s.pushScheduler.Start(ctx)
}

// Stop ends background work, waits for pending backend syncs and closes
// every WebSocket.
func (s *Server) Stop() {
	s.pushScheduler.Stop()
	s.backupManager.Stop()
	s.pintlog.Wait()
	s.hub.Shutdown()
}

// Sessions returns the pub selection sessions for cleanup tasks.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

// SettingsStore and PintStore back the legacy import.
func (s *Server) SettingsStore() *store.SettingsStore {
	return s.settingsStore
}

func (s *Server) PintStore() *store.PintStore {
	return s.pintStore
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// WebSockets
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.Server.AllowedOrigins, s.logger.With("component", "websocket")))
	mux.HandleFunc("GET /ws/capture", s.captureH.Handle)

	// Pints
	mux.Handle("POST /api/analyze", s.rateLimited(s.pintH.Analyze))
	mux.HandleFunc("GET /api/pints", s.pintH.List)
	mux.HandleFunc("GET /api/pints/stats", s.pintH.Stats)
	mux.HandleFunc("GET /api/pints/chart.png", s.pintH.Chart)
	mux.HandleFunc("GET /api/pints/{id}", s.pintH.Get)
	mux.HandleFunc("DELETE /api/pints/{id}", s.pintH.Delete)
	mux.HandleFunc("POST /api/pints/{id}/survey", s.pintH.Survey)

	// Ledger
	mux.HandleFunc("GET /api/ledger", s.pintH.Ledger)
	mux.HandleFunc("POST /api/ledger/visit", s.pintH.Visit)
	mux.HandleFunc("GET /api/tiers", s.pintH.Tiers)

	// Pub directory
	mux.HandleFunc("GET /api/pubs", s.pubH.Search)
	mux.HandleFunc("GET /api/pubs/{id}", s.pubH.Get)
	mux.HandleFunc("GET /api/places/autocomplete", s.pubH.Autocomplete)

	// Session
	mux.HandleFunc("GET /api/session", s.sessionH.Get)
	mux.HandleFunc("PUT /api/session", s.sessionH.Update)

	// Settings
	mux.HandleFunc("GET /api/settings", s.settingsH.Get)
	mux.HandleFunc("PUT /api/settings", s.settingsH.Update)

	// Push notifications
	mux.HandleFunc("POST /api/push/subscribe", s.pushH.Subscribe)
	mux.HandleFunc("DELETE /api/push/subscribe", s.pushH.Unsubscribe)
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	mux.HandleFunc("POST /api/push/test", s.pushH.TestNotification)

	// Backups
	mux.HandleFunc("POST /api/backups", s.backupH.Create)
	mux.HandleFunc("GET /api/backups", s.backupH.List)
	mux.HandleFunc("GET /api/backups/{id}/download", s.backupH.Download)

	return middleware.RequestLogger(s.logger.With("component", "http"), s.metrics)(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.RealIP)(h)
}
