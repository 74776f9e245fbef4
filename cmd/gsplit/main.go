package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dukerupert/gsplit/internal/backup"
	"github.com/dukerupert/gsplit/internal/config"
	"github.com/dukerupert/gsplit/internal/database"
	"github.com/dukerupert/gsplit/internal/logging"
	"github.com/dukerupert/gsplit/internal/migrate"
	"github.com/dukerupert/gsplit/internal/push"
	"github.com/dukerupert/gsplit/internal/server"
	"github.com/dukerupert/gsplit/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "gsplit",
		Usage: "Split the G pint scoring server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "gsplit.yaml",
				Usage:   "path to the configuration file",
				EnvVars: []string{"GSPLIT_CONFIG"},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server",
				Action: serve,
			},
			{
				Name:  "import-legacy",
				Usage: "import a legacy browser pint log export",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Usage: "export JSON file", Required: true},
				},
				Action: importLegacy,
			},
			{
				Name:  "backup",
				Usage: "seal the database and upload it to object storage",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "passphrase", Usage: "encryption passphrase, defaults to the configured one"},
				},
				Action: runBackup,
			},
			{
				Name:  "restore",
				Usage: "decrypt a sealed backup into a new database file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Usage: "sealed backup file", Required: true},
					&cli.StringFlag{Name: "out", Usage: "restored database path", Required: true},
					&cli.StringFlag{Name: "passphrase", Usage: "encryption passphrase", Required: true},
				},
				Action: func(c *cli.Context) error {
					if err := backup.RestoreFile(c.String("in"), c.String("passphrase"), c.String("out")); err != nil {
						return err
					}
					fmt.Printf("Restored %s to %s\n", c.String("in"), c.String("out"))
					return nil
				},
			},
			{
				Name:  "vapid-keys",
				Usage: "generate a VAPID key pair for push notifications",
				Action: func(c *cli.Context) error {
					pub, priv, err := push.GenerateVAPIDKeys()
					if err != nil {
						return err
					}
					fmt.Printf("GSPLIT_VAPID_PUBLIC_KEY=%s\nGSPLIT_VAPID_PRIVATE_KEY=%s\n", pub, priv)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("gsplit", "error", err)
		os.Exit(1)
	}
}

func load(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat), nil
}

func serve(c *cli.Context) error {
	cfg, logger, err := load(c)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.LimitPages(db, cfg.Limits.MaxDBPages); err != nil {
		return err
	}

	srv, err := server.New(db, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Legacy.ImportPath != "" {
		if err := importFile(srv.SettingsStore(), srv.PintStore(), cfg.Legacy.ImportPath, logger); err != nil {
			logger.Error("legacy import", "path", cfg.Legacy.ImportPath, "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	srv.Start(bgCtx)

	// Background cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := srv.Sessions().Sweep(); n > 0 {
					logger.Info("swept idle sessions", "count", n)
				}
				srv.RateLimiter().Cleanup(10 * time.Minute)
			case <-bgCtx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gsplit starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	srv.Stop()
	return nil
}

func importLegacy(c *cli.Context) error {
	cfg, logger, err := load(c)
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return importFile(store.NewSettingsStore(db), store.NewPintStore(db), c.String("file"), logger)
}

func importFile(settings *store.SettingsStore, pints *store.PintStore, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open legacy export: %w", err)
	}
	defer f.Close()

	rep, err := migrate.NewImporter(settings, pints, logger.With("component", "migrate")).ImportLegacy(f)
	if err != nil {
		return err
	}
	if rep.AlreadyApplied {
		logger.Info("legacy import already applied", "path", path)
	}
	return nil
}

func runBackup(c *cli.Context) error {
	cfg, logger, err := load(c)
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	srv, err := server.New(db, cfg, logger)
	if err != nil {
		return err
	}

	var id int64
	if p := c.String("passphrase"); p != "" {
		id, err = srv.BackupManager().RunNow(c.Context, p)
	} else {
		id, err = srv.BackupManager().RunConfigured(c.Context)
	}
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	fmt.Printf("Backup %d uploaded\n", id)
	return nil
}
