package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/gsplit/internal/model"
	"github.com/dukerupert/gsplit/internal/store"
)

// StreakChecker reports whether the visit streak ends unless there is a
// visit today.
type StreakChecker interface {
	StreakAtRisk() (bool, error)
}

type Settings interface {
	Lookup(key string) (string, bool, error)
}

// Scheduler sends the daily streak reminder.
type Scheduler struct {
	mu       sync.RWMutex
	service  *Service
	push     *store.PushStore
	streak   StreakChecker
	settings Settings
	hour     int
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler reminds subscribers at or after hour (local time) on days the
// streak is at risk.
func NewScheduler(svc *Service, pushStore *store.PushStore, streak StreakChecker, settings Settings, hour int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:  svc,
		push:     pushStore,
		streak:   streak,
		settings: settings,
		hour:     hour,
		interval: 5 * time.Minute,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if !s.service.Configured() {
		return
	}
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	if now.Hour() < s.hour {
		return
	}

	if v, ok, err := s.settings.Lookup(store.KeyStreakReminder); err != nil {
		s.logger.Error("push scheduler: reminder setting", "error", err)
		return
	} else if ok && v != "true" {
		return
	}

	refID := now.Format("2006-01-02")
	sent, err := s.push.WasSent(model.NotifTypeStreakReminder, refID)
	if err != nil {
		s.logger.Error("push scheduler: check sent", "error", err)
		return
	}
	if sent {
		return
	}

	atRisk, err := s.streak.StreakAtRisk()
	if err != nil {
		s.logger.Error("push scheduler: streak", "error", err)
		return
	}
	if !atRisk {
		return
	}

	n, err := s.Notify(ctx, Payload{
		Title: "Your streak is on the line",
		Body:  "You were in yesterday. Split the G today to keep the streak going.",
		URL:   "/split",
		Tag:   "streak-reminder",
	})
	if err != nil {
		s.logger.Error("push scheduler: notify", "error", err)
		return
	}
	if err := s.push.RecordSent(model.NotifTypeStreakReminder, refID); err != nil {
		s.logger.Error("push scheduler: record sent", "error", err)
	}
	if err := s.push.CleanupSent(now.AddDate(0, 0, -30)); err != nil {
		s.logger.Warn("push scheduler: cleanup", "error", err)
	}
	s.logger.Info("streak reminder sent", "subscriptions", n)
}

// Notify sends a payload to every subscription and drops expired ones. It
// returns how many deliveries succeeded.
func (s *Scheduler) Notify(ctx context.Context, payload Payload) (int, error) {
	subs, err := s.push.List()
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}

	sent := 0
	for _, sub := range subs {
		err := s.service.Send(ctx, &sub, payload)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrExpired):
			if err := s.push.DeleteByEndpoint(sub.Endpoint); err != nil {
				s.logger.Warn("remove expired subscription", "error", err)
			}
		default:
			s.logger.Warn("send push", "device", sub.DeviceName, "error", err)
		}
	}
	return sent, nil
}
