// Package pintlog is the result and log flow: it saves scored pints, awards
// points, keeps the streak, completes rating surveys and syncs to the pub
// backend on a best-effort basis.
package pintlog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/dukerupert/gsplit/internal/ledger"
	"github.com/dukerupert/gsplit/internal/metrics"
	"github.com/dukerupert/gsplit/internal/model"
	"github.com/dukerupert/gsplit/internal/pubs"
	"github.com/dukerupert/gsplit/internal/roast"
	"github.com/dukerupert/gsplit/internal/store"
	"github.com/dukerupert/gsplit/internal/websocket"
)

// DefaultFeedback is stored when the scoring service gave no feedback.
const DefaultFeedback = "That's a pour"

// ErrInvalidSurvey wraps every survey validation failure.
var ErrInvalidSurvey = errors.New("invalid survey")

// Syncer submits scores and ratings to the pub backend.
type Syncer interface {
	Configured() bool
	SubmitScore(ctx context.Context, placeID string, s pubs.ScoreSubmission) error
	SubmitRating(ctx context.Context, placeID string, r pubs.RatingSubmission) error
}

type Roaster interface {
	PubRoast(ctx context.Context, req roast.Request) roast.Roast
}

type Notifier interface {
	Broadcast(msg websocket.Message)
}

type Config struct {
	// AnonymousID identifies this device on backend submissions.
	AnonymousID string
	SyncTimeout time.Duration
}

type Service struct {
	cfg     Config
	pints   *store.PintStore
	ledger  *ledger.Ledger
	roaster Roaster
	syncer  Syncer
	hub     Notifier
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex // serializes id allocation
	pending sync.WaitGroup
}

// NewService wires the flow. syncer and hub may be nil.
func NewService(cfg Config, pints *store.PintStore, l *ledger.Ledger, roaster Roaster, syncer Syncer, hub Notifier, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	return &Service{
		cfg:     cfg,
		pints:   pints,
		ledger:  l,
		roaster: roaster,
		syncer:  syncer,
		hub:     hub,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Capture is a scored still ready to be logged.
type Capture struct {
	Result    model.SplitResult
	Image     []byte
	Selection model.Selection
}

// Recorded is the outcome of logging a pint.
type Recorded struct {
	Pint         *model.Pint `json:"pint"`
	PointsEarned int         `json:"points_earned"`
	TotalPoints  int         `json:"total_points"`
	Streak       int         `json:"streak"`
}

// Record saves a scored pint and updates the ledger. The backend sync runs in
// the background and never fails the call.
func (s *Service) Record(ctx context.Context, c Capture) (*Recorded, error) {
	p, err := s.save(c)
	if err != nil {
		return nil, err
	}

	total, err := s.ledger.AddPoints(p.Score)
	if err != nil {
		// a pint is only logged together with its points
		if derr := s.pints.Delete(p.ID); derr != nil {
			s.logger.Error("remove unawarded pint", "id", p.ID, "error", derr)
		}
		return nil, fmt.Errorf("add points: %w", err)
	}
	s.metrics.PintRecorded()

	streak, err := s.ledger.UpdateStreak()
	if err != nil {
		s.logger.Warn("update streak", "id", p.ID, "error", err)
		if st, serr := s.ledger.State(); serr == nil {
			streak = st.Streak
		}
	}

	s.logger.Info("pint recorded", "id", p.ID, "score", p.Score, "total_points", total, "streak", streak)
	s.broadcast("pint", "created", p.ID, map[string]any{"score": p.Score})
	s.broadcast("ledger", "updated", 0, map[string]any{"total_points": total, "streak": streak})

	if p.PlaceID != nil {
		sub := pubs.ScoreSubmission{
			Score:         p.Score,
			Username:      c.Selection.Username,
			AnonymousID:   s.cfg.AnonymousID,
			SplitImage:    p.Image,
			SplitDetected: p.SplitDetected,
			Feedback:      p.Feedback,
			PubName:       c.Selection.PubName,
			PubAddress:    c.Selection.PubAddress,
		}
		if p.Ranking != nil {
			sub.Ranking = *p.Ranking
		}
		if p.Lat != nil && p.Lng != nil {
			sub.PubLat, sub.PubLng = *p.Lat, *p.Lng
		}
		placeID := *p.PlaceID
		s.background(ctx, "score", func(ctx context.Context) error {
			return s.syncer.SubmitScore(ctx, placeID, sub)
		})
	}

	return &Recorded{
		Pint:         p,
		PointsEarned: max(0, int(math.Round(p.Score))),
		TotalPoints:  total,
		Streak:       streak,
	}, nil
}

func (s *Service) save(c Capture) (*model.Pint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	id := now.UnixMilli()
	for {
		exists, err := s.pints.Exists(id)
		if err != nil {
			return nil, fmt.Errorf("allocate pint id: %w", err)
		}
		if !exists {
			break
		}
		id++
	}

	ranking, err := s.ranking(c.Result.Score)
	if err != nil {
		return nil, err
	}

	p := &model.Pint{
		ID:            id,
		CreatedAt:     now,
		Score:         c.Result.Score,
		Image:         DataURL(c.Image),
		SplitDetected: c.Result.SplitDetected,
		Feedback:      c.Result.Feedback,
		DistanceMM:    c.Result.DistanceMM,
		Ranking:       &ranking,
	}
	if p.Feedback == "" {
		p.Feedback = DefaultFeedback
	}

	sel := c.Selection
	if sel.PubName != "" {
		p.Location = &sel.PubName
		p.PubName = &sel.PubName
	}
	if sel.PubAddress != "" {
		p.PubAddress = &sel.PubAddress
	}
	if sel.PlaceID != "" {
		p.PlaceID = &sel.PlaceID
	}
	p.Lat, p.Lng = sel.Lat, sel.Lng

	if err := s.pints.Put(p); err != nil {
		return nil, fmt.Errorf("save pint: %w", err)
	}
	return p, nil
}

// ranking places a score among the pints already logged.
func (s *Service) ranking(score float64) (string, error) {
	n, err := s.pints.Count()
	if err != nil {
		return "", fmt.Errorf("count pints: %w", err)
	}
	above, err := s.pints.CountAbove(score)
	if err != nil {
		return "", fmt.Errorf("rank pint: %w", err)
	}
	return Ranking(above, n), nil
}

// Ranking renders the percentile annotation for a new pint that has above
// pints scoring higher out of prior logged pints.
func Ranking(above, prior int) string {
	pct := int(math.Ceil(float64(above+1) * 100 / float64(prior+1)))
	pct = min(max(pct, 1), 100)
	return fmt.Sprintf("Top %d%% of your pints", pct)
}

// DataURL encodes an image for storage alongside the pint.
func DataURL(image []byte) string {
	if len(image) == 0 {
		return ""
	}
	return "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
}

// SurveyInput is a submitted rating. Ratings are on a 0 to 5 scale.
type SurveyInput struct {
	Taste         float64  `json:"taste"`
	Temperature   float64  `json:"temperature"`
	Head          float64  `json:"head"`
	OverallRating *float64 `json:"overall_rating,omitempty"`
	Price         *float64 `json:"price,omitempty"`
	PourTechnique []string `json:"pour_technique,omitempty"`
	Location      *string  `json:"location,omitempty"`
	Username      string   `json:"username,omitempty"`
}

func (in SurveyInput) validate() error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || v < 0 || v > 5 {
			return fmt.Errorf("%w: %s must be between 0 and 5", ErrInvalidSurvey, name)
		}
		return nil
	}
	if err := check("taste", in.Taste); err != nil {
		return err
	}
	if err := check("temperature", in.Temperature); err != nil {
		return err
	}
	if err := check("head", in.Head); err != nil {
		return err
	}
	if in.OverallRating != nil {
		if err := check("overall_rating", *in.OverallRating); err != nil {
			return err
		}
	}
	if in.Price != nil && (math.IsNaN(*in.Price) || *in.Price < 0) {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidSurvey)
	}
	return nil
}

// Overall is the mean of the three sub-ratings, rounded to one decimal.
func Overall(taste, temperature, head float64) float64 {
	return math.Round((taste+temperature+head)/3*10) / 10
}

type SurveyResult struct {
	Pint  *model.Pint `json:"pint"`
	Roast roast.Roast `json:"roast"`
}

// CompleteSurvey rates a logged pint once. It returns (nil, nil) when the
// pint does not exist and store.ErrSurveyCompleted when it was already rated.
func (s *Service) CompleteSurvey(ctx context.Context, id int64, in SurveyInput) (*SurveyResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	p, err := s.pints.GetByID(id)
	if err != nil {
		return nil, fmt.Errorf("get pint: %w", err)
	}
	if p == nil {
		return nil, nil
	}
	if p.Surveyed() {
		return nil, store.ErrSurveyCompleted
	}

	overall := Overall(in.Taste, in.Temperature, in.Head)
	if in.OverallRating != nil {
		overall = *in.OverallRating
	}

	req := roast.Request{Rating: overall, Taste: in.Taste, Temperature: in.Temperature, Head: in.Head}
	if p.PubName != nil {
		req.Pub = *p.PubName
	}
	r := s.roaster.PubRoast(ctx, req)

	sv := model.Survey{
		OverallRating: overall,
		Price:         in.Price,
		Taste:         &in.Taste,
		Temperature:   &in.Temperature,
		Creaminess:    &in.Head,
		PourTechnique: in.PourTechnique,
		Roast:         &r.Text,
		Location:      in.Location,
	}
	updated, err := s.pints.CompleteSurvey(id, sv)
	if err != nil {
		return nil, fmt.Errorf("complete survey: %w", err)
	}
	if updated == nil {
		return nil, nil
	}

	s.broadcast("pint", "rated", id, map[string]any{"overall_rating": overall})

	if updated.PlaceID != nil {
		sub := pubs.RatingSubmission{
			OverallRating: overall,
			Taste:         in.Taste,
			Temperature:   in.Temperature,
			Head:          in.Head,
			Price:         in.Price,
			Roast:         r.Text,
			Username:      in.Username,
			AnonymousID:   s.cfg.AnonymousID,
		}
		if updated.PubName != nil {
			sub.PubName = *updated.PubName
		}
		if updated.PubAddress != nil {
			sub.PubAddress = *updated.PubAddress
		}
		if updated.Lat != nil && updated.Lng != nil {
			sub.PubLat, sub.PubLng = *updated.Lat, *updated.Lng
		}
		placeID := *updated.PlaceID
		s.background(ctx, "rating", func(ctx context.Context) error {
			return s.syncer.SubmitRating(ctx, placeID, sub)
		})
	}

	return &SurveyResult{Pint: updated, Roast: r}, nil
}

// List returns every logged pint, newest first. Read failures are logged and
// yield an empty log.
func (s *Service) List() []model.Pint {
	pints, err := s.pints.GetAll()
	if err != nil {
		s.logger.Error("list pints", "error", err)
		return []model.Pint{}
	}
	return pints
}

func (s *Service) Get(id int64) (*model.Pint, error) {
	return s.pints.GetByID(id)
}

// Delete removes a pint. Points already awarded are kept.
func (s *Service) Delete(id int64) (bool, error) {
	exists, err := s.pints.Exists(id)
	if err != nil {
		return false, fmt.Errorf("check pint: %w", err)
	}
	if !exists {
		return false, nil
	}
	if err := s.pints.Delete(id); err != nil {
		return false, err
	}
	s.broadcast("pint", "deleted", id, nil)
	return true, nil
}

// Stats degrades to zeros when the store cannot be read.
func (s *Service) Stats() model.PintStats {
	st, err := s.pints.Stats()
	if err != nil {
		s.logger.Error("pint stats", "error", err)
		return model.PintStats{}
	}
	return st
}

func (s *Service) Summary() (ledger.Summary, error) {
	return s.ledger.Summary()
}

// Visit records a visit without logging a pint.
func (s *Service) Visit() (int, error) {
	streak, err := s.ledger.UpdateStreak()
	if err != nil {
		return 0, err
	}
	s.broadcast("ledger", "updated", 0, map[string]any{"streak": streak})
	return streak, nil
}

// Wait blocks until pending backend syncs have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) background(ctx context.Context, op string, fn func(ctx context.Context) error) {
	if s.syncer == nil || !s.syncer.Configured() {
		return
	}
	ctx = context.WithoutCancel(ctx)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Warn("backend sync failed", "op", op, "error", err)
			s.metrics.ObserveSync(op, metrics.ResultError)
			return
		}
		s.metrics.ObserveSync(op, metrics.ResultOK)
	}()
}

func (s *Service) broadcast(entity, action string, id int64, extra map[string]any) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(websocket.NewMessage(entity, action, id, extra))
}
