package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/gsplit/internal/model"
	"golang.org/x/sync/errgroup"
)

// Backend lists charted pubs.
type Backend interface {
	ListPubs(ctx context.Context) ([]model.Pub, error)
}

// Nearby searches live places around a point.
type Nearby interface {
	Nearby(ctx context.Context, at model.Coordinates) ([]model.Pub, error)
}

type Query struct {
	At   *model.Coordinates
	Name string
	// Near is a place id; results are limited to NearRadiusMiles around it.
	Near string
}

type Service struct {
	backend Backend
	nearby  Nearby
	logger  *slog.Logger
}

// NewService accepts nil for either source; a missing source contributes nothing.
func NewService(backend Backend, nearby Nearby, logger *slog.Logger) *Service {
	return &Service{backend: backend, nearby: nearby, logger: logger}
}

// Search fetches both sources concurrently and returns the merged, annotated
// and filtered directory. One failing source is logged; both failing is an error.
func (s *Service) Search(ctx context.Context, q Query) ([]model.Pub, error) {
	var (
		backend, live []model.Pub
		errs          []error
		attempted     int
		mu            sync.Mutex
	)

	g, ctx := errgroup.WithContext(ctx)

	if s.backend != nil {
		attempted++
		g.Go(func() error {
			pubs, err := s.backend.ListPubs(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("pub backend unavailable", "error", err)
				errs = append(errs, fmt.Errorf("list backend pubs: %w", err))
				return nil
			}
			backend = pubs
			return nil
		})
	}

	if s.nearby != nil && q.At != nil {
		attempted++
		at := *q.At
		g.Go(func() error {
			pubs, err := s.nearby.Nearby(ctx, at)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("nearby search failed", "error", err)
				errs = append(errs, fmt.Errorf("search nearby places: %w", err))
				return nil
			}
			live = pubs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if attempted > 0 && len(errs) == attempted {
		return nil, errors.Join(errs...)
	}

	pubs := Annotate(Merge(backend, live), q.At)
	SortByDistance(pubs)
	pubs = FilterNear(pubs, q.Near, NearRadiusMiles)
	return FilterName(pubs, q.Name), nil
}
