// Package ledger tracks cumulative points and the daily visit streak.
//
// State transitions are pure functions on State; Ledger loads and saves the
// state through a Storage port.
package ledger

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

const (
	keyTotalPoints = "total_points"
	keyLastVisit   = "last_visit"
	keyStreakCount = "streak_count"
)

// State is the persisted ledger. LastVisit is a calendar date; zero means no
// visit has been recorded.
type State struct {
	TotalPoints int
	Streak      int
	LastVisit   time.Time
}

// AddScore adds round(score). The total never decreases.
func (s State) AddScore(score float64) State {
	s.TotalPoints += max(0, int(math.Round(score)))
	return s
}

// Visit records a visit on today's calendar date. A gap of one day extends
// the streak, a longer gap resets it to 1 and a repeat visit on the same day
// leaves it unchanged. A last visit in the future counts as the same day.
func (s State) Visit(today time.Time) State {
	day := civil(today)
	if s.LastVisit.IsZero() {
		s.Streak = 1
		s.LastVisit = day
		return s
	}

	switch diff := daysBetween(s.LastVisit, day); {
	case diff <= 0:
		return s
	case diff == 1:
		s.Streak++
	default:
		s.Streak = 1
	}
	s.LastVisit = day
	return s
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(civil(to).Sub(civil(from)).Hours() / 24)
}

// Storage persists ledger values as strings.
type Storage interface {
	Lookup(key string) (string, bool, error)
	Set(key, value string) error
}

type Summary struct {
	TotalPoints int      `json:"total_points"`
	Tier        Tier     `json:"tier"`
	Progress    Progress `json:"progress"`
	Streak      int      `json:"streak"`
	LastVisit   string   `json:"last_visit,omitempty"`
}

type Ledger struct {
	mu      sync.Mutex
	storage Storage
	now     func() time.Time
}

// New returns a ledger backed by storage. A nil now uses time.Now.
func New(storage Storage, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{storage: storage, now: now}
}

// AddPoints adds round(score) to the stored total and returns the new total.
func (l *Ledger) AddPoints(score float64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load()
	if err != nil {
		return 0, err
	}
	next := st.AddScore(score)
	if next.TotalPoints != st.TotalPoints {
		if err := l.storage.Set(keyTotalPoints, strconv.Itoa(next.TotalPoints)); err != nil {
			return 0, fmt.Errorf("save total points: %w", err)
		}
	}
	return next.TotalPoints, nil
}

// UpdateStreak records a visit today and returns the current streak.
func (l *Ledger) UpdateStreak() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load()
	if err != nil {
		return 0, err
	}
	next := st.Visit(l.now())
	if next.Streak == st.Streak && next.LastVisit.Equal(st.LastVisit) {
		return st.Streak, nil
	}
	if err := l.storage.Set(keyStreakCount, strconv.Itoa(next.Streak)); err != nil {
		return 0, fmt.Errorf("save streak: %w", err)
	}
	if err := l.storage.Set(keyLastVisit, next.LastVisit.Format(dateLayout)); err != nil {
		return 0, fmt.Errorf("save last visit: %w", err)
	}
	return next.Streak, nil
}

// State returns the stored ledger state.
func (l *Ledger) State() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *Ledger) Summary() (Summary, error) {
	st, err := l.State()
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		TotalPoints: st.TotalPoints,
		Tier:        TierForPoints(st.TotalPoints),
		Progress:    ProgressToNextTier(st.TotalPoints),
		Streak:      st.Streak,
	}
	if !st.LastVisit.IsZero() {
		sum.LastVisit = st.LastVisit.Format(dateLayout)
	}
	return sum, nil
}

// StreakAtRisk reports whether the last visit was yesterday, so the streak
// ends unless there is a visit today.
func (l *Ledger) StreakAtRisk() (bool, error) {
	st, err := l.State()
	if err != nil {
		return false, err
	}
	if st.LastVisit.IsZero() {
		return false, nil
	}
	return daysBetween(st.LastVisit, l.now()) == 1, nil
}

func (l *Ledger) load() (State, error) {
	var st State

	v, ok, err := l.storage.Lookup(keyTotalPoints)
	if err != nil {
		return State{}, fmt.Errorf("load total points: %w", err)
	}
	if ok {
		if st.TotalPoints, err = strconv.Atoi(v); err != nil {
			return State{}, fmt.Errorf("parse total points %q: %w", v, err)
		}
	}

	v, ok, err = l.storage.Lookup(keyStreakCount)
	if err != nil {
		return State{}, fmt.Errorf("load streak: %w", err)
	}
	if ok {
		if st.Streak, err = strconv.Atoi(v); err != nil {
			return State{}, fmt.Errorf("parse streak %q: %w", v, err)
		}
	}

	v, ok, err = l.storage.Lookup(keyLastVisit)
	if err != nil {
		return State{}, fmt.Errorf("load last visit: %w", err)
	}
	if ok && v != "" {
		if st.LastVisit, err = time.Parse(dateLayout, v); err != nil {
			return State{}, fmt.Errorf("parse last visit %q: %w", v, err)
		}
	}
	return st, nil
}
