// Package migrate imports the pint log and ledger kept by the earlier,
// browser-only version of the app. The import is versioned and runs once.
package migrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/gsplit/internal/model"
	"github.com/dukerupert/gsplit/internal/store"
)

// Version is bumped whenever the import learns a new legacy format.
const Version = 1

// legacyDateLayout is how the browser stored the last visit day.
const legacyDateLayout = "Mon Jan 02 2006"

type Settings interface {
	Lookup(key string) (string, bool, error)
	Set(key, value string) error
}

type Pints interface {
	Exists(id int64) (bool, error)
	Put(p *model.Pint) error
}

// Report summarizes one import run.
type Report struct {
	Imported       int  `json:"imported"`
	Skipped        int  `json:"skipped"`
	AlreadyApplied bool `json:"already_applied"`
}

type Importer struct {
	settings Settings
	pints    Pints
	logger   *slog.Logger
}

func NewImporter(settings Settings, pints Pints, logger *slog.Logger) *Importer {
	return &Importer{settings: settings, pints: pints, logger: logger}
}

// entry is one record of the legacy pint log.
type entry struct {
	ID            *int64   `json:"id"`
	Date          string   `json:"date"`
	SplitScore    *float64 `json:"splitScore"`
	SplitImage    string   `json:"splitImage"`
	SplitDetected bool     `json:"splitDetected"`
	Feedback      string   `json:"feedback"`
	Location      *string  `json:"location"`
	PlaceID       *string  `json:"place_id"`
	PubName       *string  `json:"pub_name"`
	PubAddress    *string  `json:"pub_address"`
	PubLat        *float64 `json:"pub_lat"`
	PubLng        *float64 `json:"pub_lng"`
	Ranking       *string  `json:"ranking"`
	OverallRating *float64 `json:"overallRating"`
	Price         *float64 `json:"price"`
	Taste         *float64 `json:"taste"`
	Temperature   *float64 `json:"temperature"`
	Creaminess    *float64 `json:"creaminess"`
	PourTechnique []string `json:"pourTechnique"`
	Roast         *string  `json:"roast"`
}

// export is the full browser storage dump. A bare JSON array is read as the
// pint log alone.
type export struct {
	PintLog     []json.RawMessage `json:"pintLog"`
	TotalPoints json.RawMessage   `json:"gsplit_total_points"`
	StreakCount json.RawMessage   `json:"gsplit_streak_count"`
	LastVisit   string            `json:"gsplit_last_visit"`
}

// ImportLegacy reads a legacy export and stores its pints. Malformed records
// are skipped and counted. Pints already present are left alone. Once a run
// completes the version marker is written and later runs do nothing.
func (im *Importer) ImportLegacy(r io.Reader) (Report, error) {
	done, err := im.applied()
	if err != nil {
		return Report{}, err
	}
	if done {
		return Report{AlreadyApplied: true}, nil
	}

	exp, err := decode(r)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for i, raw := range exp.PintLog {
		p, err := convert(raw)
		if err != nil {
			im.logger.Warn("skip legacy pint", "index", i, "error", err)
			rep.Skipped++
			continue
		}
		exists, err := im.pints.Exists(p.ID)
		if err != nil {
			return rep, fmt.Errorf("check legacy pint %d: %w", p.ID, err)
		}
		if exists {
			rep.Skipped++
			continue
		}
		if err := im.pints.Put(p); err != nil {
			return rep, fmt.Errorf("import legacy pint %d: %w", p.ID, err)
		}
		rep.Imported++
	}

	if err := im.importLedger(exp); err != nil {
		return rep, err
	}
	if err := im.settings.Set(store.KeyLegacyImportVersion, strconv.Itoa(Version)); err != nil {
		return rep, fmt.Errorf("mark legacy import: %w", err)
	}

	im.logger.Info("legacy import complete", "imported", rep.Imported, "skipped", rep.Skipped)
	return rep, nil
}

// MarkApplied records the import as done without reading anything, for
// installs that never had a legacy log.
func (im *Importer) MarkApplied() error {
	done, err := im.applied()
	if err != nil || done {
		return err
	}
	return im.settings.Set(store.KeyLegacyImportVersion, strconv.Itoa(Version))
}

func (im *Importer) applied() (bool, error) {
	v, ok, err := im.settings.Lookup(store.KeyLegacyImportVersion)
	if err != nil {
		return false, fmt.Errorf("read legacy import version: %w", err)
	}
	if !ok {
		return false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false, nil
	}
	return n >= Version, nil
}

func decode(r io.Reader) (export, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return export{}, fmt.Errorf("read legacy export: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return export{}, nil
	}

	var exp export
	if data[0] == '[' {
		if err := json.Unmarshal(data, &exp.PintLog); err != nil {
			return export{}, fmt.Errorf("decode legacy pint log: %w", err)
		}
		return exp, nil
	}
	if err := json.Unmarshal(data, &exp); err != nil {
		return export{}, fmt.Errorf("decode legacy export: %w", err)
	}
	return exp, nil
}

func convert(raw json.RawMessage) (*model.Pint, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if e.ID == nil || *e.ID <= 0 {
		return nil, fmt.Errorf("missing id")
	}
	if e.SplitScore == nil {
		return nil, fmt.Errorf("missing splitScore")
	}
	created, err := time.Parse(time.RFC3339, e.Date)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", e.Date, err)
	}

	p := &model.Pint{
		ID:            *e.ID,
		CreatedAt:     created.UTC(),
		Score:         *e.SplitScore,
		Image:         e.SplitImage,
		SplitDetected: e.SplitDetected,
		Feedback:      e.Feedback,
		Location:      nonEmpty(e.Location),
		PlaceID:       nonEmpty(e.PlaceID),
		PubName:       nonEmpty(e.PubName),
		PubAddress:    nonEmpty(e.PubAddress),
		Lat:           e.PubLat,
		Lng:           e.PubLng,
		Ranking:       nonEmpty(e.Ranking),
		OverallRating: e.OverallRating,
		Price:         e.Price,
		Taste:         e.Taste,
		Temperature:   e.Temperature,
		Creaminess:    e.Creaminess,
		PourTechnique: e.PourTechnique,
		Roast:         nonEmpty(e.Roast),
	}
	if p.Location == nil {
		p.Location = p.PubName
	}
	return p, nil
}

// importLedger adopts the legacy points and streak unless the server has
// already started its own.
func (im *Importer) importLedger(exp export) error {
	points, ok := parseCount(exp.TotalPoints)
	if ok && points > 0 {
		cur, _, err := im.settings.Lookup(store.KeyTotalPoints)
		if err != nil {
			return fmt.Errorf("read total points: %w", err)
		}
		if n, _ := strconv.Atoi(cur); n == 0 {
			if err := im.settings.Set(store.KeyTotalPoints, strconv.Itoa(points)); err != nil {
				return fmt.Errorf("import total points: %w", err)
			}
		}
	}

	streak, ok := parseCount(exp.StreakCount)
	if !ok || streak <= 0 || exp.LastVisit == "" {
		return nil
	}
	day, err := time.Parse(legacyDateLayout, exp.LastVisit)
	if err != nil {
		im.logger.Warn("skip legacy streak", "last_visit", exp.LastVisit, "error", err)
		return nil
	}
	if _, ok, err := im.settings.Lookup(store.KeyLastVisit); err != nil {
		return fmt.Errorf("read last visit: %w", err)
	} else if ok {
		return nil
	}
	if err := im.settings.Set(store.KeyStreakCount, strconv.Itoa(streak)); err != nil {
		return fmt.Errorf("import streak: %w", err)
	}
	if err := im.settings.Set(store.KeyLastVisit, day.Format("2006-01-02")); err != nil {
		return fmt.Errorf("import last visit: %w", err)
	}
	return nil
}

// parseCount accepts a number or a numeric string, as the browser stored both.
func parseCount(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	s := strings.Trim(string(raw), `"`)
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
