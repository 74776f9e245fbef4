package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/dukerupert/gsplit/internal/model"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrQuotaExceeded is returned when a write does not fit in the
	// database's page budget.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrSurveyCompleted is returned when a pint has already been rated.
	ErrSurveyCompleted = errors.New("survey already completed")
)

type PintStore struct {
	db *sql.DB
}

func NewPintStore(db *sql.DB) *PintStore {
	return &PintStore{db: db}
}

func scanPint(scanner interface{ Scan(...any) error }) (*model.Pint, error) {
	var p model.Pint
	var detected int
	var distance, lat, lng, overall, price, taste, temp, cream sql.NullFloat64
	var location, placeID, pubName, pubAddress, ranking, pour, roast sql.NullString

	err := scanner.Scan(
		&p.ID, &p.CreatedAt, &p.Score, &p.Image, &detected, &p.Feedback, &distance,
		&location, &placeID, &pubName, &pubAddress, &lat, &lng, &ranking,
		&overall, &price, &taste, &temp, &cream, &pour, &roast,
	)
	if err != nil {
		return nil, err
	}

	p.SplitDetected = detected != 0
	p.DistanceMM = floatPtr(distance)
	p.Location = stringPtr(location)
	p.PlaceID = stringPtr(placeID)
	p.PubName = stringPtr(pubName)
	p.PubAddress = stringPtr(pubAddress)
	p.Lat = floatPtr(lat)
	p.Lng = floatPtr(lng)
	p.Ranking = stringPtr(ranking)
	p.OverallRating = floatPtr(overall)
	p.Price = floatPtr(price)
	p.Taste = floatPtr(taste)
	p.Temperature = floatPtr(temp)
	p.Creaminess = floatPtr(cream)
	p.Roast = stringPtr(roast)
	if pour.Valid && pour.String != "" {
		if err := json.Unmarshal([]byte(pour.String), &p.PourTechnique); err != nil {
			return nil, fmt.Errorf("decode pour technique: %w", err)
		}
	}
	return &p, nil
}

const pintCols = `id, created_at, score, image, split_detected, feedback, distance_mm,
	location, place_id, pub_name, pub_address, lat, lng, ranking,
	overall_rating, price, taste, temperature, creaminess, pour_technique, roast`

// Put inserts the pint or replaces the record with the same id.
func (s *PintStore) Put(p *model.Pint) error {
	pour, err := encodePour(p.PourTechnique)
	if err != nil {
		return err
	}
	var detected int
	if p.SplitDetected {
		detected = 1
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO pints (`+pintCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CreatedAt.UTC(), p.Score, p.Image, detected, p.Feedback, nullFloat(p.DistanceMM),
		nullString(p.Location), nullString(p.PlaceID), nullString(p.PubName), nullString(p.PubAddress),
		nullFloat(p.Lat), nullFloat(p.Lng), nullString(p.Ranking),
		nullFloat(p.OverallRating), nullFloat(p.Price), nullFloat(p.Taste), nullFloat(p.Temperature),
		nullFloat(p.Creaminess), pour, nullString(p.Roast),
	)
	if err != nil {
		return fmt.Errorf("put pint: %w", mapWriteErr(err))
	}
	return nil
}

// GetAll returns every pint, newest first.
func (s *PintStore) GetAll() ([]model.Pint, error) {
	rows, err := s.db.Query(`SELECT ` + pintCols + ` FROM pints ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list pints: %w", err)
	}
	defer rows.Close()

	var pints []model.Pint
	for rows.Next() {
		p, err := scanPint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pint: %w", err)
		}
		pints = append(pints, *p)
	}
	return pints, rows.Err()
}

func (s *PintStore) GetByID(id int64) (*model.Pint, error) {
	row := s.db.QueryRow(`SELECT `+pintCols+` FROM pints WHERE id = ?`, id)
	p, err := scanPint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pint: %w", err)
	}
	return p, nil
}

func (s *PintStore) Exists(id int64) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pints WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check pint: %w", err)
	}
	return n > 0, nil
}

func (s *PintStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM pints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pint: %w", err)
	}
	return nil
}

func (s *PintStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pints: %w", err)
	}
	return n, nil
}

// CountAbove returns how many pints scored strictly higher than score.
func (s *PintStore) CountAbove(score float64) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pints WHERE score > ?`, score).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pints above: %w", err)
	}
	return n, nil
}

// Stats returns the unweighted mean score (two decimals), the best score and
// the count. All three are zero when there are no pints.
func (s *PintStore) Stats() (model.PintStats, error) {
	var stats model.PintStats
	err := s.db.QueryRow(
		`SELECT COALESCE(AVG(score), 0), COALESCE(MAX(score), 0), COUNT(*) FROM pints`,
	).Scan(&stats.Average, &stats.Best, &stats.Count)
	if err != nil {
		return model.PintStats{}, fmt.Errorf("pint stats: %w", err)
	}
	stats.Average = math.Round(stats.Average*100) / 100
	return stats, nil
}

// CompleteSurvey writes the survey fields of an unrated pint. Capture fields
// are never touched. Location is only overwritten when given. It returns
// (nil, nil) for an unknown id and ErrSurveyCompleted if the pint was
// already rated.
func (s *PintStore) CompleteSurvey(id int64, sv model.Survey) (*model.Pint, error) {
	pour, err := encodePour(sv.PourTechnique)
	if err != nil {
		return nil, err
	}

	result, err := s.db.Exec(
		`UPDATE pints SET overall_rating = ?, price = ?, taste = ?, temperature = ?, creaminess = ?,
		 pour_technique = ?, roast = ?, location = COALESCE(?, location)
		 WHERE id = ? AND overall_rating IS NULL`,
		sv.OverallRating, nullFloat(sv.Price), nullFloat(sv.Taste), nullFloat(sv.Temperature),
		nullFloat(sv.Creaminess), pour, nullString(sv.Roast), nullString(sv.Location), id,
	)
	if err != nil {
		return nil, fmt.Errorf("complete survey: %w", mapWriteErr(err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		ok, err := s.Exists(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return nil, ErrSurveyCompleted
	}
	return s.GetByID(id)
}

// mapWriteErr turns SQLITE_FULL into ErrQuotaExceeded.
func mapWriteErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return ErrQuotaExceeded
	}
	if strings.Contains(err.Error(), "database or disk is full") {
		return ErrQuotaExceeded
	}
	return err
}

func encodePour(pour []string) (sql.NullString, error) {
	if len(pour) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(pour)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode pour technique: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return &n.Float64
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}
