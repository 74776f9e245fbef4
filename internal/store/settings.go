package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Setting keys.
const (
	KeyTotalPoints         = "total_points"
	KeyLastVisit           = "last_visit"
	KeyStreakCount         = "streak_count"
	KeyLegacyImportVersion = "legacy_import_version"
	KeyAnonymousID         = "anonymous_id"
	KeyStreakReminder      = "streak_reminder_enabled"
	KeyBackupRetentionDays = "backup_retention_days"
	KeyBackupSalt          = "backup_passphrase_salt"
)

var ledgerKeys = []string{
	KeyTotalPoints,
	KeyLastVisit,
	KeyStreakCount,
}

type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting %q not found", key)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

// Lookup is Get without the not-found error.
func (s *SettingsStore) Lookup(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SettingsStore) GetAll() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("get all settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func (s *SettingsStore) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, mapWriteErr(err))
	}
	return nil
}

func (s *SettingsStore) GetLedgerSettings() (map[string]string, error) {
	settings := make(map[string]string)
	for _, key := range ledgerKeys {
		var value string
		err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get ledger setting %q: %w", key, err)
		}
		settings[key] = value
	}
	return settings, nil
}
