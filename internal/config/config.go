// Package config loads server settings from an optional YAML file with
// GSPLIT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Detection DetectionConfig `yaml:"detection"`
	Pubs      PubsConfig      `yaml:"pubs"`
	Places    PlacesConfig    `yaml:"places"`
	Roast     RoastConfig     `yaml:"roast"`
	Backup    BackupConfig    `yaml:"backup"`
	Push      PushConfig      `yaml:"push"`
	Legacy    LegacyConfig    `yaml:"legacy"`
	Limits    LimitsConfig    `yaml:"limits"`
}

type ServerConfig struct {
	Port      string `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	BaseURL   string `yaml:"base_url"`
	// AllowedOrigins are host patterns allowed to open WebSockets cross-origin.
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
}

type ScoringConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type DetectionConfig struct {
	URL          string        `yaml:"url"`
	Model        string        `yaml:"model"`
	Version      string        `yaml:"version"`
	APIKey       string        `yaml:"api_key"`
	Threshold    float64       `yaml:"threshold"`
	TargetClass  string        `yaml:"target_class"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	FreezeDelay  time.Duration `yaml:"freeze_delay"`
	Timeout      time.Duration `yaml:"timeout"`
}

type PubsConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries uint64        `yaml:"max_retries"`
}

type PlacesConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	RadiusMeters int           `yaml:"radius_meters"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type RoastConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type BackupConfig struct {
	S3           S3Config `yaml:"s3"`
	Passphrase   string   `yaml:"passphrase"`
	ScheduleHour int      `yaml:"schedule_hour"`
}

type PushConfig struct {
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	Subscriber      string `yaml:"subscriber"`
	ReminderHour    int    `yaml:"reminder_hour"`
}

type LegacyConfig struct {
	ImportPath string `yaml:"import_path"`
}

type LimitsConfig struct {
	// MaxDBPages caps the pint database; zero means unlimited.
	MaxDBPages int `yaml:"max_db_pages"`
	// AnalyzePerMinute limits photo uploads per client.
	AnalyzePerMinute int `yaml:"analyze_per_minute"`
}

// Default returns the settings used when neither file nor environment says otherwise.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       "8080",
			DBPath:     "gsplit.db",
			LogLevel:   "info",
			LogFormat:  "text",
			SessionTTL: 12 * time.Hour,
		},
		Scoring: ScoringConfig{
			URL:     "https://g-split-judge-production.up.railway.app",
			Timeout: 30 * time.Second,
		},
		Detection: DetectionConfig{
			URL:          "https://detect.roboflow.com",
			Threshold:    0.6,
			TargetClass:  "g-logo",
			PollInterval: 300 * time.Millisecond,
			SettleDelay:  200 * time.Millisecond,
			FreezeDelay:  200 * time.Millisecond,
			Timeout:      5 * time.Second,
		},
		Pubs: PubsConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Places: PlacesConfig{
			RadiusMeters: 8047,
			CacheTTL:     10 * time.Minute,
		},
		Roast: RoastConfig{
			Timeout: 8 * time.Second,
		},
		Backup: BackupConfig{
			ScheduleHour: 3,
		},
		Push: PushConfig{
			Subscriber:   "mailto:noreply@gsplit.app",
			ReminderHour: 18,
		},
		Limits: LimitsConfig{
			AnalyzePerMinute: 10,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"GSPLIT_PORT":               &cfg.Server.Port,
		"GSPLIT_DB_PATH":            &cfg.Server.DBPath,
		"GSPLIT_LOG_LEVEL":          &cfg.Server.LogLevel,
		"GSPLIT_LOG_FORMAT":         &cfg.Server.LogFormat,
		"GSPLIT_BASE_URL":           &cfg.Server.BaseURL,
		"GSPLIT_SCORING_URL":        &cfg.Scoring.URL,
		"GSPLIT_DETECTION_URL":      &cfg.Detection.URL,
		"GSPLIT_DETECTION_MODEL":    &cfg.Detection.Model,
		"GSPLIT_DETECTION_VERSION":  &cfg.Detection.Version,
		"GSPLIT_DETECTION_API_KEY":  &cfg.Detection.APIKey,
		"GSPLIT_PUBS_URL":           &cfg.Pubs.URL,
		"GSPLIT_PLACES_API_KEY":     &cfg.Places.APIKey,
		"GSPLIT_ROAST_URL":          &cfg.Roast.URL,
		"GSPLIT_S3_ENDPOINT":        &cfg.Backup.S3.Endpoint,
		"GSPLIT_S3_BUCKET":          &cfg.Backup.S3.Bucket,
		"GSPLIT_S3_REGION":          &cfg.Backup.S3.Region,
		"GSPLIT_S3_ACCESS_KEY":      &cfg.Backup.S3.AccessKey,
		"GSPLIT_S3_SECRET_KEY":      &cfg.Backup.S3.SecretKey,
		"GSPLIT_BACKUP_PASSPHRASE":  &cfg.Backup.Passphrase,
		"GSPLIT_VAPID_PUBLIC_KEY":   &cfg.Push.VAPIDPublicKey,
		"GSPLIT_VAPID_PRIVATE_KEY":  &cfg.Push.VAPIDPrivateKey,
		"GSPLIT_PUSH_SUBSCRIBER":    &cfg.Push.Subscriber,
		"GSPLIT_LEGACY_IMPORT_PATH": &cfg.Legacy.ImportPath,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"GSPLIT_MAX_DB_PAGES":         &cfg.Limits.MaxDBPages,
		"GSPLIT_BACKUP_HOUR":          &cfg.Backup.ScheduleHour,
		"GSPLIT_REMINDER_HOUR":        &cfg.Push.ReminderHour,
		"GSPLIT_ANALYZE_PER_MINUTE":   &cfg.Limits.AnalyzePerMinute,
		"GSPLIT_PLACES_RADIUS_METERS": &cfg.Places.RadiusMeters,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := getenv("GSPLIT_DETECTION_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse GSPLIT_DETECTION_THRESHOLD: %w", err)
		}
		cfg.Detection.Threshold = f
	}
	if v := getenv("GSPLIT_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
			}
		}
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if c.Server.DBPath == "" {
		return errors.New("server.db_path is required")
	}
	if f := strings.ToLower(c.Server.LogFormat); f != "text" && f != "json" {
		return fmt.Errorf("server.log_format must be text or json, got %q", c.Server.LogFormat)
	}
	if c.Detection.Threshold <= 0 || c.Detection.Threshold > 1 {
		return fmt.Errorf("detection.threshold must be in (0, 1], got %v", c.Detection.Threshold)
	}
	if c.Backup.ScheduleHour < 0 || c.Backup.ScheduleHour > 23 {
		return fmt.Errorf("backup.schedule_hour must be 0-23, got %d", c.Backup.ScheduleHour)
	}
	if c.Push.ReminderHour < 0 || c.Push.ReminderHour > 23 {
		return fmt.Errorf("push.reminder_hour must be 0-23, got %d", c.Push.ReminderHour)
	}
	if c.Limits.MaxDBPages < 0 {
		return errors.New("limits.max_db_pages must not be negative")
	}
	return nil
}
