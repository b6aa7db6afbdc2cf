package core

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Config holds all configuration values for the localdream daemon and CLI.
type Config struct {
	// Backend
	BackendURL     string        // Base URL of the local inference server
	HealthInterval time.Duration // Delay between health probe attempts
	HealthTimeout  time.Duration // Overall deadline for the backend to become healthy

	// Moderation reports
	ReportURL          string
	ReportRatePerMin   int
	ReportTimeout      time.Duration
	ReportConnectLimit time.Duration

	// Storage
	DataDir     string
	DBPath      string
	PicturesDir string
	ModelsFile  string

	HistoryRetentionDays int

	// Preferences
	SaveDebounce time.Duration

	// Control API
	WebUIHost     string
	WebUIPort     int
	WebUIPassword string

	// Logging
	DevMode bool
	LogFile string
}

// Default values for zero-config local usage.
const (
	DefaultBackendURL       = "http://localhost:8081"
	DefaultReportURL        = "https://report.chino.icu/report"
	DefaultDataDir          = "./data"
	DefaultPicturesDir      = "./Pictures"
	DefaultModelsFile       = "./models.yaml"
	DefaultHealthIntervalMS = 100
	DefaultHealthTimeoutMS  = 60000
	DefaultSaveDebounceMS   = 500
	DefaultReportRatePerMin = 6
	DefaultRetentionDays    = 90
	DefaultWebUIHost        = "127.0.0.1"
	DefaultWebUIPort        = 3000
	DefaultLogFile          = "localdream.log"
)

// LoadConfig reads configuration from environment variables. The caller is
// expected to have loaded any .env file beforehand.
func LoadConfig() (*Config, error) {
	dataDir := GetEnvOrDefault("LOCALDREAM_DATA_DIR", DefaultDataDir)

	cfg := &Config{
		BackendURL:     GetEnvOrDefault("LOCALDREAM_BACKEND_URL", DefaultBackendURL),
		HealthInterval: ParseMillisEnv("LOCALDREAM_HEALTH_INTERVAL_MS", DefaultHealthIntervalMS),
		HealthTimeout:  ParseMillisEnv("LOCALDREAM_HEALTH_TIMEOUT_MS", DefaultHealthTimeoutMS),

		ReportURL:          GetEnvOrDefault("LOCALDREAM_REPORT_URL", DefaultReportURL),
		ReportRatePerMin:   ParseIntEnv("LOCALDREAM_REPORT_RATE_PER_MIN", DefaultReportRatePerMin),
		ReportTimeout:      ParseDurationEnv("LOCALDREAM_REPORT_TIMEOUT", 60),
		ReportConnectLimit: ParseDurationEnv("LOCALDREAM_REPORT_CONNECT_TIMEOUT", 30),

		DataDir:     dataDir,
		DBPath:      GetEnvOrDefault("LOCALDREAM_DB_PATH", filepath.Join(dataDir, "localdream.db")),
		PicturesDir: GetEnvOrDefault("LOCALDREAM_PICTURES_DIR", DefaultPicturesDir),
		ModelsFile:  GetEnvOrDefault("LOCALDREAM_MODELS_FILE", DefaultModelsFile),

		HistoryRetentionDays: ParseIntEnv("LOCALDREAM_HISTORY_RETENTION_DAYS", DefaultRetentionDays),

		SaveDebounce: ParseMillisEnv("LOCALDREAM_SAVE_DEBOUNCE_MS", DefaultSaveDebounceMS),

		WebUIHost:     GetEnvOrDefault("LOCALDREAM_WEBUI_HOST", DefaultWebUIHost),
		WebUIPort:     ParseIntEnv("LOCALDREAM_WEBUI_PORT", DefaultWebUIPort),
		WebUIPassword: GetEnvOrDefault("LOCALDREAM_WEBUI_PASSWORD", ""),

		DevMode: ParseBoolEnv("DEV_MODE", false),
		LogFile: GetEnvOrDefault("LOCALDREAM_LOG_FILE", DefaultLogFile),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would make the daemon
// misbehave rather than fail loudly later.
func (c *Config) Validate() error {
	if err := validateHTTPURL(c.BackendURL); err != nil {
		return ErrInvalidURL("LOCALDREAM_BACKEND_URL", c.BackendURL, err.Error())
	}
	if err := validateHTTPURL(c.ReportURL); err != nil {
		return ErrInvalidURL("LOCALDREAM_REPORT_URL", c.ReportURL, err.Error())
	}
	if c.HealthInterval <= 0 {
		return ErrInvalidValue("LOCALDREAM_HEALTH_INTERVAL_MS", "must be positive")
	}
	if c.HealthTimeout < c.HealthInterval {
		return ErrInvalidValue("LOCALDREAM_HEALTH_TIMEOUT_MS", "must not be shorter than the probe interval")
	}
	if c.SaveDebounce < 0 {
		return ErrInvalidValue("LOCALDREAM_SAVE_DEBOUNCE_MS", "must not be negative")
	}
	if c.ReportRatePerMin < 0 {
		return ErrInvalidValue("LOCALDREAM_REPORT_RATE_PER_MIN", "must not be negative")
	}
	if c.HistoryRetentionDays < 0 {
		return ErrInvalidValue("LOCALDREAM_HISTORY_RETENTION_DAYS", "must not be negative")
	}
	if c.WebUIPort <= 0 || c.WebUIPort > 65535 {
		return ErrInvalidValue("LOCALDREAM_WEBUI_PORT", fmt.Sprintf("%d is not a valid port", c.WebUIPort))
	}
	if c.DBPath == "" {
		return ErrMissingConfig("LOCALDREAM_DB_PATH")
	}
	return nil
}

// WebUIAddr returns the host:port the control API listens on.
func (c *Config) WebUIAddr() string {
	return fmt.Sprintf("%s:%d", c.WebUIHost, c.WebUIPort)
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is empty")
	}
	return nil
}
