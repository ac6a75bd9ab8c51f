package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr      string
	StorageDir      string
	TokenDBPath     string
	MaxWorkers      int
	QueueLimit      int
	JobLogLimit     int
	JobTTL          time.Duration
	CleanupInterval time.Duration
	DriverTimeout   time.Duration
	KillGrace       time.Duration
	ChromePath      string
	Headless        bool
	WgetPath        string
	RateLimitRPS    int
	CORSOrigins     []string
	CookieSecure    bool
	LogLevel        slog.Level
}

// JobsRoot is the directory holding one sub-directory per job.
func (c *Config) JobsRoot() string {
	return filepath.Join(c.StorageDir, "jobs")
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("RIPPER_LISTEN_ADDR", ":8000"),
		StorageDir: getEnv("RIPPER_STORAGE_DIR", "storage"),
		ChromePath: getEnv("RIPPER_CHROME_BINARY_PATH", "/usr/bin/chromium"),
		WgetPath:   getEnv("RIPPER_WGET_PATH", "wget"),
	}
	cfg.TokenDBPath = getEnv("RIPPER_TOKEN_DB_PATH", filepath.Join(cfg.StorageDir, "tokens.db"))

	var err error
	cfg.MaxWorkers, err = getEnvInt("RIPPER_MAX_WORKERS", 2)
	if err != nil {
		return nil, fmt.Errorf("RIPPER_MAX_WORKERS: %w", err)
	}
	if cfg.MaxWorkers < 1 || cfg.MaxWorkers > 8 {
		return nil, errors.New("RIPPER_MAX_WORKERS must be between 1 and 8")
	}

	cfg.QueueLimit, err = getEnvInt("RIPPER_QUEUE_LIMIT", 4)
	if err != nil {
		return nil, fmt.Errorf("RIPPER_QUEUE_LIMIT: %w", err)
	}
	if cfg.QueueLimit < 1 {
		return nil, errors.New("RIPPER_QUEUE_LIMIT must be > 0")
	}

	cfg.JobLogLimit, err = getEnvInt("RIPPER_JOB_LOG_LIMIT", 1000)
	if err != nil {
		return nil, fmt.Errorf("RIPPER_JOB_LOG_LIMIT: %w", err)
	}
	if cfg.JobLogLimit < 100 {
		return nil, errors.New("RIPPER_JOB_LOG_LIMIT must be >= 100")
	}

	if cfg.JobTTL, err = getEnvSeconds("RIPPER_JOB_TTL_SECONDS", 3600, 60); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = getEnvSeconds("RIPPER_CLEANUP_INTERVAL_SECONDS", 60, 1); err != nil {
		return nil, err
	}
	if cfg.DriverTimeout, err = getEnvSeconds("RIPPER_DRIVER_TIMEOUT_SECONDS", 30, 1); err != nil {
		return nil, err
	}
	if cfg.KillGrace, err = getEnvSeconds("RIPPER_KILL_GRACE_SECONDS", 5, 1); err != nil {
		return nil, err
	}

	cfg.RateLimitRPS, err = getEnvInt("RIPPER_RATE_LIMIT_RPS", 0)
	if err != nil {
		return nil, fmt.Errorf("RIPPER_RATE_LIMIT_RPS: %w", err)
	}

	if cfg.Headless, err = getEnvBool("RIPPER_HEADLESS", true); err != nil {
		return nil, err
	}
	if cfg.CookieSecure, err = getEnvBool("RIPPER_COOKIE_SECURE", false); err != nil {
		return nil, err
	}

	for _, o := range strings.Split(getEnv("RIPPER_CORS_ORIGINS", ""), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("RIPPER_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("RIPPER_LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// EnsureDirectories creates the storage tree and the token database's parent.
func EnsureDirectories(cfg *Config) error {
	for _, dir := range []string{cfg.StorageDir, cfg.JobsRoot(), filepath.Dir(cfg.TokenDBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvSeconds(key string, fallback, min int) (time.Duration, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < min {
		return 0, fmt.Errorf("%s must be >= %d", key, min)
	}
	return time.Duration(n) * time.Second, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}
