// Package config loads and validates the daemon's environment-variable
// configuration surface, per spec.md §6. Invalid configuration is fatal
// (ConfigInvalid in spec.md §7) and is reported before any gateway is
// constructed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relikd/dockwatch/pkg/scheduler"
)

// ErrInvalid wraps every configuration validation failure so callers can
// match on it with errors.Is.
var ErrInvalid = errors.New("config: invalid")

// Config is the fully parsed, validated configuration surface.
type Config struct {
	Schedule scheduler.Config

	ExcludePatterns     []string
	BackupRetention     time.Duration
	ContainerCheckDelay time.Duration

	PortainerURL      string
	PortainerAPIKey   string
	PortainerUsername string
	PortainerPassword string
	PortainerInsecure bool

	RegistryDirectCheck     bool
	RegistryCredentialsPath string

	MetricsListenAddr string
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	cfg := Config{
		MetricsListenAddr: getEnv("METRICS_LISTEN_ADDR", ":8080"),
	}

	var err error

	cfg.Schedule, err = loadSchedule()
	if err != nil {
		return Config{}, err
	}

	if raw := os.Getenv("EXCLUDE_IMAGES"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.ExcludePatterns = append(cfg.ExcludePatterns, p)
			}
		}
	}

	retentionDays, err := getPositiveInt("BACKUP_RETENTION_DAYS", 5)
	if err != nil {
		return Config{}, err
	}

	cfg.BackupRetention = time.Duration(retentionDays) * 24 * time.Hour

	checkSeconds, err := getPositiveInt("CONTAINER_CHECK_SECONDS", 10)
	if err != nil {
		return Config{}, err
	}

	cfg.ContainerCheckDelay = time.Duration(checkSeconds) * time.Second

	cfg.PortainerURL = os.Getenv("PORTAINER_URL")
	cfg.PortainerAPIKey = os.Getenv("PORTAINER_API_KEY")
	cfg.PortainerUsername = os.Getenv("PORTAINER_USERNAME")
	cfg.PortainerPassword = os.Getenv("PORTAINER_PASSWORD")

	cfg.PortainerInsecure, err = getBool("PORTAINER_INSECURE_TLS", false)
	if err != nil {
		return Config{}, err
	}

	cfg.RegistryDirectCheck, err = getBool("REGISTRY_DIRECT_CHECK", false)
	if err != nil {
		return Config{}, err
	}

	cfg.RegistryCredentialsPath = os.Getenv("REGISTRY_CREDENTIALS_PATH")

	if cfg.PortainerURL != "" && cfg.PortainerAPIKey == "" &&
		(cfg.PortainerUsername == "" || cfg.PortainerPassword == "") {
		return Config{}, fmt.Errorf("%w: PORTAINER_URL set without PORTAINER_API_KEY or PORTAINER_USERNAME/PORTAINER_PASSWORD", ErrInvalid)
	}

	return cfg, nil
}

// OrchestratorEnabled reports whether Portainer integration is configured
// per spec.md §6 ("enable orchestrator integration when both set").
func (c Config) OrchestratorEnabled() bool {
	return c.PortainerURL != "" && (c.PortainerAPIKey != "" || (c.PortainerUsername != "" && c.PortainerPassword != ""))
}

func loadSchedule() (scheduler.Config, error) {
	mode := strings.ToUpper(getEnv("UPDATE_MODE", "INTERVAL"))

	timeStr := getEnv("UPDATE_TIME", "03:00")

	hour, minute, err := parseHHMM(timeStr)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("%w: UPDATE_TIME: %w", ErrInvalid, err)
	}

	switch mode {
	case "INTERVAL":
		interval, parseErr := scheduler.ParseInterval(getEnv("UPDATE_INTERVAL", "10m"))
		// a malformed interval is not fatal: spec.md §4.F specifies a default,
		// not a ConfigInvalid failure.
		_ = parseErr

		return scheduler.Config{Mode: scheduler.Interval, Interval: interval}, nil
	case "DAILY":
		return scheduler.Config{Mode: scheduler.Daily, Hour: hour, Minute: minute}, nil
	case "WEEKLY":
		weekday, err := scheduler.ParseWeekday(getEnv("UPDATE_DAY", "Monday"))
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("%w: UPDATE_DAY: %w", ErrInvalid, err)
		}

		return scheduler.Config{Mode: scheduler.Weekly, Weekday: weekday, Hour: hour, Minute: minute}, nil
	case "MONTHLY":
		day, err := strconv.Atoi(getEnv("UPDATE_DAY", "1"))
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("%w: UPDATE_DAY: %w", ErrInvalid, err)
		}

		return scheduler.Config{Mode: scheduler.Monthly, Day: day, Hour: hour, Minute: minute}, nil
	case "CRON":
		expr := os.Getenv("UPDATE_CRON")
		if expr == "" {
			return scheduler.Config{}, fmt.Errorf("%w: UPDATE_MODE=CRON requires UPDATE_CRON", ErrInvalid)
		}

		return scheduler.Config{Mode: scheduler.Cron, CronExpr: expr}, nil
	default:
		return scheduler.Config{}, fmt.Errorf("%w: UPDATE_MODE %q", ErrInvalid, mode)
	}
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}

	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}

	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}

	return hour, minute, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func getPositiveInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrInvalid, key, raw)
	}

	return v, nil
}

func getBool(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean, got %q", ErrInvalid, key, raw)
	}

	return v, nil
}
