// Package config loads process configuration from the environment,
// grounded on the teacher's own config.Load: required vars collected
// into a single missing-vars error, optional vars defaulted inline.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string

	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string

	APIBaseURL         string
	MatchTradeBrokerID string
	EncryptionKey      string
	InternalToken      string
	WSOrigin           string
	LogLevel           string
	CORSOrigins        []string

	SessionRefreshInterval  time.Duration
	SessionMaxRetryAttempts int

	SweepInterval      time.Duration
	SupervisorInterval time.Duration
	HeartbeatInterval  time.Duration
}

// DSN assembles the Postgres connection string pgxpool expects out of
// the discrete DB_* vars, rather than a single preassembled DSN var.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func Load() (Config, error) {
	var c Config
	var missing []string

	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}

	c.DBHost = os.Getenv("DB_HOST")
	if c.DBHost == "" {
		missing = append(missing, "DB_HOST")
	}
	c.DBPort = os.Getenv("DB_PORT")
	if c.DBPort == "" {
		c.DBPort = "5432"
	}
	c.DBName = os.Getenv("DB_NAME")
	if c.DBName == "" {
		missing = append(missing, "DB_NAME")
	}
	c.DBUser = os.Getenv("DB_USER")
	if c.DBUser == "" {
		missing = append(missing, "DB_USER")
	}
	c.DBPassword = os.Getenv("DB_PASSWORD")
	if c.DBPassword == "" {
		missing = append(missing, "DB_PASSWORD")
	}

	c.APIBaseURL = os.Getenv("API_BASE_URL")
	if c.APIBaseURL == "" {
		missing = append(missing, "API_BASE_URL")
	}
	c.MatchTradeBrokerID = os.Getenv("MATCH_TRADE_BROKER_ID")
	if c.MatchTradeBrokerID == "" {
		missing = append(missing, "MATCH_TRADE_BROKER_ID")
	}
	c.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	if c.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	c.InternalToken = os.Getenv("INTERNAL_API_TOKEN")
	if c.InternalToken == "" {
		missing = append(missing, "INTERNAL_API_TOKEN")
	}

	c.WSOrigin = os.Getenv("WS_ORIGIN")
	if c.WSOrigin == "" {
		c.WSOrigin = "*"
	}
	c.LogLevel = os.Getenv("LOG_LEVEL")
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.CORSOrigins = splitCSV(os.Getenv("CORS_ORIGINS"))

	var err error
	if c.SessionRefreshInterval, err = minutesEnv("SESSION_REFRESH_INTERVAL_MINUTES", 10); err != nil {
		return c, err
	}
	if c.SessionMaxRetryAttempts, err = intEnv("SESSION_MAX_RETRY_ATTEMPTS", 3); err != nil {
		return c, err
	}
	if c.SweepInterval, err = minutesEnv("SWEEP_INTERVAL_MINUTES", 5); err != nil {
		return c, err
	}
	if c.SupervisorInterval, err = secondsEnv("SUPERVISOR_INTERVAL_SECONDS", 5); err != nil {
		return c, err
	}
	if c.HeartbeatInterval, err = secondsEnv("HEARTBEAT_INTERVAL_SECONDS", 30); err != nil {
		return c, err
	}

	if len(missing) > 0 {
		return c, errors.New("missing required env: " + join(missing))
	}
	return c, nil
}

func intEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func minutesEnv(name string, fallbackMinutes int) (time.Duration, error) {
	n, err := intEnv(name, fallbackMinutes)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Minute, nil
}

func secondsEnv(name string, fallbackSeconds int) (time.Duration, error) {
	n, err := intEnv(name, fallbackSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func join(items []string) string {
	if len(items) == 0 {
		return ""
	}
	out := items[0]
	for i := 1; i < len(items); i++ {
		out += "," + items[i]
	}
	return out
}
