package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "RELAYCACHE"

const (
	defaultBaseURL          = "http://127.0.0.1:3000"
	defaultAddr             = "127.0.0.1:8088"
	defaultSnapshotInterval = 30 * time.Second
	defaultSnapshotJitter   = 0.2
	defaultPageSize         = 100
	defaultRateLimitWindow  = time.Minute
	defaultMaxBodyBytes     = int64(1 << 20)
)

type config struct {
	BaseURL   string
	Token     string
	SocketURL string
	Addr      string
	JWTSecret string
	StateDSN  string

	SnapshotInterval time.Duration
	SnapshotJitter   float64
	PageSize         int

	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64

	LogFormat string
	LogLevel  string

	UserID   string
	UserName string
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("base-url", defaultBaseURL, "collaboration server base URL")
	flags.String("token", "", "bearer token for the collaboration server")
	flags.String("socket-url", "", "real-time event socket URL (derived from base-url when empty)")
	flags.String("addr", defaultAddr, "local API listen address")
	flags.String("jwt-secret", "", "HMAC secret for local API tokens")
	flags.String("state-dsn", "", "snapshot backend DSN (file path, file://, memory://, postgres://)")
	flags.String("snapshot-interval", defaultSnapshotInterval.String(), "snapshot flush interval")
	flags.String("snapshot-interval-jitter", strconv.FormatFloat(defaultSnapshotJitter, 'f', -1, 64), "snapshot interval jitter ratio (0.0-1.0)")
	flags.String("page-size", strconv.Itoa(defaultPageSize), "items requested per page")
	flags.String("rate-limit-max", "0", "local API requests per window and subject (0 disables)")
	flags.String("rate-limit-window", defaultRateLimitWindow.String(), "local API rate limit window")
	flags.String("max-body-bytes", strconv.FormatInt(defaultMaxBodyBytes, 10), "local API request body limit")
	flags.String("log-format", "json", "log format: json or console")
	flags.String("log-level", "info", "log level")
	flags.String("user-id", "", "current user id, attached to speculative comments")
	flags.String("user-name", "", "current user display name")
}

// newViper binds flags to RELAYCACHE_* environment variables. Flags set on
// the command line win over the environment.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	return v, nil
}

func loadConfig(v *viper.Viper, logger *zap.Logger) config {
	s := settings{v: v, logger: logger}
	cfg := config{
		BaseURL:          s.str("base-url", defaultBaseURL),
		Token:            s.str("token", ""),
		SocketURL:        s.str("socket-url", ""),
		Addr:             s.str("addr", defaultAddr),
		JWTSecret:        s.str("jwt-secret", ""),
		StateDSN:         s.str("state-dsn", ""),
		SnapshotInterval: s.duration("snapshot-interval", defaultSnapshotInterval),
		SnapshotJitter:   clampJitterRatio(s.float("snapshot-interval-jitter", defaultSnapshotJitter)),
		PageSize:         s.integer("page-size", defaultPageSize),
		RateLimitMax:     s.integer("rate-limit-max", 0),
		RateLimitWindow:  s.duration("rate-limit-window", defaultRateLimitWindow),
		MaxBodyBytes:     s.int64("max-body-bytes", defaultMaxBodyBytes),
		LogFormat:        s.str("log-format", "json"),
		LogLevel:         s.str("log-level", "info"),
		UserID:           s.str("user-id", ""),
		UserName:         s.str("user-name", ""),
	}
	if cfg.SocketURL == "" {
		cfg.SocketURL = deriveSocketURL(cfg.BaseURL)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}
	return cfg
}

// settings reads raw values and falls back to the default, with a warning,
// when a value does not parse.
type settings struct {
	v      *viper.Viper
	logger *zap.Logger
}

func (s settings) raw(key string) string {
	return strings.TrimSpace(s.v.GetString(key))
}

func (s settings) str(key, fallback string) string {
	if value := s.raw(key); value != "" {
		return value
	}
	return fallback
}

func (s settings) warn(key, raw string, fallback any) {
	s.logger.Warn("invalid setting, using fallback",
		zap.String("key", key),
		zap.String("env", envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_"))),
		zap.String("value", raw),
		zap.Any("fallback", fallback),
	)
}

func (s settings) integer(key string, fallback int) int {
	raw := s.raw(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		s.warn(key, raw, fallback)
		return fallback
	}
	return value
}

func (s settings) int64(key string, fallback int64) int64 {
	raw := s.raw(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.warn(key, raw, fallback)
		return fallback
	}
	return value
}

func (s settings) float(key string, fallback float64) float64 {
	raw := s.raw(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.warn(key, raw, fallback)
		return fallback
	}
	return value
}

func (s settings) duration(key string, fallback time.Duration) time.Duration {
	raw := s.raw(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		s.warn(key, raw, fallback.String())
		return fallback
	}
	return value
}

// deriveSocketURL maps http(s)://host to ws(s)://host/socket.
func deriveSocketURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/socket"
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
