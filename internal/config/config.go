// Package config loads relay configuration from environment variables with
// optional command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envListenAddr      = "MESHCONF_LISTEN_ADDR"
	envLogFormat       = "MESHCONF_LOG_FORMAT"
	envLogLevel        = "MESHCONF_LOG_LEVEL"
	envShutdownTimeout = "MESHCONF_SHUTDOWN_TIMEOUT"

	// Signaling / WebSocket auth + hardening.
	envAuthMode                      = "AUTH_MODE"
	envJWTSecret                     = "JWT_SECRET"
	envSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Room limits. Mesh topology costs O(N^2) transports per room, so the cap
	// defaults low rather than silently admitting rooms that cannot work.
	envMaxParticipantsPerRoom = "MAX_PARTICIPANTS_PER_ROOM"

	// Meeting-key directory (optional; relay works without it).
	envRedisAddr     = "REDIS_ADDR"
	envRedisPassword = "REDIS_PASSWORD"
	envMeetingKeyTTL = "MEETING_KEY_TTL"

	// Browser origin allowlist for the signaling WebSocket. Empty means
	// same-host only.
	envAllowedOrigins = "MESHCONF_ALLOWED_ORIGINS"

	// TURN REST ephemeral credentials (optional; static TURN credentials in
	// the ICE server config work without it).
	envTURNRestSecret         = "MESHCONF_TURN_REST_SECRET"
	envTURNRestTTL            = "MESHCONF_TURN_REST_TTL"
	envTURNRestUsernamePrefix = "MESHCONF_TURN_REST_USERNAME_PREFIX"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultAuthMode = AuthModeNone

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultMaxParticipantsPerRoom = 16

	DefaultMeetingKeyTTL = 24 * time.Hour

	DefaultTURNRestTTL            = time.Hour
	DefaultTURNRestUsernamePrefix = "meshconf"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode  AuthMode
	JWTSecret string

	SignalingAuthTimeout          time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	MaxParticipantsPerRoom int

	ICEServers []webrtc.ICEServer

	AllowedOrigins []string

	TURNRestSecret         string
	TURNRestTTL            time.Duration
	TURNRestUsernamePrefix string

	RedisAddr     string
	RedisPassword string
	MeetingKeyTTL time.Duration
}

// Load builds a Config from the process environment, then applies flag
// overrides from args. Validation errors are returned, not logged.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envListenAddr, DefaultListenAddr),
		LogFormat:       LogFormat(envOrDefault(lookup, envLogFormat, string(LogFormatText))),
		ShutdownTimeout: DefaultShutdownTimeout,

		AuthMode:  AuthMode(envOrDefault(lookup, envAuthMode, string(DefaultAuthMode))),
		JWTSecret: envOrDefault(lookup, envJWTSecret, ""),

		SignalingAuthTimeout:          DefaultSignalingAuthTimeout,
		SignalingWSIdleTimeout:        DefaultSignalingWSIdleTimeout,
		SignalingWSPingInterval:       DefaultSignalingWSPingInterval,
		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,

		MaxParticipantsPerRoom: DefaultMaxParticipantsPerRoom,

		AllowedOrigins: splitCommaSeparated(envOrDefault(lookup, envAllowedOrigins, "")),

		TURNRestSecret:         envOrDefault(lookup, envTURNRestSecret, ""),
		TURNRestTTL:            DefaultTURNRestTTL,
		TURNRestUsernamePrefix: envOrDefault(lookup, envTURNRestUsernamePrefix, DefaultTURNRestUsernamePrefix),

		RedisAddr:     envOrDefault(lookup, envRedisAddr, ""),
		RedisPassword: envOrDefault(lookup, envRedisPassword, ""),
		MeetingKeyTTL: DefaultMeetingKeyTTL,
	}

	var err error
	if cfg.LogLevel, err = parseLogLevel(envOrDefault(lookup, envLogLevel, "info")); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SignalingAuthTimeout, err = envDurationOrDefault(lookup, envSignalingAuthTimeout, DefaultSignalingAuthTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SignalingWSIdleTimeout, err = envDurationOrDefault(lookup, envSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SignalingWSPingInterval, err = envDurationOrDefault(lookup, envSignalingWSPingInterval, DefaultSignalingWSPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.MeetingKeyTTL, err = envDurationOrDefault(lookup, envMeetingKeyTTL, DefaultMeetingKeyTTL); err != nil {
		return Config{}, err
	}
	if cfg.TURNRestTTL, err = envDurationOrDefault(lookup, envTURNRestTTL, DefaultTURNRestTTL); err != nil {
		return Config{}, err
	}

	maxBytes, err := envIntOrDefault(lookup, envMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxBytes)
	if cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxParticipantsPerRoom, err = envIntOrDefault(lookup, envMaxParticipantsPerRoom, DefaultMaxParticipantsPerRoom); err != nil {
		return Config{}, err
	}

	if cfg.ICEServers, err = parseICEServersFromEnv(lookup); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("meshconf-relay", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "address for the HTTP/WebSocket listener")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown drain timeout")
	fs.IntVar(&cfg.MaxParticipantsPerRoom, "max-participants-per-room", cfg.MaxParticipantsPerRoom, "participant cap per room (mesh topology is O(N^2) per client)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%s must not be empty", envListenAddr)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unsupported %s %q", envLogFormat, c.LogFormat)
	}
	switch c.AuthMode {
	case AuthModeNone:
	case AuthModeJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("%s is required when %s=jwt", envJWTSecret, envAuthMode)
		}
	default:
		return fmt.Errorf("unsupported %s %q", envAuthMode, c.AuthMode)
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envMaxSignalingMessageBytes)
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", envMaxSignalingMessagesPerSecond)
	}
	if c.MaxParticipantsPerRoom < 2 {
		return fmt.Errorf("%s must be at least 2", envMaxParticipantsPerRoom)
	}
	if c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout {
		return fmt.Errorf("%s must be shorter than %s", envSignalingWSPingInterval, envSignalingWSIdleTimeout)
	}
	if c.TURNRestSecret != "" {
		if c.TURNRestTTL <= 0 {
			return fmt.Errorf("%s must be positive", envTURNRestTTL)
		}
		if strings.ContainsRune(c.TURNRestUsernamePrefix, ':') {
			return fmt.Errorf("%s must not contain a colon", envTURNRestUsernamePrefix)
		}
	}
	return nil
}

// NewLogger builds the process logger from config.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported %s %q", envLogLevel, raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
