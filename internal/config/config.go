// Package config loads the signaling server configuration from environment
// variables (with flag overrides for the common knobs) and constructs the
// process logger.
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
	envVarListenAddr      = "PROCTOR_LISTEN_ADDR"
	envVarLogFormat       = "PROCTOR_LOG_FORMAT"
	envVarLogLevel        = "PROCTOR_LOG_LEVEL"
	envVarShutdownTimeout = "PROCTOR_SHUTDOWN_TIMEOUT"

	envVarDatabaseURL = "DATABASE_URL"
	envVarJWTSecret   = "JWT_SECRET"
	envVarAdminRole   = "ADMIN_ROLE"

	envVarSTUNURLs         = "STUN_URLS"
	envVarDetectorURL      = "DETECTOR_URL"
	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"

	envVarFrameSampleInterval = "FRAME_SAMPLE_INTERVAL"
	envVarPoseCenterThreshold = "POSE_CENTER_THRESHOLD"

	envVarAllowedOrigins                = "ALLOWED_ORIGINS"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr      = "127.0.0.1:5002"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultSTUNURL         = "stun:stun.l.google.com:19302"
	DefaultAdminRole       = "Invigilator"

	DefaultFrameSampleInterval = 5
	DefaultPoseCenterThreshold = 50

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// DatabaseURL is the Postgres DSN for the suspicious-activity sink and
	// student records. Empty selects the in-memory sink (dev only).
	DatabaseURL string

	JWTSecret string
	AdminRole string

	STUNURLs    []string
	DetectorURL string

	// WebRTCUDPPortMin/Max bound the ephemeral UDP port range used by
	// server-side peer connections. Zero values leave the range unrestricted.
	WebRTCUDPPortMin uint16
	WebRTCUDPPortMax uint16

	FrameSampleInterval int
	PoseCenterThreshold int

	AllowedOrigins                []string
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

// ICEServers returns the STUN configuration for server-side peer connections.
func (c Config) ICEServers() []webrtc.ICEServer {
	if len(c.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.STUNURLs}}
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		ShutdownTimeout: DefaultShutdownTimeout,
		DatabaseURL:     envOrDefault(lookup, envVarDatabaseURL, ""),
		JWTSecret:       envOrDefault(lookup, envVarJWTSecret, ""),
		AdminRole:       envOrDefault(lookup, envVarAdminRole, DefaultAdminRole),
		DetectorURL:     envOrDefault(lookup, envVarDetectorURL, ""),
	}

	fs := flag.NewFlagSet("proctor-signaling", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(envOrDefault(lookup, envVarLogFormat, string(LogFormatText)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogFormat = logFormat

	logLevel, err := parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = logLevel

	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		cfg.ShutdownTimeout = d
	}

	cfg.STUNURLs = splitList(envOrDefault(lookup, envVarSTUNURLs, DefaultSTUNURL))
	for _, u := range cfg.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return Config{}, fmt.Errorf("invalid %s entry %q: expected stun:/turn:/turns: scheme", envVarSTUNURLs, u)
		}
	}

	portMin, err := envPortOrDefault(lookup, envVarWebRTCUDPPortMin, 0)
	if err != nil {
		return Config{}, err
	}
	portMax, err := envPortOrDefault(lookup, envVarWebRTCUDPPortMax, 0)
	if err != nil {
		return Config{}, err
	}
	if (portMin == 0) != (portMax == 0) {
		return Config{}, fmt.Errorf("%s and %s must be set together", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if portMin > portMax {
		return Config{}, fmt.Errorf("%s (%d) exceeds %s (%d)", envVarWebRTCUDPPortMin, portMin, envVarWebRTCUDPPortMax, portMax)
	}
	cfg.WebRTCUDPPortMin = portMin
	cfg.WebRTCUDPPortMax = portMax

	cfg.FrameSampleInterval, err = envIntOrDefault(lookup, envVarFrameSampleInterval, DefaultFrameSampleInterval)
	if err != nil {
		return Config{}, err
	}
	if cfg.FrameSampleInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", envVarFrameSampleInterval, cfg.FrameSampleInterval)
	}

	cfg.PoseCenterThreshold, err = envIntOrDefault(lookup, envVarPoseCenterThreshold, DefaultPoseCenterThreshold)
	if err != nil {
		return Config{}, err
	}
	if cfg.PoseCenterThreshold < 0 {
		return Config{}, fmt.Errorf("%s must be non-negative, got %d", envVarPoseCenterThreshold, cfg.PoseCenterThreshold)
	}

	cfg.AllowedOrigins = splitList(envOrDefault(lookup, envVarAllowedOrigins, ""))

	maxBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	if maxBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", envVarMaxSignalingMessageBytes, maxBytes)
	}
	cfg.MaxSignalingMessageBytes = int64(maxBytes)

	cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", envVarMaxSignalingMessagesPerSecond, cfg.MaxSignalingMessagesPerSecond)
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

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

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
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

func envPortOrDefault(lookup func(string) (string, bool), key string, fallback uint16) (uint16, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return uint16(n), nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
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

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported %s %q (expected text or json)", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported %s %q", envVarLogLevel, raw)
	}
}
