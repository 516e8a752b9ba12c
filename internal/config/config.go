package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the wacall server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir          string
	HTTPPort         int
	GatewayURL       string // Janus control endpoint, e.g. "http://janus:8088/janus"
	GatewayAPISecret string // Janus apisecret, optional
	GraphAPIURL      string // WhatsApp Cloud API base URL (override for tests)
	VerifyToken      string // webhook verification token (hub.verify_token)
	JWTSecret        string // hex-encoded 32-byte secret for agent JWT signing
	StunServer       string // STUN server URL for ICE, e.g. "stun:stun.l.google.com:19302"
	CORSOrigins      string
	LogLevel         string
	LogFormat        string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir    = "./data"
	defaultHTTPPort   = 8080
	defaultGatewayURL = "http://127.0.0.1:8088/janus"
	defaultStunServer = "stun:stun.l.google.com:19302"
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
)

// envPrefix is the prefix for all wacall environment variables.
const envPrefix = "WACALL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("wacall", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.GatewayURL, "gateway-url", defaultGatewayURL, "audio gateway control endpoint URL")
	fs.StringVar(&cfg.GatewayAPISecret, "gateway-api-secret", "", "audio gateway API secret")
	fs.StringVar(&cfg.GraphAPIURL, "graph-api-url", "", "WhatsApp Cloud API base URL (default production endpoint)")
	fs.StringVar(&cfg.VerifyToken, "verify-token", "", "webhook verification token")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for agent JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.StunServer, "stun-server", defaultStunServer, "STUN server URL for ICE candidate gathering")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":           envPrefix + "DATA_DIR",
		"http-port":          envPrefix + "HTTP_PORT",
		"gateway-url":        envPrefix + "GATEWAY_URL",
		"gateway-api-secret": envPrefix + "GATEWAY_API_SECRET",
		"graph-api-url":      envPrefix + "GRAPH_API_URL",
		"verify-token":       envPrefix + "VERIFY_TOKEN",
		"jwt-secret":         envPrefix + "JWT_SECRET",
		"stun-server":        envPrefix + "STUN_SERVER",
		"cors-origins":       envPrefix + "CORS_ORIGINS",
		"log-level":          envPrefix + "LOG_LEVEL",
		"log-format":         envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "gateway-url":
			cfg.GatewayURL = val
		case "gateway-api-secret":
			cfg.GatewayAPISecret = val
		case "graph-api-url":
			cfg.GraphAPIURL = val
		case "verify-token":
			cfg.VerifyToken = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "stun-server":
			cfg.StunServer = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	u, err := url.Parse(c.GatewayURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("gateway-url must be an absolute URL, got %q", c.GatewayURL)
	}

	if c.GraphAPIURL != "" {
		if u, err := url.Parse(c.GraphAPIURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("graph-api-url must be an absolute URL, got %q", c.GraphAPIURL)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
