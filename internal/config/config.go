// Package config provides environment-driven configuration for the broker
// and runner processes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DevRunnerSecret is the development default for the broker↔runner shared
// secret. The runner refuses to start with this value in production.
const DevRunnerSecret = "dev-runner-secret"

// Broker holds all configuration for the control-tier process.
type Broker struct {
	Port           int
	CORSOrigins    []string
	Production     bool

	JWTSecret    string
	JWTExpiresIn time.Duration

	EncryptionKey  string
	DBPath         string
	WorkspacesRoot string

	RunnerURL          string
	RunnerWSURL        string
	RunnerSharedSecret string

	WorkspaceImage  string
	WorkspaceVolume string

	DefaultCPULimit    string
	DefaultMemLimit    string
	DefaultPidsLimit   int
	DefaultAllowEgress bool

	LoginRateMax    int
	LoginRateWindow time.Duration
	StartRateMax    int
	StartRateWindow time.Duration

	// HTTP server timeouts. WriteTimeout stays 0: it would set a deadline on
	// the underlying conn before the handler runs and kill hijacked
	// WebSocket connections.
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration
}

// Runner holds all configuration for the container-tier process.
type Runner struct {
	Port       int
	Production bool

	DockerBin        string
	WorkspaceImage   string
	WorkspaceVolume  string
	WorkspaceNetwork string
	WorkspacesRoot   string

	DefaultCPULimit    string
	DefaultMemLimit    string
	DefaultPidsLimit   int
	DefaultAllowEgress bool

	SeccompProfile       string
	AllowSeccompFallback bool

	SharedSecret string

	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration
}

// LoadBroker reads broker configuration from environment variables.
func LoadBroker() (*Broker, error) {
	cfg := &Broker{
		Port:        getEnvInt("PORT", 4000),
		CORSOrigins: getEnvStringSlice("CORS_ORIGIN", nil),
		Production:  isProduction(),

		JWTSecret:    getEnv("JWT_SECRET", ""),
		JWTExpiresIn: getEnvDuration("JWT_EXPIRES_IN", 24*time.Hour),

		EncryptionKey:  getEnv("APP_ENCRYPTION_KEY", ""),
		DBPath:         getEnv("DB_PATH", "cloudide.db"),
		WorkspacesRoot: getEnv("WORKSPACES_ROOT", "/srv/cloudide/workspaces"),

		RunnerURL:          getEnv("RUNNER_URL", "http://127.0.0.1:4100"),
		RunnerWSURL:        getEnv("RUNNER_WS_URL", ""),
		RunnerSharedSecret: getEnv("RUNNER_SHARED_SECRET", DevRunnerSecret),

		WorkspaceImage:  getEnv("WORKSPACE_IMAGE", "cloudide/workspace:latest"),
		WorkspaceVolume: getEnv("WORKSPACE_VOLUME", "cloudide-workspaces"),

		DefaultCPULimit:    getEnv("DEFAULT_CPU_LIMIT", "1"),
		DefaultMemLimit:    getEnv("DEFAULT_MEM_LIMIT", "1024m"),
		DefaultPidsLimit:   getEnvInt("DEFAULT_PIDS_LIMIT", 256),
		DefaultAllowEgress: getEnvBool("DEFAULT_ALLOW_EGRESS", true),

		LoginRateMax:    getEnvInt("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateWindow: getEnvMillis("LOGIN_RATE_LIMIT_WINDOW_MS", time.Minute),
		StartRateMax:    getEnvInt("RUNNER_START_RATE_LIMIT_MAX", 10),
		StartRateWindow: getEnvMillis("RUNNER_START_RATE_LIMIT_WINDOW_MS", time.Minute),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("APP_ENCRYPTION_KEY is required")
	}

	// Derive the WebSocket URL from the HTTP URL when not set explicitly.
	if cfg.RunnerWSURL == "" {
		cfg.RunnerWSURL = deriveWSURL(cfg.RunnerURL)
	}

	return cfg, nil
}

// LoadRunner reads runner configuration from environment variables.
func LoadRunner() (*Runner, error) {
	cfg := &Runner{
		Port:       getEnvInt("PORT", 4100),
		Production: isProduction(),

		DockerBin:        getEnv("DOCKER_BIN", "docker"),
		WorkspaceImage:   getEnv("WORKSPACE_IMAGE", "cloudide/workspace:latest"),
		WorkspaceVolume:  getEnv("WORKSPACE_VOLUME", "cloudide-workspaces"),
		WorkspaceNetwork: getEnv("WORKSPACE_NETWORK", "bridge"),
		WorkspacesRoot:   getEnv("WORKSPACES_ROOT", "/workspaces"),

		DefaultCPULimit:    getEnv("DEFAULT_CPU_LIMIT", "1"),
		DefaultMemLimit:    getEnv("DEFAULT_MEM_LIMIT", "1024m"),
		DefaultPidsLimit:   getEnvInt("DEFAULT_PIDS_LIMIT", 256),
		DefaultAllowEgress: getEnvBool("DEFAULT_ALLOW_EGRESS", true),

		SeccompProfile:       getEnv("RUNNER_SECCOMP_PROFILE", "default"),
		AllowSeccompFallback: getEnvBool("RUNNER_ALLOW_SECCOMP_FALLBACK", false),

		SharedSecret: getEnv("RUNNER_SHARED_SECRET", DevRunnerSecret),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
	}

	if cfg.Production && cfg.SharedSecret == DevRunnerSecret {
		return nil, fmt.Errorf("RUNNER_SHARED_SECRET must not be the development default in production")
	}

	return cfg, nil
}

func isProduction() bool {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		env = strings.ToLower(strings.TrimSpace(os.Getenv("NODE_ENV")))
	}
	return env == "production"
}

// deriveWSURL turns an http(s) base URL into its ws(s) counterpart.
func deriveWSURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvMillis returns a duration from an integer millisecond variable.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
