// Package config loads process configuration from the environment and
// manages the YAML-backed runtime settings document.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Role selects which subsystems a process runs. API-only replicas serve
// HTTP and enqueue runs; worker-only replicas claim and execute them.
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
	RoleAll    Role = "all"
)

// Config is the process configuration resolved from environment variables.
// Every field has a default; out-of-range numeric values are clamped rather
// than rejected so a bad deploy degrades instead of crash-looping.
type Config struct {
	// HTTPAddr is the API listen address.
	HTTPAddr string

	// StateDir holds session snapshots, credentials, and the settings file.
	StateDir string

	// SandboxRoot is the directory all session sandboxes live under.
	SandboxRoot string

	// SandboxTTL is the reap age for idle sandbox directories.
	SandboxTTL time.Duration

	// SessionStickyTTL is how long a worker keeps claim preference on a
	// session after touching it.
	SessionStickyTTL time.Duration

	// Role gates which subsystems start in this process.
	Role Role

	// DatabaseURL enables the Postgres backend when non-empty; otherwise
	// the in-memory scheduler and filesystem store are used.
	DatabaseURL string

	// WorkerID identifies this replica in run ownership and session leases.
	WorkerID string

	// WorkerCount is the number of claim workers per replica.
	WorkerCount int

	// LeaseDuration is how long a claimed run's lease lasts; renewal runs
	// on a fraction of it.
	LeaseDuration time.Duration

	// ClaimPoll is the base interval between claim attempts when the
	// queue is empty, and the backoff after claim errors.
	ClaimPoll time.Duration

	// RetentionDays controls the Postgres retention sweep for terminal
	// runs. Zero disables the sweep.
	RetentionDays int

	// SettingsFile is the YAML runtime settings document path.
	SettingsFile string
}

const (
	defaultHTTPAddr      = ":8125"
	defaultWorkerCount   = 2
	defaultLeaseSeconds  = 30
	defaultClaimPollMS   = 1000
	defaultRetentionDays = 30
	defaultSandboxTTLSec = 43200
	defaultStickyTTLSec  = 600
)

// Load resolves the configuration from the environment.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	role := Role(getEnv("CODELIA_RUN_ROLE", string(RoleAll)))
	switch role {
	case RoleAPI, RoleWorker, RoleAll:
	default:
		return nil, fmt.Errorf("invalid CODELIA_RUN_ROLE %q (want api, worker, or all)", role)
	}

	cfg := &Config{
		HTTPAddr:         getEnv("CODELIA_HTTP_ADDR", defaultHTTPAddr),
		StateDir:         getEnv("CODELIA_STATE_DIR", filepath.Join(cwd, ".codelia")),
		SandboxRoot:      getEnv("CODELIA_SANDBOX_ROOT", filepath.Join(cwd, ".sandbox")),
		SandboxTTL:       time.Duration(intFromEnv("CODELIA_SANDBOX_TTL_SECONDS", defaultSandboxTTLSec, 60, 2592000)) * time.Second,
		SessionStickyTTL: time.Duration(intFromEnv("CODELIA_SESSION_STICKY_TTL_SECONDS", defaultStickyTTLSec, 10, 86400)) * time.Second,
		Role:             role,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WorkerID:         ResolveWorkerID(),
		WorkerCount:      intFromEnv("CODELIA_WORKER_COUNT", defaultWorkerCount, 1, 32),
		LeaseDuration:    time.Duration(intFromEnv("CODELIA_LEASE_SECONDS", defaultLeaseSeconds, 10, 0)) * time.Second,
		ClaimPoll:        time.Duration(intFromEnv("CODELIA_CLAIM_POLL_MS", defaultClaimPollMS, 200, 0)) * time.Millisecond,
		RetentionDays:    intFromEnv("CODELIA_RETENTION_DAYS", defaultRetentionDays, 0, 0),
	}
	cfg.SettingsFile = getEnv("CODELIA_SETTINGS_FILE", filepath.Join(cfg.StateDir, "settings.yaml"))

	// A worker is useless without a shared queue to claim from.
	if cfg.Role == RoleWorker && cfg.DatabaseURL == "" {
		cfg.Role = RoleAll
	}
	return cfg, nil
}

// RunsAPI reports whether this process serves the HTTP API.
func (c *Config) RunsAPI() bool {
	return c.Role == RoleAPI || c.Role == RoleAll
}

// RunsWorkers reports whether this process executes runs.
func (c *Config) RunsWorkers() bool {
	return c.Role == RoleWorker || c.Role == RoleAll
}

// ResolveWorkerID picks this replica's identity: explicit override first,
// then the pod name in Kubernetes, then the hostname.
func ResolveWorkerID() string {
	if id := os.Getenv("CODELIA_WORKER_ID"); id != "" {
		return id
	}
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// intFromEnv parses an integer env var, falling back to def on absence or
// parse failure and clamping to [min, max]. max <= 0 means no upper bound.
func intFromEnv(key string, def, min, max int) int {
	val := def
	if raw := os.Getenv(key); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			val = parsed
		}
	}
	if val < min {
		val = min
	}
	if max > 0 && val > max {
		val = max
	}
	return val
}
