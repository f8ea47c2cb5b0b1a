// Package config reads mujina-miner's environment configuration once at
// startup. The auto-recovery knobs are reserved names: they are parsed
// and surfaced read-only but no recovery loop consumes them yet.
package config

import (
	"os"
	"strconv"
	"time"
)

// BackplaneConfig is the read-once environment configuration for the
// backplane and board lifecycle.
type BackplaneConfig struct {
	// InitTimeout bounds a board's full initialization sequence. The
	// REST reinitialize deadline is this value plus a 5s buffer.
	InitTimeout time.Duration

	// Reserved for future automatic recovery. Read at startup, no
	// runtime reload, no behavior attached.
	FailureThreshold int
	MaxAutoRetries   int
	RetryInterval    time.Duration
	AutoRecovery     bool
}

const (
	defaultInitTimeout      = 10 * time.Second
	defaultFailureThreshold = 3
	defaultMaxAutoRetries   = 3
	defaultRetryInterval    = 30 * time.Second
)

// ReinitBuffer is the extra headroom added to InitTimeout for the
// overall reinitialize-command deadline.
const ReinitBuffer = 5 * time.Second

// LoadBackplaneConfig reads the MUJINA_BOARD_* environment variables,
// falling back to defaults for anything unset or unparseable.
func LoadBackplaneConfig() BackplaneConfig {
	return BackplaneConfig{
		InitTimeout:      envSeconds("MUJINA_BOARD_INIT_TIMEOUT_SECS", defaultInitTimeout),
		FailureThreshold: envInt("MUJINA_BOARD_FAILURE_THRESHOLD", defaultFailureThreshold),
		MaxAutoRetries:   envInt("MUJINA_BOARD_MAX_AUTO_RETRIES", defaultMaxAutoRetries),
		RetryInterval:    envSeconds("MUJINA_BOARD_RETRY_INTERVAL", defaultRetryInterval),
		AutoRecovery:     envBool("MUJINA_BOARD_AUTO_RECOVERY", false),
	}
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
