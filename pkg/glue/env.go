package glue

import (
	"fmt"
	"os"
	"sync"
)

// Environment variables read by the RDMA user-space libraries.
const (
	EnvHugePagesSafe = "RDMAV_HUGEPAGES_SAFE"
	EnvCQESize       = "MLX5_CQE_SIZE"
	EnvFatalCleanup  = "MLX5_DEVICE_FATAL_CLEANUP"
	EnvShutUpBF      = "MLX5_SHUT_UP_BF"
)

// Environment variables read by this package.
const (
	EnvGluePath = "MLX5_GLUE_PATH"
	EnvBackend  = "MLX5_GLUE_BACKEND"
)

// envMu serializes scoped changes to the process environment.
var envMu sync.Mutex

// ConstructorEnv returns the variables the constructor establishes, in
// KEY=VALUE form. MLX5_CQE_SIZE is only part of it for 128-byte cache lines.
func ConstructorEnv(cacheLineSize int) []string {
	env := []string{EnvHugePagesSafe + "=1"}
	if cacheLineSize == 128 {
		env = append(env, EnvCQESize+"=128")
	}
	return append(env, EnvFatalCleanup+"=1")
}

// Constructor sets up the environment the RDMA libraries expect before any
// device is listed or opened. An existing MLX5_CQE_SIZE is left alone.
func Constructor(cacheLineSize int) error {
	envMu.Lock()
	defer envMu.Unlock()

	if err := os.Setenv(EnvHugePagesSafe, "1"); err != nil {
		return fmt.Errorf("cannot set %s: %w", EnvHugePagesSafe, err)
	}
	if cacheLineSize == 128 {
		if _, ok := os.LookupEnv(EnvCQESize); !ok {
			if err := os.Setenv(EnvCQESize, "128"); err != nil {
				return fmt.Errorf("cannot set %s: %w", EnvCQESize, err)
			}
		}
	}
	if err := os.Setenv(EnvFatalCleanup, "1"); err != nil {
		return fmt.Errorf("cannot set %s: %w", EnvFatalCleanup, err)
	}
	return nil
}

// EnvGuard changes one environment variable for the duration of a scope.
// Guards hold a process-wide lock between AcquireEnv and Restore, so two
// scopes never interleave their changes.
type EnvGuard struct {
	key      string
	prev     string
	had      bool
	restored bool
}

// AcquireEnv records the current value of key and locks the environment.
// The caller must call Restore, typically with defer.
func AcquireEnv(key string) *EnvGuard {
	envMu.Lock()
	prev, had := os.LookupEnv(key)
	return &EnvGuard{key: key, prev: prev, had: had}
}

// Prior returns the value key had when the guard was acquired.
func (g *EnvGuard) Prior() (value string, ok bool) {
	return g.prev, g.had
}

// Set assigns a new value for the rest of the scope.
func (g *EnvGuard) Set(value string) error {
	return os.Setenv(g.key, value)
}

// Restore puts back the recorded value, or unsets key if it was unset, and
// releases the lock. Calling it more than once is a no-op.
func (g *EnvGuard) Restore() error {
	if g.restored {
		return nil
	}
	g.restored = true
	defer envMu.Unlock()

	if g.had {
		return os.Setenv(g.key, g.prev)
	}
	return os.Unsetenv(g.key)
}
