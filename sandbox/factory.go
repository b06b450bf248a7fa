package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/boxrun/config"
)

// NewIsolator creates the isolation backend selected by the configuration
func NewIsolator(logger *zap.Logger, cfg *config.Config) (Isolator, error) {
	sc := cfg.Sandbox

	switch sc.Backend {
	case config.BackendIsolate:
		return NewIsolateBackend(logger, sc.IsolatePath, sc.MetaDir,
			WithCgroups(sc.UseCgroups),
			WithExtraTime(sc.ExtraTime),
		), nil
	case config.BackendLocal:
		if !sc.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled, set sandbox.enable_local_backend")
		}
		logger.Warn("using local backend: programs run unconfined on the host")
		return NewLocalBackend(logger, sc.LocalRoot), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", sc.Backend)
	}
}

// NewPoolFromConfig creates the box pool sized by the configuration
func NewPoolFromConfig(logger *zap.Logger, cfg *config.Config) (*BoxPool, error) {
	return NewBoxPool(logger, cfg.Sandbox.FirstBoxID, cfg.Sandbox.PoolSize, cfg.Sandbox.AcquireTimeout)
}

// NewManagerFromConfig creates a Manager using the configured default limits
// and watchdog margin
func NewManagerFromConfig(logger *zap.Logger, cfg *config.Config, isolator Isolator, pool *BoxPool, observer Observer) *Manager {
	return NewManager(logger, isolator, pool, LimitsFromConfig(cfg.Sandbox.Limits),
		WithSafetyMargin(cfg.Sandbox.SafetyMargin),
		WithObserver(observer),
	)
}
