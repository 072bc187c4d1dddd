package device

import (
	"fmt"

	"github.com/fxnlabs/aclrt/internal/config"
	"go.uber.org/zap"
)

// New creates the driver selected by cfg.Device.Driver. Only the simulated
// driver exists in this build.
func New(cfg *config.Config, logger *zap.Logger) (Driver, error) {
	switch cfg.Device.Driver {
	case "sim", "":
		logger.Info("Using simulated driver", zap.Int("devices", cfg.Device.Count))
		return NewSimDriver(cfg.Device.Count, cfg.Device.MemoryBytes, logger), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Device.Driver)
	}
}
