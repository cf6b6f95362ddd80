// internal/stream/factory.go
package stream

import (
	"fmt"

	"go.uber.org/zap"

	"rtu-gateway/internal/model"
)

// NewStream creates an unopened stream for cfg. Defaults are applied and the
// result validated first.
func NewStream(cfg Config, logger *zap.Logger) (Stream, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s stream config: %w", cfg.Kind, err)
	}

	switch cfg.Kind {
	case model.ConnectionTypeTCP:
		return NewTCPStream(cfg.TCP, logger), nil
	case model.ConnectionTypeSerial:
		return NewSerialStream(cfg.Serial, logger), nil
	case model.ConnectionTypeUSB:
		return NewUSBStream(cfg.USB, logger), nil
	default:
		return nil, fmt.Errorf("unsupported connection type: %s", cfg.Kind)
	}
}
