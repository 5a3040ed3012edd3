package eventbus

import (
	"fmt"
	"strings"

	"github.com/cisnet/cis/internal/common/logger"
)

// Provided wraps whichever backend was selected at startup.
type Provided struct {
	Bus    Bus
	Memory *MemoryBus
	NATS   *NATSBus
}

// Provide builds the memory backend by default, or the NATS backend when a
// NATS URL is configured (multi-node deployments).
func Provide(cfg NATSConfig, log *logger.Logger) (*Provided, func() error, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := NewNATSBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize nats event bus: %w", err)
		}
		return &Provided{Bus: natsBus, NATS: natsBus}, func() error { natsBus.Close(); return nil }, nil
	}

	memBus := NewMemoryBus(log)
	return &Provided{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
