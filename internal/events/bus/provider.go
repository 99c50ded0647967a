package bus

import (
	"github.com/drover/drover/internal/common/config"
	"github.com/drover/drover/internal/common/logger"
)

// Provide builds the event bus for the process. When a NATS URL is
// configured, a relay is attached as a global subscriber; otherwise events
// stay in-process only. The returned cleanup drains the relay connection.
func Provide(cfg *config.Config, store EventStore, log *logger.Logger) (*Bus, func(), error) {
	b := New(store, log)
	cleanup := func() { b.Close() }

	if cfg.NATS.URL == "" {
		log.Info("NATS relay disabled, events stay in-process")
		return b, cleanup, nil
	}

	relay, err := NewRelay(cfg.NATS, log)
	if err != nil {
		return nil, nil, err
	}
	b.SubscribeAll(relay.Handler())

	return b, func() {
		b.Close()
		relay.Close()
	}, nil
}
