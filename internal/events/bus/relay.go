package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/drover/drover/internal/common/config"
	"github.com/drover/drover/internal/common/logger"
	"github.com/drover/drover/internal/events"
)

// Relay mirrors every published event onto NATS so external consumers can
// follow the stream. The in-process bus stays authoritative: relay failures
// are logged, never returned to publishers.
type Relay struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewRelay connects to NATS with reconnection handling.
func NewRelay(cfg config.NATSConfig, log *logger.Logger) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		// Connection status handlers
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return &Relay{conn: conn, log: log.WithComponent("nats-relay")}, nil
}

// Handler returns a bus handler that forwards events to NATS. Attach it
// with SubscribeAll.
func (r *Relay) Handler() Handler {
	return func(ctx context.Context, event *events.Event) error {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event for relay: %w", err)
		}

		subject := events.BuildEventSubject(event.SessionID, event.RunID, event.Type)
		if err := r.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("relay event to %s: %w", subject, err)
		}
		return nil
	}
}

// IsConnected returns whether the NATS connection is active.
func (r *Relay) IsConnected() bool {
	return r.conn != nil && r.conn.IsConnected()
}

// Close drains pending messages before closing the connection.
func (r *Relay) Close() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Drain(); err != nil {
		r.log.Warn("Error draining NATS connection", zap.Error(err))
		r.conn.Close()
	}
}
