package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATSSource.
type NATSConfig struct {
	URL            string
	Subject        string
	ReconnectDelay time.Duration
	Now            func() time.Time
	Log            *slog.Logger
}

// NATSSource consumes the same {t,d} envelopes from a NATS subject. It is an
// optional second ingestion path for deployments that relay the upstream
// stream through a message bus. Reconnection is left to the NATS client.
type NATSSource struct {
	url     string
	subject string
	delay   time.Duration
	log     *slog.Logger

	*pipeline
}

// NewNATSSource creates a NATSSource.
func NewNATSSource(cfg NATSConfig, sink Ingester) *NATSSource {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log.With("component", "nats", "subject", cfg.Subject)
	return &NATSSource{
		url:      cfg.URL,
		subject:  cfg.Subject,
		delay:    cfg.ReconnectDelay,
		log:      log,
		pipeline: newPipeline(sink, cfg.Now, log),
	}
}

// Stats returns cumulative frame counters.
func (n *NATSSource) Stats() Stats {
	return n.stats()
}

// Run subscribes and blocks until ctx is cancelled. It returns an error only
// when the initial connection or subscription fails.
func (n *NATSSource) Run(ctx context.Context) error {
	nc, err := nats.Connect(n.url,
		nats.Name("stripd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(n.delay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.log.Info("nats reconnected", "server", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", n.url, err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(n.subject, func(m *nats.Msg) {
		n.handle(m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	n.log.Info("subscribed to nats feed")

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		n.log.Warn("nats unsubscribe failed", "error", err)
	}
	n.log.Info("nats source stopped")
	return ctx.Err()
}
