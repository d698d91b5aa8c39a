package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/agenda/agenda/internal/domain/scheduling"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: DefaultSubjectPrefix,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// natsConn is the part of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes each event on its own subject,
// e.g. agenda.events.booking.reserved.
type NATSPublisher struct {
	conn   natsConn
	prefix string
	nodeID string
}

func NewNATSPublisher(cfg NATSConfig, logger zerolog.Logger) (*NATSPublisher, error) {
	nodeID := NodeID()
	nc, err := nats.Connect(cfg.URL,
		nats.Name("agenda-"+nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info().Str("url", cfg.URL).Str("node_id", nodeID).Msg("nats event publisher connected")
	return newNATSPublisher(nc, cfg.SubjectPrefix, nodeID), nil
}

func newNATSPublisher(conn natsConn, prefix, nodeID string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix, nodeID: nodeID}
}

func (p *NATSPublisher) Publish(ctx context.Context, ev scheduling.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(p.nodeID, ev)
	if err != nil {
		return err
	}
	return p.send(ctx, Subject(p.prefix, ev.Type), data)
}

func (p *NATSPublisher) send(_ context.Context, subject string, data []byte) error {
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
