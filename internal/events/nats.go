package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tunegate/tunegate/internal/job"
)

const DefaultSubjectPrefix = "tunegate.jobs"

// NATSPublisher announces terminal transitions on "<prefix>.<status>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// ConnectNATS dials url and returns a publisher that closes the connection on Close.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("tunegate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	p := NewNATSPublisher(conn, prefix)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection; Close leaves it open.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject a view with status is published on.
func (p *NATSPublisher) Subject(status string) string {
	return p.prefix + "." + status
}

// Publish sends v as JSON. Only terminal views are announced.
func (p *NATSPublisher) Publish(_ context.Context, v job.View) error {
	if !v.Terminal() {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(v.Status), data); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(v.Status), err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
