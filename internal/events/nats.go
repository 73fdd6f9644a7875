package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"phaseforge/internal/logging"
)

// Publisher is the subset of *nats.Conn used by NATSBus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBus publishes events as JSON on <prefix>.<session>.<type>.
type NATSBus struct {
	pub    Publisher
	prefix string
	log    *zap.Logger
}

// NewNATSBus wraps an existing publisher.
func NewNATSBus(pub Publisher, prefix string, logger *zap.Logger) *NATSBus {
	if prefix == "" {
		prefix = "phaseforge.sessions"
	}
	return &NATSBus{pub: pub, prefix: strings.TrimSuffix(prefix, "."), log: logging.OrNamed(logger, "events.nats")}
}

// ConnectNATS dials url with reconnect settings suitable for a long-lived
// service.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	log := logging.OrNamed(logger, "events.nats")
	nc, err := nats.Connect(url,
		nats.Name("phaseforge"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Subject returns the subject an event is published on.
func (b *NATSBus) Subject(e Event) string {
	session := e.SessionID
	if session == "" {
		session = "_"
	}
	return b.prefix + "." + sanitizeToken(session) + "." + string(e.Type)
}

func (b *NATSBus) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := b.Subject(e)
	if err := b.pub.Publish(subject, data); err != nil {
		b.log.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	record(e, "nats")
	return nil
}

// sanitizeToken keeps a subject token free of separators and wildcards.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
