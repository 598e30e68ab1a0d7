package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openverge/openverge/pkg/engine"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// SubjectPrefix prefixes every published subject. Defaults to
	// "openverge".
	SubjectPrefix string
}

// NATSPublisher publishes lifecycle events to NATS subjects of the form
// {prefix}.{domain}.{event_type}. It implements engine.EventPublisher.
// Publish failures are logged and swallowed; event delivery must never
// fail a deployment.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(cfg NATSConfig, logger zerolog.Logger) (*NATSPublisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "openverge"
	}

	conn, err := nats.Connect(url,
		nats.Name("openverge-orchestrator"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		log:    logger.With().Str("component", "nats-publisher").Logger(),
	}, nil
}

// Publish implements engine.EventPublisher.
func (p *NATSPublisher) Publish(_ context.Context, event engine.LifecycleEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("type", event.Type).Msg("failed to encode event")
		return
	}

	subject := p.subject(event)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("failed to drain NATS connection")
	}
}

// subject builds {prefix}.{domain}.{type} with NATS-safe tokens.
func (p *NATSPublisher) subject(event engine.LifecycleEvent) string {
	domain := sanitizeToken(event.Domain)
	if domain == "" {
		domain = "_"
	}
	return fmt.Sprintf("%s.%s.%s", p.prefix, domain, sanitizeToken(event.Type))
}

// sanitizeToken replaces characters that would split or wildcard a NATS
// subject token.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '-'
		default:
			return r
		}
	}, s)
}
