package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds the connection settings for NATSSink.
type NATSConfig struct {
	URL     string
	Subject string
	Name    string
}

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each change as JSON on a core NATS subject.
type NATSSink struct {
	pub     natsPublisher
	subject string
	closer  func() error
}

// NewNATSSink connects to NATS.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	if cfg.Subject == "" {
		cfg.Subject = "relay.presence"
	}
	if cfg.Name == "" {
		cfg.Name = "relay"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return &NATSSink{pub: nc, subject: cfg.Subject, closer: nc.Drain}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Publish implements Sink. Core NATS publishes are buffered by the client,
// so ctx only guards against an already-cancelled mirror.
func (s *NATSSink) Publish(ctx context.Context, change Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return s.pub.Publish(s.subject, data)
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
