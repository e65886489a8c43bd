// Package presence mirrors relay presence transitions to external systems
// (Redis, NATS) so other tools can see who is online without speaking the
// websocket protocol. Mirroring is best effort and never delays routing.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/relay/internal/logger"
)

// Status mirrors protocol.Status without importing the wire package.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Change is one presence transition.
type Change struct {
	User   string    `json:"user"`
	Status Status    `json:"status"`
	Online []string  `json:"online"`
	At     time.Time `json:"at"`
}

// Sink receives presence changes. Publish may block on network I/O.
type Sink interface {
	Name() string
	Publish(ctx context.Context, change Change) error
	Close() error
}

// Mirror fans changes out to sinks from a single worker goroutine.
type Mirror struct {
	sinks   []Sink
	events  chan Change
	log     *logger.Logger
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewMirror creates a mirror with a bounded backlog of size changes.
func NewMirror(log *logger.Logger, size int, sinks ...Sink) *Mirror {
	if size <= 0 {
		size = 1024
	}
	return &Mirror{
		sinks:   sinks,
		events:  make(chan Change, size),
		log:     log.Named("presence"),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Notify queues change without blocking. It returns false when the backlog
// is full and the change was dropped.
func (m *Mirror) Notify(change Change) bool {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	select {
	case m.events <- change:
		return true
	default:
		m.log.Warn("Presence mirror backlog full; dropping change",
			logger.String("user", change.User), logger.String("status", string(change.Status)))
		return false
	}
}

// Run publishes queued changes until ctx is cancelled or Close is called.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case change := <-m.events:
			m.publish(ctx, change)
		}
	}
}

func (m *Mirror) publish(ctx context.Context, change Change) {
	for _, sink := range m.sinks {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		if err := sink.Publish(pctx, change); err != nil {
			m.log.Warn("Presence mirror publish failed",
				logger.String("sink", sink.Name()),
				logger.String("user", change.User),
				logger.Error(err))
		}
		cancel()
	}
}

// Close stops Run and closes every sink.
func (m *Mirror) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		for _, sink := range m.sinks {
			if err := sink.Close(); err != nil {
				m.log.Warn("Closing presence sink failed", logger.String("sink", sink.Name()), logger.Error(err))
			}
		}
	})
}
