package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/logger"
)

type recordingSink struct {
	mu      sync.Mutex
	changes []Change
	fail    bool
	closed  bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, change Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.changes...)
}

func TestMirrorPublishesInOrderToAllSinks(t *testing.T) {
	first := &recordingSink{fail: true}
	second := &recordingSink{}
	m := NewMirror(logger.Nop(), 8, first, second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.True(t, m.Notify(Change{User: "alice", Status: Online, Online: []string{"alice"}}))
	require.True(t, m.Notify(Change{User: "alice", Status: Offline, Online: []string{}}))

	require.Eventually(t, func() bool { return len(second.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	got := second.snapshot()
	assert.Equal(t, Online, got[0].Status)
	assert.Equal(t, Offline, got[1].Status)
	assert.False(t, got[0].At.IsZero(), "Notify stamps the change time")
	assert.Len(t, first.snapshot(), 2, "a failing sink does not stop the others")

	m.Close()
	assert.True(t, first.closed)
	assert.True(t, second.closed)
}

func TestMirrorNotifyDropsWhenFull(t *testing.T) {
	m := NewMirror(logger.Nop(), 1)

	assert.True(t, m.Notify(Change{User: "a", Status: Online}))
	assert.False(t, m.Notify(Change{User: "b", Status: Online}))
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return nil
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := &NATSSink{pub: pub, subject: "relay.presence"}

	change := Change{User: "bob", Status: Online, Online: []string{"alice", "bob"}, At: time.Unix(0, 0).UTC()}
	require.NoError(t, sink.Publish(context.Background(), change))

	assert.Equal(t, "relay.presence", pub.subject)
	var decoded Change
	require.NoError(t, json.Unmarshal(pub.data, &decoded))
	assert.Equal(t, change, decoded)
	assert.NoError(t, sink.Close())
}

func TestNATSSinkHonoursCancelledContext(t *testing.T) {
	sink := &NATSSink{pub: &fakePublisher{}, subject: "relay.presence"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Publish(ctx, Change{User: "bob", Status: Online}), context.Canceled)
}
