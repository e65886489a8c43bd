package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/auth"
	"github.com/Tyrowin/relay/internal/protocol"
)

type testRelay struct {
	hub    *Hub
	server *httptest.Server
	wsURL  string
}

func startRelay(t *testing.T, mutate func(*Options)) *testRelay {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	h := NewHub(auth.NewSharedSecret(testSecret), opts)
	go h.Run()

	srv := httptest.NewServer(SetupRoutes(h, nil))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = h.Shutdown(2 * time.Second) })

	return &testRelay{
		hub:    h,
		server: srv,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (r *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (r *testRelay) login(t *testing.T, name string) *websocket.Conn {
	t.Helper()
	conn := r.dial(t)
	writeEnvelope(t, conn, &protocol.Auth{Secret: testSecret, Username: name})
	ok, isOK := readEnvelope(t, conn).(*protocol.AuthOK)
	require.True(t, isOK, "expected auth_ok for %s", name)
	require.Equal(t, name, ok.Username)
	return conn
}

func (r *testRelay) status(t *testing.T, path string) StatusReport {
	t.Helper()
	resp, err := http.Get(r.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var report StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	return report
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	writeRaw(t, conn, string(protocol.MustEncode(env)))
}

func writeRaw(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func expectConnClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "expected close, got %s", data)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection was not closed by the relay")
	}
}

func TestRelayConversation(t *testing.T) {
	relay := startRelay(t, nil)

	alice := relay.login(t, "alice")

	bob := relay.dial(t)
	writeEnvelope(t, bob, &protocol.Auth{Secret: testSecret, Username: "bob"})
	assert.Equal(t, &protocol.AuthOK{Username: "bob", Online: []string{"alice"}}, readEnvelope(t, bob))
	assert.Equal(t, &protocol.PresenceChange{
		User: "bob", Status: protocol.StatusOnline, Online: []string{"alice", "bob"},
	}, readEnvelope(t, alice))

	writeRaw(t, alice, `{"type":"send","to":"bob","text":"hi","msg_id":"1"}`)
	assert.Equal(t, &protocol.Message{From: "alice", Text: "hi", Priority: "normal", MsgID: "1"}, readEnvelope(t, bob))
	assert.Equal(t, &protocol.SendAck{To: "bob", Delivered: true}, readEnvelope(t, alice))

	writeRaw(t, alice, `{"type":"send","to":"carol","text":"x","msg_id":"2"}`)
	assert.Equal(t, &protocol.SendAck{To: "carol", Delivered: false}, readEnvelope(t, alice))

	intruder := relay.dial(t)
	writeEnvelope(t, intruder, &protocol.Auth{Secret: "wrong", Username: "carol"})
	assert.Equal(t, &protocol.AuthFail{Reason: "invalid credentials"}, readEnvelope(t, intruder))
	expectConnClosed(t, intruder)

	writeEnvelope(t, alice, &protocol.Presence{})
	assert.Equal(t, &protocol.PresenceResult{Online: []string{"alice", "bob"}}, readEnvelope(t, alice))

	require.NoError(t, bob.Close())
	assert.Equal(t, &protocol.PresenceChange{
		User: "bob", Status: protocol.StatusOffline, Online: []string{"alice"},
	}, readEnvelope(t, alice))

	assert.Equal(t, StatusReport{Status: "ok", UsersOnline: 1, Users: []string{"alice"}}, relay.status(t, "/status"))
	assert.Equal(t, 1, relay.status(t, "/").UsersOnline)
}

func TestFirstEnvelopeMustBeAuth(t *testing.T) {
	relay := startRelay(t, nil)

	conn := relay.dial(t)
	writeRaw(t, conn, `{"type":"send","to":"bob","text":"hi","msg_id":"1"}`)

	assert.Equal(t, &protocol.Error{Reason: reasonAuthRequired}, readEnvelope(t, conn))
	expectConnClosed(t, conn)
	assert.Equal(t, 0, relay.status(t, "/status").UsersOnline)
}

func TestMalformedFirstEnvelopeCloses(t *testing.T) {
	relay := startRelay(t, nil)

	conn := relay.dial(t)
	writeRaw(t, conn, `not json`)

	env, ok := readEnvelope(t, conn).(*protocol.Error)
	require.True(t, ok)
	assert.Contains(t, env.Reason, "malformed")
	expectConnClosed(t, conn)
}

func TestAuthTimeout(t *testing.T) {
	relay := startRelay(t, func(o *Options) { o.AuthTimeout = 100 * time.Millisecond })

	conn := relay.dial(t)

	assert.Equal(t, &protocol.Error{Reason: reasonAuthTimeout}, readEnvelope(t, conn))
	expectConnClosed(t, conn)
}

func TestRepeatedViolationsClose(t *testing.T) {
	relay := startRelay(t, func(o *Options) { o.MaxViolations = 1 })
	conn := relay.login(t, "alice")

	writeRaw(t, conn, `{"type":"send","to":"bob"}`)
	first, ok := readEnvelope(t, conn).(*protocol.Error)
	require.True(t, ok)
	assert.Contains(t, first.Reason, "missing required field: text")

	writeRaw(t, conn, `{"type":"teleport"}`)
	second, ok := readEnvelope(t, conn).(*protocol.Error)
	require.True(t, ok)
	assert.Contains(t, second.Reason, "unknown envelope type")

	expectConnClosed(t, conn)
	assert.Eventually(t, func() bool { return relay.hub.Status().UsersOnline == 0 }, time.Second, 10*time.Millisecond)
}

func TestSingleViolationKeepsConnection(t *testing.T) {
	relay := startRelay(t, nil)
	conn := relay.login(t, "alice")

	writeEnvelope(t, conn, &protocol.Auth{Secret: testSecret, Username: "alice"})
	assert.Equal(t, &protocol.Error{Reason: reasonAlreadyAuthed}, readEnvelope(t, conn))

	writeEnvelope(t, conn, &protocol.Ping{})
	assert.Equal(t, &protocol.Pong{}, readEnvelope(t, conn))
}

func TestRateLimitDiscardsExcess(t *testing.T) {
	relay := startRelay(t, func(o *Options) {
		o.RateLimit = RateLimitConfig{Burst: 1, PerSecond: 0.001}
	})
	conn := relay.login(t, "alice")

	writeEnvelope(t, conn, &protocol.Ping{})
	assert.Equal(t, &protocol.Pong{}, readEnvelope(t, conn))

	writeEnvelope(t, conn, &protocol.Ping{})
	assert.Equal(t, &protocol.Error{Reason: reasonRateLimited}, readEnvelope(t, conn))
}

func TestBareAtRecipientIsRejected(t *testing.T) {
	relay := startRelay(t, nil)
	conn := relay.login(t, "alice")

	writeRaw(t, conn, `{"type":"send","to":"@","text":"hi","msg_id":"1"}`)
	env, ok := readEnvelope(t, conn).(*protocol.Error)
	require.True(t, ok)
	assert.Contains(t, env.Reason, "missing required field: to")

	writeEnvelope(t, conn, &protocol.Ping{})
	assert.Equal(t, &protocol.Pong{}, readEnvelope(t, conn))
}

func TestIdleConnectionIsDropped(t *testing.T) {
	relay := startRelay(t, func(o *Options) { o.PongWait = 300 * time.Millisecond })
	alice := relay.login(t, "alice")

	// bob never reads again, so the relay's pings go unanswered.
	bob := relay.login(t, "bob")
	bob.SetPingHandler(func(string) error { return nil })

	assert.Equal(t, &protocol.PresenceChange{
		User: "bob", Status: protocol.StatusOnline, Online: []string{"alice", "bob"},
	}, readEnvelope(t, alice))
	assert.Equal(t, &protocol.PresenceChange{
		User: "bob", Status: protocol.StatusOffline, Online: []string{"alice"},
	}, readEnvelope(t, alice))

	assert.Equal(t, []string{"alice"}, relay.status(t, "/status").Users)
}

func TestDuplicateLoginOverWebSocket(t *testing.T) {
	relay := startRelay(t, nil)
	first := relay.login(t, "alice")
	relay.login(t, "alice")

	assert.Equal(t, &protocol.Error{Reason: reasonReplaced}, readEnvelope(t, first))
	expectConnClosed(t, first)
	assert.Equal(t, []string{"alice"}, relay.status(t, "/status").Users)
}

func TestDuplicateLoginRejectedOverWebSocket(t *testing.T) {
	relay := startRelay(t, func(o *Options) { o.DuplicatePolicy = RejectNew })
	relay.login(t, "alice")

	second := relay.dial(t)
	writeEnvelope(t, second, &protocol.Auth{Secret: testSecret, Username: "alice"})
	assert.Equal(t, &protocol.AuthFail{Reason: reasonAlreadyConnected}, readEnvelope(t, second))
	expectConnClosed(t, second)
}

func TestDisallowedOriginIsRefused(t *testing.T) {
	relay := startRelay(t, func(o *Options) { o.AllowedOrigins = []string{"https://relay.example.com"} })

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(relay.wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://relay.example.com")
	conn, resp, err := websocket.DefaultDialer.Dial(relay.wsURL, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestShutdownClosesConnections(t *testing.T) {
	relay := startRelay(t, nil)
	alice := relay.login(t, "alice")

	require.NoError(t, relay.hub.Shutdown(2*time.Second))

	assert.Equal(t, &protocol.Error{Reason: reasonShuttingDown}, readEnvelope(t, alice))
	expectConnClosed(t, alice)
	assert.Equal(t, 0, relay.hub.Status().UsersOnline)

	late, resp, err := websocket.DefaultDialer.Dial(relay.wsURL, nil)
	if err == nil {
		_ = resp.Body.Close()
		expectConnClosed(t, late)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	relay := startRelay(t, nil)
	relay.login(t, "alice")

	resp, err := http.Get(relay.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForwardedAddressNeedsTrustedProxy(t *testing.T) {
	remoteAddr := func(opts Options) string {
		var seen string
		handler := chi.Chain(middlewares(opts)...).HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = r.RemoteAddr
		})
		req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
		req.RemoteAddr = "192.0.2.10:4000"
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		handler.ServeHTTP(httptest.NewRecorder(), req)
		return seen
	}

	assert.Equal(t, "192.0.2.10:4000", remoteAddr(DefaultOptions()))

	trusted := DefaultOptions()
	trusted.TrustProxy = true
	assert.Equal(t, "203.0.113.7", remoteAddr(trusted))
}
