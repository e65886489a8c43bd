package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relay/internal/auth"
	"github.com/Tyrowin/relay/internal/logger"
	"github.com/Tyrowin/relay/internal/protocol"
)

// ConnState is the lifecycle stage of a connection.
type ConnState int32

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one websocket connection. readPump and writePump own the
// socket; the hub only ever reaches the client through its outbox.
type Client struct {
	id      string
	conn    *websocket.Conn
	hub     *Hub
	addr    string
	out     *outbox
	limiter *rateLimiter
	log     *logger.Logger

	// username is set once by readPump before Register and never changes.
	username string
	state    atomic.Int32

	connectedAt time.Time
	lastActive  atomic.Int64

	// violations is owned by readPump.
	violations int
	// dropped is owned by the hub's Run loop.
	dropped bool

	closeOnce sync.Once
}

// NewClient wraps an upgraded connection. conn may be nil in tests that
// drive the hub directly and read the outbox.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	now := time.Now()
	c := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		hub:         hub,
		addr:        addr,
		out:         newOutbox(hub.opts.SendQueueSize),
		limiter:     newRateLimiter(hub.opts.RateLimit),
		connectedAt: now,
	}
	c.lastActive.Store(now.UnixNano())
	c.log = hub.log.Named("conn").With(logger.String("conn_id", c.id), logger.String("remote", addr))
	if conn != nil {
		conn.SetReadLimit(hub.opts.MaxMessageSize)
	}
	return c
}

// ID returns the connection identifier used in logs.
func (c *Client) ID() string { return c.id }

// Username returns the authenticated username, or "" before authentication.
func (c *Client) Username() string { return c.username }

// State returns the connection's lifecycle stage.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

// ConnectedAt returns when the connection was accepted.
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// LastActive returns when the last frame was read from the peer.
func (c *Client) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Client) markAuthenticated() {
	c.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticated))
}

func (c *Client) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// reply queues env for this connection only.
func (c *Client) reply(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.out.push(frame)
}

// closeWith queues a final envelope and closes the queue; the writer sends
// it followed by a close frame.
func (c *Client) closeWith(env protocol.Envelope) {
	if err := c.reply(env); err != nil && !errors.Is(err, ErrQueueClosed) {
		c.log.Debug("Could not queue final envelope", logger.Error(err))
	}
	c.closeQueue()
}

func (c *Client) closeQueue() {
	c.out.close()
}

// forceClose drops the connection without waiting for queued frames.
func (c *Client) forceClose() {
	c.state.Store(int32(StateClosed))
	c.out.close()
	c.closeConnection()
}

// authenticate waits for the first envelope and binds the connection to a
// username. It returns false when the connection must be closed.
func (c *Client) authenticate() bool {
	timeout := c.hub.opts.AuthTimeout
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.log.Warn("Error setting auth deadline", logger.Error(err))
		return false
	}

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.log.Info("Authentication failed", logger.Error(ErrAuthTimeout))
			c.hub.metrics.AuthFailures.WithLabelValues("timeout").Inc()
			c.closeWith(&protocol.Error{Reason: reasonAuthTimeout})
			return false
		}
		c.handleReadError(err)
		return false
	}
	c.touch()

	env, err := protocol.Decode(raw)
	if err != nil {
		c.log.Info("Malformed first envelope", logger.Error(err))
		c.hub.metrics.AuthFailures.WithLabelValues("malformed").Inc()
		c.closeWith(&protocol.Error{Reason: err.Error()})
		return false
	}
	authEnv, ok := env.(*protocol.Auth)
	if !ok {
		c.log.Info("First envelope was not auth", logger.String("type", string(env.Kind())))
		c.hub.metrics.AuthFailures.WithLabelValues("not_auth").Inc()
		c.closeWith(&protocol.Error{Reason: reasonAuthRequired})
		return false
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, timeout)
	defer cancel()
	id, err := c.hub.authn.Authenticate(ctx, auth.Credentials{
		Secret:   authEnv.Secret,
		Token:    authEnv.Token,
		Username: authEnv.Username,
	})
	if err != nil {
		reason, label := reasonInvalidCredentials, "invalid_credentials"
		switch {
		case errors.Is(err, auth.ErrOrgDenied):
			reason, label = reasonOrgDenied, "org_denied"
		case auth.IsExpired(err):
			label = "expired"
		}
		c.log.Info("Authentication failed", logger.String("reason", label))
		c.hub.metrics.AuthFailures.WithLabelValues(label).Inc()
		c.closeWith(&protocol.AuthFail{Reason: reason})
		return false
	}

	c.username = id.Username

	if err := c.hub.Register(c); err != nil {
		if errors.Is(err, ErrDuplicateLogin) {
			c.hub.metrics.AuthFailures.WithLabelValues("duplicate").Inc()
			c.closeWith(&protocol.AuthFail{Reason: reasonAlreadyConnected})
			return false
		}
		c.closeWith(&protocol.Error{Reason: reasonShuttingDown})
		return false
	}

	c.log.Info("Client authenticated", logger.String("user", id.Username))
	return true
}

// setupReadConnection configures read deadlines and pong handler for the
// authenticated connection.
func (c *Client) setupReadConnection() {
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.extendReadDeadline()
		return nil
	})
}

func (c *Client) extendReadDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait)); err != nil {
		c.log.Debug("Error setting read deadline", logger.Error(err))
	}
}

// handleReadError logs a read failure at a level matching how expected it is.
func (c *Client) handleReadError(err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn("Message exceeded maximum size", logger.Int64("limit", c.hub.opts.MaxMessageSize))
		return
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Info("Client disconnected", logger.Error(err))
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.log.Info("Connection idle past pong deadline")
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isExpectedCloseError(err) {
		c.log.Info("Client connection closed", logger.Error(err))
		return
	}

	c.log.Warn("WebSocket read error", logger.Error(err))
}

// checkRateLimit reports whether the envelope may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter == nil || c.limiter.allow() {
		return true
	}
	c.hub.metrics.RateLimited.Inc()
	c.log.Warn("Rate limit exceeded; discarding envelope",
		logger.String("user", c.username), logger.Int("burst", c.hub.opts.RateLimit.Burst))
	_ = c.reply(&protocol.Error{Reason: reasonRateLimited})
	return false
}

// violation answers a protocol error and reports whether the connection may
// stay open.
func (c *Client) violation(err error) bool {
	c.violations++
	c.hub.metrics.Violations.Inc()

	c.log.Info("Protocol violation",
		logger.String("user", c.username), logger.Error(err), logger.Int("count", c.violations))
	if replyErr := c.reply(&protocol.Error{Reason: err.Error()}); replyErr != nil {
		return false
	}
	if c.violations > c.hub.opts.MaxViolations {
		c.log.Warn("Too many protocol violations; closing connection")
		return false
	}
	return true
}

// dispatch handles one envelope from an authenticated connection and
// reports whether the read loop should continue.
func (c *Client) dispatch(raw []byte) bool {
	env, err := protocol.Decode(raw)
	if err != nil {
		return c.violation(err)
	}

	switch e := env.(type) {
	case *protocol.Send:
		if err := e.Validate(); err != nil {
			return c.violation(err)
		}
		c.hub.Route(c, e)
	case *protocol.Presence:
		c.hub.QueryPresence(c)
	case *protocol.Ping:
		if err := c.reply(&protocol.Pong{}); err != nil {
			return false
		}
	case *protocol.Auth:
		return c.violation(errors.New(reasonAlreadyAuthed))
	default:
		return c.violation(errors.New("unexpected envelope type: " + string(e.Kind())))
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.state.Store(int32(StateClosed))
		c.hub.Unregister(c)
		c.hub.detach(c)
	}()

	if !c.authenticate() {
		return
	}

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.touch()
		c.extendReadDeadline()

		if !c.checkRateLimit() {
			continue
		}

		if !c.dispatch(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.out.ch:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the socket once.
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("Error closing connection", logger.Error(err))
		}
	})
}

// handleFrame writes one queued envelope, or the close frame once the queue
// is closed, and returns false if the connection should be closed.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
		c.log.Debug("Error setting write deadline", logger.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("Error writing envelope", logger.Error(err))
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close frame to the client.
func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("Error writing close message", logger.Error(err))
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
		c.log.Debug("Error setting write deadline for ping", logger.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("Error writing ping message", logger.Error(err))
		}
		return false
	}
	return true
}
