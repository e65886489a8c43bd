package server

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relay/internal/auth"
	"github.com/Tyrowin/relay/internal/logger"
	"github.com/Tyrowin/relay/internal/metrics"
	"github.com/Tyrowin/relay/internal/presence"
	"github.com/Tyrowin/relay/internal/protocol"
)

// PresenceNotifier receives every registry transition. Notify must not block.
type PresenceNotifier interface {
	Notify(change presence.Change) bool
}

type registration struct {
	client *Client
	reply  chan error
}

type routeRequest struct {
	sender *Client
	send   *protocol.Send
}

// Hub owns the registry and serializes every change to it, every routed
// message and every presence broadcast through its Run loop. Connections
// talk to it over channels and never touch each other's queues directly.
type Hub struct {
	authn    auth.Authenticator
	opts     Options
	log      *logger.Logger
	metrics  *metrics.Metrics
	notifier PresenceNotifier
	origins  *originPolicy
	upgrader websocket.Upgrader

	registry *Registry

	register   chan registration
	unregister chan *Client
	route      chan routeRequest
	query      chan *Client

	// drops is touched only by Run.
	drops []*Client

	clientsMu sync.Mutex
	clients   map[*Client]struct{}
	closing   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *logger.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// WithMetrics sets the collectors the hub updates.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithPresenceNotifier mirrors presence transitions to n.
func WithPresenceNotifier(n PresenceNotifier) HubOption {
	return func(h *Hub) { h.notifier = n }
}

// NewHub creates a hub that authenticates with authn. Call Run before
// serving connections.
func NewHub(authn auth.Authenticator, opts Options, hubOpts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		authn:      authn,
		opts:       opts.sanitize(),
		log:        logger.Nop(),
		registry:   NewRegistry(),
		register:   make(chan registration),
		unregister: make(chan *Client),
		route:      make(chan routeRequest),
		query:      make(chan *Client),
		clients:    make(map[*Client]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, o := range hubOpts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	h.log = h.log.Named("hub")
	h.origins = newOriginPolicy(h.opts.AllowedOrigins, h.log)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.check,
	}
	return h
}

// Metrics returns the collectors the hub reports to.
func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

// Status reports the users currently online.
func (h *Hub) Status() StatusReport {
	users := h.registry.Snapshot()
	return StatusReport{Status: "ok", UsersOnline: len(users), Users: users}
}

// Register asks the Run loop to bind c to its username. It returns
// ErrDuplicateLogin under the reject policy and ErrShuttingDown once the hub
// has stopped.
func (h *Hub) Register(c *Client) error {
	reg := registration{client: c, reply: make(chan error, 1)}
	select {
	case h.register <- reg:
	case <-h.ctx.Done():
		return ErrShuttingDown
	}
	return <-reg.reply
}

// Unregister removes c (if it is still the current connection for its
// username) and closes its outbound queue.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
		c.closeQueue()
	}
}

// Route hands a validated send to the Run loop. The sender learns the
// outcome from its send_ack.
func (h *Hub) Route(sender *Client, send *protocol.Send) {
	select {
	case h.route <- routeRequest{sender: sender, send: send}:
	case <-h.ctx.Done():
	}
}

// QueryPresence asks for a presence_result to be queued for c.
func (h *Hub) QueryPresence(c *Client) {
	select {
	case h.query <- c:
	case <-h.ctx.Done():
	}
}

// Run processes registrations, routing and presence queries until Shutdown
// is called. Run it in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case reg := <-h.register:
			reg.reply <- h.handleRegister(reg.client)

		case c := <-h.unregister:
			h.handleUnregister(c)

		case req := <-h.route:
			h.handleRoute(req)

		case c := <-h.query:
			h.handlePresenceQuery(c)
		}
		h.flushDrops()
	}
}

func (h *Hub) handleRegister(c *Client) error {
	if c == nil {
		h.log.Warn("Received nil client registration; skipping")
		return ErrShuttingDown
	}
	name := c.Username()

	replaced := false
	if old, ok := h.registry.Lookup(name); ok && old != c {
		if h.opts.DuplicatePolicy == RejectNew {
			h.log.Info("Rejected duplicate login",
				logger.String("user", name), logger.String("conn_id", c.ID()))
			return ErrDuplicateLogin
		}
		h.registry.Deregister(name, old)
		old.closeWith(&protocol.Error{Reason: reasonReplaced})
		h.metrics.Evictions.WithLabelValues("replaced").Inc()
		h.log.Info("Evicted previous connection",
			logger.String("user", name),
			logger.String("old_conn_id", old.ID()),
			logger.String("conn_id", c.ID()))
		replaced = true
	}

	peers := h.registry.Snapshot()
	h.registry.Register(name, c)
	c.markAuthenticated()
	h.deliver(c, &protocol.AuthOK{Username: name, Online: peers})

	// Peers learn about the new session unless replacements are configured
	// to stay silent.
	if !replaced || !h.opts.SilentReplace {
		h.broadcastPresence(name, protocol.StatusOnline, c)
	}
	h.metrics.UsersOnline.Set(float64(h.registry.Len()))

	h.log.Info("Client registered",
		logger.String("user", name),
		logger.String("conn_id", c.ID()),
		logger.Int("online", h.registry.Len()))
	return nil
}

func (h *Hub) handleUnregister(c *Client) {
	if c == nil {
		return
	}
	name := c.Username()
	removed := h.registry.Deregister(name, c)
	c.closeQueue()
	if !removed {
		return
	}

	h.broadcastPresence(name, protocol.StatusOffline, nil)
	h.metrics.UsersOnline.Set(float64(h.registry.Len()))
	h.log.Info("Client unregistered",
		logger.String("user", name),
		logger.String("conn_id", c.ID()),
		logger.Duration("connected_for", time.Since(c.ConnectedAt())),
		logger.Duration("idle_for", time.Since(c.LastActive())),
		logger.Int("online", h.registry.Len()))
}

func (h *Hub) handleRoute(req routeRequest) {
	sender := req.sender
	if !h.registry.IsCurrent(sender) {
		h.deliver(sender, &protocol.Error{Reason: reasonNotAuthenticated})
		return
	}

	to := req.send.Recipient()
	delivered := false
	if target, ok := h.registry.Lookup(to); ok {
		delivered = h.deliver(target, &protocol.Message{
			From:     sender.Username(),
			Text:     req.send.Text,
			Priority: req.send.EffectivePriority(),
			MsgID:    req.send.MsgID,
		})
	}
	h.deliver(sender, &protocol.SendAck{To: to, Delivered: delivered})
	h.metrics.MessagesRouted.WithLabelValues(strconv.FormatBool(delivered)).Inc()

	h.log.Debug("Routed message",
		logger.String("from", sender.Username()),
		logger.String("to", to),
		logger.String("msg_id", req.send.MsgID),
		logger.Bool("delivered", delivered))
}

func (h *Hub) handlePresenceQuery(c *Client) {
	if !h.registry.IsCurrent(c) {
		h.deliver(c, &protocol.Error{Reason: reasonNotAuthenticated})
		return
	}
	h.deliver(c, &protocol.PresenceResult{Online: h.registry.Snapshot()})
}

// broadcastPresence sends presence_change to every registered connection
// except skip. Each recipient sees the registry as it is after the change.
func (h *Hub) broadcastPresence(user string, status protocol.Status, skip *Client) {
	online := h.registry.Snapshot()
	frame := protocol.MustEncode(&protocol.PresenceChange{User: user, Status: status, Online: online})

	for _, peer := range h.registry.Clients() {
		if peer == skip {
			continue
		}
		h.enqueue(peer, frame)
	}
	h.metrics.PresenceBroadcasts.Inc()
	h.log.Debug("Broadcast presence change",
		logger.String("user", user),
		logger.String("status", string(status)),
		logger.Strings("online", online))

	if h.notifier != nil {
		h.notifier.Notify(presence.Change{User: user, Status: presence.Status(status), Online: online})
	}
}

// deliver encodes env and enqueues it for c.
func (h *Hub) deliver(c *Client, env protocol.Envelope) bool {
	frame, err := protocol.Encode(env)
	if err != nil {
		h.log.Error("Encoding envelope failed", logger.String("type", string(env.Kind())), logger.Error(err))
		return false
	}
	return h.enqueue(c, frame)
}

// enqueue never blocks. A connection whose queue is full is scheduled to be
// dropped once the current event is done.
func (h *Hub) enqueue(c *Client, frame []byte) bool {
	err := c.out.push(frame)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrQueueFull) {
		h.drops = append(h.drops, c)
	}
	return false
}

// flushDrops closes slow connections. Dropping one can broadcast an offline
// change that overflows another queue, so this runs until the list is empty.
func (h *Hub) flushDrops() {
	for len(h.drops) > 0 {
		c := h.drops[0]
		h.drops = h.drops[1:]
		if c.dropped {
			continue
		}
		c.dropped = true

		name := c.Username()
		h.log.Warn("Outbound queue full; dropping slow connection",
			logger.String("user", name),
			logger.String("conn_id", c.ID()),
			logger.String("remote", c.addr))
		h.metrics.Evictions.WithLabelValues("queue_full").Inc()

		removed := h.registry.Deregister(name, c)
		c.forceClose()
		if removed {
			h.broadcastPresence(name, protocol.StatusOffline, nil)
			h.metrics.UsersOnline.Set(float64(h.registry.Len()))
		}
	}
}

// attach records an upgraded connection and starts its pumps. It fails once
// shutdown has begun.
func (h *Hub) attach(c *Client) bool {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if h.closing {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.Connections.Inc()

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
	return true
}

func (h *Hub) detach(c *Client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.Connections.Dec()
	}
}

func (h *Hub) snapshotClients() []*Client {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// shutdownClients tells every connection the server is going away and lets
// the writers flush and close.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	h.clientsMu.Lock()
	h.closing = true
	h.clientsMu.Unlock()

	clients := h.snapshotClients()
	for _, c := range clients {
		c.closeWith(&protocol.Error{Reason: reasonShuttingDown})
	}
	h.registry.Reset()
	h.metrics.UsersOnline.Set(0)

	h.log.Info("Closing client connections", logger.Int("count", len(clients)))
}

// Shutdown stops the hub, asks every connection to close and waits for all
// connection goroutines to finish. Connections still open at the deadline
// are closed forcibly.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		h.log.Warn("Hub loop did not stop before the shutdown timeout")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-timer.C:
		h.log.Warn("Hub shutdown timeout reached; forcing connections closed")
		for _, c := range h.snapshotClients() {
			c.forceClose()
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return context.DeadlineExceeded
	}
}
