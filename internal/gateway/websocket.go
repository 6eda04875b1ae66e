package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-hub/internal/bus"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
)

// WebSocket message types. Clients send ping, command and event; the
// gateway sends everything else.
const (
	WSTypePing     = "ping"
	WSTypePong     = "pong"
	WSTypeEvent    = "event"
	WSTypeCommand  = "command"
	WSTypeResponse = "response"
	WSTypeWelcome  = "welcome"
	WSTypeError    = "error"
)

const (
	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	// wsMaxInFlight bounds the commands one client may have waiting on the bus.
	wsMaxInFlight = 16
)

// forwardedMessage answers commands addressed to a WebSocket mailbox.
const forwardedMessage = "forwarded to websocket client"

// WSMessage is a message sent by the gateway.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSRequest is a message sent by a client. ID is echoed on the reply.
//
// A command goes to To and, unless Timeout is 0, the reply carries the
// module's response. Timeout is in seconds and defaults to the bus push
// timeout. An event is broadcast and acknowledged at once.
type WSRequest struct {
	Type     string         `json:"type"`
	ID       string         `json:"id,omitempty"`
	To       string         `json:"to,omitempty"`
	Command  string         `json:"command,omitempty"`
	Event    string         `json:"event,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
	Timeout  *float64       `json:"timeout,omitempty"`
}

// wsTimings holds the keepalive settings of a connection.
type wsTimings struct {
	maxSize      int64
	pingInterval time.Duration
	pongWait     time.Duration
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	return wsTimings{
		maxSize:      int64(cfg.MaxMessageSize),
		pingInterval: cfg.PingEvery(),
		pongWait:     cfg.PongWait(),
	}
}

// readDeadline is the latest a pong or message may arrive.
func (t wsTimings) readDeadline() time.Time {
	return time.Now().Add(t.pingInterval + t.pongWait)
}

// Hub tracks the connected WebSocket clients.
type Hub struct {
	timings wsTimings
	logger  *logging.Logger
	metrics *Metrics

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connected WebSocket client and its rpc mailbox.
type WSClient struct {
	hub     *Hub
	bus     *bus.Bus
	conn    *websocket.Conn
	send    chan []byte
	mailbox string

	ctx      context.Context
	cancel   context.CancelFunc
	inFlight chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, metrics *Metrics) *Hub {
	return &Hub{
		timings: newWSTimings(cfg),
		logger:  logger,
		metrics: metrics,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.setClients(count)
	h.logger.Debug("websocket client connected", "mailbox", client.mailbox, "clients", count)
}

// unregister removes a client. Only the caller that removes it from the map
// closes its send channel.
func (h *Hub) unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	count := len(h.clients)
	h.mu.Unlock()

	if !existed {
		return
	}
	client.cancel()
	close(client.send)
	h.metrics.setClients(count)
	h.logger.Debug("websocket client disconnected", "mailbox", client.mailbox, "clients", count)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.cancel()
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
	h.metrics.setClients(0)
}

// handleWebSocket upgrades the connection and binds it to a fresh rpc mailbox.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	mailbox := bus.RPCPrefix + uuid.NewString()
	if err := s.bus.Subscribe(mailbox); err != nil {
		busError(err).write(w)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		s.bus.Unsubscribe(mailbox) //nolint:errcheck // Mailbox was never used
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &WSClient{
		hub:      s.hub,
		bus:      s.bus,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		mailbox:  mailbox,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(chan struct{}, wsMaxInFlight),
	}

	s.hub.register(client)
	client.reply(WSTypeWelcome, "", map[string]string{"mailbox": mailbox})

	go client.writePump()
	go client.readPump()
	go client.busPump()
}

// busPump forwards everything pulled from the client's mailbox. Commands
// addressed to the mailbox are answered on the client's behalf. The mailbox
// is removed when the pump exits.
func (c *WSClient) busPump() {
	defer func() {
		if err := c.bus.Unsubscribe(c.mailbox); err != nil && !errors.Is(err, bus.ErrBusStopped) {
			c.hub.logger.Debug("websocket mailbox already gone", "mailbox", c.mailbox, "error", err)
		}
		// Wakes readPump so the client is unregistered.
		c.conn.Close()
	}()

	pullTimeout := c.bus.Config().DefaultPullTimeout
	for {
		env, err := c.bus.Pull(c.ctx, c.mailbox, pullTimeout)
		switch {
		case errors.Is(err, bus.ErrNoMessageAvailable):
			continue
		case err != nil:
			if c.ctx.Err() == nil {
				c.hub.logger.Debug("websocket bus pump stopped", "mailbox", c.mailbox, "error", err)
			}
			return
		case env == nil:
			continue
		}

		if env.ExpectsResponse() {
			env.Respond(bus.Response{Message: forwardedMessage})
		}

		msg := WSMessage{Type: WSTypeEvent, ID: env.ID, EventType: env.Request.Event, Payload: env.Request}
		if env.Request.IsCommand() {
			msg.Type, msg.EventType = WSTypeCommand, env.Request.Command
		}
		c.sendMessage(msg)
	}
}

// readPump reads client messages until the connection fails.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	t := c.hub.timings
	c.conn.SetReadLimit(t.maxSize)
	c.conn.SetReadDeadline(t.readDeadline()) //nolint:errcheck // Best-effort deadline
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(t.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "mailbox", c.mailbox, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(t.readDeadline()) //nolint:errcheck // Best-effort deadline
		c.handleMessage(data)
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *WSClient) writePump() {
	t := c.hub.timings
	ticker := time.NewTicker(t.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(t.pongWait)) //nolint:errcheck // Write error caught by caller
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // Best-effort close frame
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one client message.
func (c *WSClient) handleMessage(data []byte) {
	var req WSRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.replyError("", badRequest("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypePing:
		c.reply(WSTypePong, req.ID, nil)
	case WSTypeCommand:
		c.handleCommand(req)
	case WSTypeEvent:
		c.handleEvent(req)
	default:
		c.replyError(req.ID, badRequest("unknown message type: "+req.Type))
	}
}

// handleCommand pushes a client command from the client's mailbox. The wait
// for the response runs off the read loop.
func (c *WSClient) handleCommand(req WSRequest) {
	reject := func(msg string) {
		c.replyError(req.ID, invalid(msg))
	}
	if req.To == "" || req.Command == "" {
		reject("command messages need to and command")
		return
	}

	timeout := c.bus.Config().DefaultPushTimeout
	if req.Timeout != nil {
		var err error
		if timeout, err = secondsTimeout(*req.Timeout); err != nil {
			reject(err.Error())
			return
		}
	}

	select {
	case c.inFlight <- struct{}{}:
	default:
		reject("too many commands in flight")
		return
	}

	cmd := bus.NewCommand(c.mailbox, req.To, req.Command, req.Params)
	cmd.DeviceID = req.DeviceID
	go func() {
		defer func() { <-c.inFlight }()

		resp, err := c.bus.Push(c.ctx, cmd, timeout)
		if err != nil {
			if c.ctx.Err() == nil {
				c.replyError(req.ID, busError(err))
			}
			return
		}
		c.reply(WSTypeResponse, req.ID, CommandResponse{
			Module:   bus.NormaliseName(req.To),
			Command:  req.Command,
			Accepted: true,
			Response: resp,
		})
	}()
}

// handleEvent broadcasts a client event from the client's mailbox.
func (c *WSClient) handleEvent(req WSRequest) {
	if req.Event == "" {
		c.replyError(req.ID, invalid("event messages need event"))
		return
	}

	ev := bus.NewEvent(c.mailbox, req.Event, req.Params)
	ev.DeviceID = req.DeviceID
	if _, err := c.bus.Push(c.ctx, ev, 0); err != nil {
		c.replyError(req.ID, busError(err))
		return
	}
	c.reply(WSTypeResponse, req.ID, map[string]any{"event": req.Event, "accepted": true})
}

func (c *WSClient) reply(msgType, id string, payload any) {
	c.sendMessage(WSMessage{Type: msgType, ID: id, Payload: payload})
}

func (c *WSClient) replyError(id string, e Error) {
	c.reply(WSTypeError, id, e)
}

// sendMessage stamps and queues msg.
func (c *WSClient) sendMessage(msg WSMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("failed to marshal websocket message", "type", msg.Type, "error", err)
		return
	}
	c.trySend(data)
}

// trySend queues data for the client, dropping it when the buffer is full
// or the client has gone.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("websocket send buffer full, message dropped", "mailbox", c.mailbox)
	}
}
