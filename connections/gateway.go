package connections

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Identity is the authenticated owner of a websocket connection
type Identity struct {
	UserID   int64
	OrgID    int64
	Operator bool
}

// IdentifyFunc resolves the identity of an upgrade request
type IdentifyFunc func(r *http.Request) (Identity, error)

// AckListener receives client acknowledgments of envelopes together with
// the identity of the acknowledging connection
type AckListener interface {
	Acknowledge(envelopeID string, userID, orgID int64) bool
}

// clientFrame is sent by clients over the websocket
type clientFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
	ID     string `json:"id,omitempty"`
}

// Gateway accepts websocket clients and registers them with a Registry
type Gateway struct {
	registry     *Registry
	upgrader     websocket.Upgrader
	identify     IdentifyFunc
	acks         AckListener
	sendBuffer   int
	writeTimeout time.Duration
	pongWait     time.Duration
	pingPeriod   time.Duration
	readLimit    int64
	logger       *slog.Logger
}

// GatewayOption configures the gateway
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithIdentify sets how upgrade requests are mapped to users
func WithIdentify(fn IdentifyFunc) GatewayOption {
	return func(g *Gateway) {
		g.identify = fn
	}
}

// WithAckListener sets the receiver of client acknowledgments
func WithAckListener(acks AckListener) GatewayOption {
	return func(g *Gateway) {
		g.acks = acks
	}
}

// WithSendBuffer sets the per-connection outbound buffer size
func WithSendBuffer(size int) GatewayOption {
	return func(g *Gateway) {
		g.sendBuffer = size
	}
}

// WithWriteTimeout sets the write deadline for each frame
func WithWriteTimeout(timeout time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.writeTimeout = timeout
	}
}

// WithPongWait sets how long a silent client is kept
func WithPongWait(wait time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.pongWait = wait
		g.pingPeriod = wait * 9 / 10
	}
}

// WithCheckOrigin sets the origin policy of the upgrader
func WithCheckOrigin(fn func(r *http.Request) bool) GatewayOption {
	return func(g *Gateway) {
		g.upgrader.CheckOrigin = fn
	}
}

// NewGateway creates a websocket gateway in front of a registry
func NewGateway(registry *Registry, options ...GatewayOption) *Gateway {
	g := &Gateway{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		identify:     HeaderIdentity,
		sendBuffer:   256,
		writeTimeout: 10 * time.Second,
		pongWait:     60 * time.Second,
		pingPeriod:   54 * time.Second,
		readLimit:    4096,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(g)
	}

	return g
}

// HeaderIdentity reads X-User-ID and X-Org-ID, falling back to the userId
// and orgId query parameters. The operator flag is only taken from the
// X-Operator header. Authentication happens in front of the core.
func HeaderIdentity(r *http.Request) (Identity, error) {
	userRaw := r.Header.Get("X-User-ID")
	if userRaw == "" {
		userRaw = r.URL.Query().Get("userId")
	}
	if userRaw == "" {
		return Identity{}, errors.New("missing user id")
	}
	userID, err := strconv.ParseInt(userRaw, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid user id: %w", err)
	}

	var orgID int64
	orgRaw := r.Header.Get("X-Org-ID")
	if orgRaw == "" {
		orgRaw = r.URL.Query().Get("orgId")
	}
	if orgRaw != "" {
		if orgID, err = strconv.ParseInt(orgRaw, 10, 64); err != nil {
			return Identity{}, fmt.Errorf("invalid org id: %w", err)
		}
	}

	var operator bool
	if raw := r.Header.Get("X-Operator"); raw != "" {
		if operator, err = strconv.ParseBool(raw); err != nil {
			return Identity{}, fmt.Errorf("invalid operator flag: %w", err)
		}
	}

	return Identity{UserID: userID, OrgID: orgID, Operator: operator}, nil
}

// ServeHTTP upgrades the request and runs the connection until it closes
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err, "userId", identity.UserID)
		return
	}

	client := newWSClient(ws, g.sendBuffer)
	conn := g.registry.ConnectIdentity(identity, client)

	go g.writePump(conn, client)
	g.readPump(conn, client)
}

func (g *Gateway) readPump(conn *Connection, client *wsClient) {
	defer g.registry.Disconnect(conn)

	client.ws.SetReadLimit(g.readLimit)
	_ = client.ws.SetReadDeadline(time.Now().Add(g.pongWait))
	client.ws.SetPongHandler(func(string) error {
		return client.ws.SetReadDeadline(time.Now().Add(g.pongWait))
	})

	for {
		_, data, err := client.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("websocket read failed", "connectionId", conn.ID, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.logger.Debug("ignoring invalid client frame", "connectionId", conn.ID, "error", err)
			continue
		}
		g.handleClientFrame(conn, frame)
	}
}

func (g *Gateway) handleClientFrame(conn *Connection, frame clientFrame) {
	switch frame.Action {
	case "subscribe":
		if err := g.registry.Subscribe(conn, frame.Topic); err != nil {
			g.logger.Warn("subscription refused",
				"connectionId", conn.ID,
				"topic", frame.Topic,
				"error", err,
			)
		}
	case "unsubscribe":
		g.registry.Unsubscribe(conn, frame.Topic)
	case "ack":
		if g.acks != nil && frame.ID != "" {
			g.acks.Acknowledge(frame.ID, conn.UserID, conn.OrgID)
		}
	case "ping":
	default:
		g.logger.Debug("unknown client action", "connectionId", conn.ID, "action", frame.Action)
	}
}

func (g *Gateway) writePump(conn *Connection, client *wsClient) {
	ticker := time.NewTicker(g.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-client.send:
			_ = client.ws.SetWriteDeadline(time.Now().Add(g.writeTimeout))
			if !ok {
				_ = client.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.ws.WriteJSON(frame); err != nil {
				g.logger.Warn("websocket write failed", "connectionId", conn.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = client.ws.SetWriteDeadline(time.Now().Add(g.writeTimeout))
			if err := client.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsClient is the Sender of a websocket connection
type wsClient struct {
	ws     *websocket.Conn
	send   chan Frame
	mu     sync.Mutex
	closed bool
}

func newWSClient(ws *websocket.Conn, buffer int) *wsClient {
	return &wsClient{
		ws:   ws,
		send: make(chan Frame, buffer),
	}
}

// Send enqueues a frame without blocking the dispatching worker
func (c *wsClient) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump
func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}
