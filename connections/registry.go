package connections

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/routing"
)

var (
	// ErrConnectionClosed is returned by senders after the connection went away
	ErrConnectionClosed = errors.New("connections: connection closed")

	// ErrSendBufferFull is returned when a slow client cannot accept a frame
	ErrSendBufferFull = errors.New("connections: send buffer full")

	// ErrNotRegistered is returned for operations on a removed connection
	ErrNotRegistered = errors.New("connections: connection not registered")

	// ErrTopicForbidden is returned when a connection subscribes outside its scope
	ErrTopicForbidden = errors.New("connections: topic not allowed for connection")
)

// Frame is what a client receives: an envelope addressed to a destination
type Frame struct {
	Destination string              `json:"destination"`
	Envelope    *contracts.Envelope `json:"envelope"`
}

// Sender writes frames to one client transport
type Sender interface {
	Send(frame Frame) error
	Close() error
}

// Metrics receives registry events
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameDropped(reason string)
}

// Connection is the handle for one live client connection
type Connection struct {
	ID          string
	UserID      int64
	OrgID       int64
	Operator    bool
	ConnectedAt time.Time

	sender Sender
	topics map[string]struct{} // guarded by Registry.mu
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Connections   int `json:"connections"`
	Users         int `json:"users"`
	Organizations int `json:"organizations"`
	Topics        int `json:"topics"`
}

// Registry indexes live connections
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	byUser  map[int64]map[string]*Connection
	byOrg   map[int64]map[string]*Connection
	byTopic map[string]map[string]*Connection

	logger  *slog.Logger
	metrics Metrics
}

// RegistryOption configures the registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics sink
func WithRegistryMetrics(metrics Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// NewRegistry creates an empty registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		conns:   make(map[string]*Connection),
		byUser:  make(map[int64]map[string]*Connection),
		byOrg:   make(map[int64]map[string]*Connection),
		byTopic: make(map[string]map[string]*Connection),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Connect registers a new connection for a user. orgID 0 means the user has
// no organization.
func (r *Registry) Connect(userID, orgID int64, sender Sender) *Connection {
	return r.ConnectIdentity(Identity{UserID: userID, OrgID: orgID}, sender)
}

// ConnectIdentity registers a new connection carrying the full identity,
// including the operator flag that opens the ops topics
func (r *Registry) ConnectIdentity(identity Identity, sender Sender) *Connection {
	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      identity.UserID,
		OrgID:       identity.OrgID,
		Operator:    identity.Operator,
		ConnectedAt: time.Now(),
		sender:      sender,
		topics:      make(map[string]struct{}),
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	addTo(r.byUser, conn.UserID, conn)
	if conn.OrgID != 0 {
		addTo(r.byOrg, conn.OrgID, conn)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionOpened()
	}

	r.logger.Info("client connected",
		"connectionId", conn.ID,
		"userId", conn.UserID,
		"orgId", conn.OrgID,
		"operator", conn.Operator,
		"connections", total,
	)

	return conn
}

// Disconnect removes a connection. It returns false when the connection was
// already gone.
func (r *Registry) Disconnect(conn *Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	if _, ok := r.conns[conn.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, conn.ID)
	removeFrom(r.byUser, conn.UserID, conn.ID)
	if conn.OrgID != 0 {
		removeFrom(r.byOrg, conn.OrgID, conn.ID)
	}
	for topic := range conn.topics {
		removeFrom(r.byTopic, topic, conn.ID)
	}
	conn.topics = make(map[string]struct{})
	total := len(r.conns)
	r.mu.Unlock()

	if conn.sender != nil {
		_ = conn.sender.Close()
	}
	if r.metrics != nil {
		r.metrics.ConnectionClosed()
	}

	r.logger.Info("client disconnected",
		"connectionId", conn.ID,
		"userId", conn.UserID,
		"connections", total,
	)

	return true
}

// Subscribe adds a topic subscription for a connection
func (r *Registry) Subscribe(conn *Connection, topic string) error {
	if !allowed(conn, topic) {
		return ErrTopicForbidden
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID]; !ok {
		return ErrNotRegistered
	}
	conn.topics[topic] = struct{}{}
	addTo(r.byTopic, topic, conn)
	return nil
}

// Unsubscribe removes a topic subscription
func (r *Registry) Unsubscribe(conn *Connection, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(conn.topics, topic)
	removeFrom(r.byTopic, topic, conn.ID)
}

// SendToUser delivers a frame to every connection of a user
func (r *Registry) SendToUser(ctx context.Context, userID int64, frame Frame) int {
	r.mu.RLock()
	targets := snapshot(r.byUser[userID])
	r.mu.RUnlock()

	return r.deliver(ctx, targets, frame)
}

// BroadcastToOrganization delivers a frame to every connection of an organization
func (r *Registry) BroadcastToOrganization(ctx context.Context, orgID int64, frame Frame) int {
	r.mu.RLock()
	targets := snapshot(r.byOrg[orgID])
	r.mu.RUnlock()

	return r.deliver(ctx, targets, frame)
}

// BroadcastToAll delivers a frame to every live connection
func (r *Registry) BroadcastToAll(ctx context.Context, frame Frame) int {
	r.mu.RLock()
	targets := snapshot(r.conns)
	r.mu.RUnlock()

	return r.deliver(ctx, targets, frame)
}

// PublishToTopic delivers a frame to the subscribers of a topic
func (r *Registry) PublishToTopic(ctx context.Context, topic string, frame Frame) int {
	r.mu.RLock()
	targets := snapshot(r.byTopic[topic])
	r.mu.RUnlock()

	return r.deliver(ctx, targets, frame)
}

// IsOnline reports whether a user has at least one live connection
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns the sorted ids of connected users in an organization
func (r *Registry) OnlineUsers(orgID int64) []int64 {
	r.mu.RLock()
	seen := make(map[int64]struct{})
	for _, c := range r.byOrg[orgID] {
		seen[c.UserID] = struct{}{}
	}
	r.mu.RUnlock()

	users := make([]int64, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Stats returns registry counters
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Connections:   len(r.conns),
		Users:         len(r.byUser),
		Organizations: len(r.byOrg),
		Topics:        len(r.byTopic),
	}
}

func (r *Registry) deliver(ctx context.Context, targets []*Connection, frame Frame) int {
	delivered := 0
	for _, conn := range targets {
		if ctx.Err() != nil {
			break
		}
		if conn.sender == nil {
			continue
		}
		if err := conn.sender.Send(frame); err != nil {
			r.dropped(conn, frame, err)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) dropped(conn *Connection, frame Frame, err error) {
	reason := "send_error"
	switch {
	case errors.Is(err, ErrSendBufferFull):
		reason = "buffer_full"
	case errors.Is(err, ErrConnectionClosed):
		reason = "closed"
	}
	if r.metrics != nil {
		r.metrics.FrameDropped(reason)
	}
	r.logger.Warn("frame not delivered",
		"connectionId", conn.ID,
		"userId", conn.UserID,
		"destination", frame.Destination,
		"reason", reason,
		"error", err,
	)
}

// allowed keeps clients inside their own user and organization scope.
// Resource topics sit under the owning organization; ops topics need an
// operator identity.
func allowed(conn *Connection, topic string) bool {
	switch {
	case strings.HasPrefix(topic, "/user/"):
		return topic == routing.UserDestination(conn.UserID)
	case strings.HasPrefix(topic, "/topic/org/"):
		return conn.OrgID != 0 && routing.InOrganization(topic, conn.OrgID)
	case routing.IsOps(topic):
		return conn.Operator
	case routing.IsGlobal(topic):
		return true
	}
	return false
}

func addTo[K comparable](index map[K]map[string]*Connection, key K, conn *Connection) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*Connection)
		index[key] = set
	}
	set[conn.ID] = conn
}

func removeFrom[K comparable](index map[K]map[string]*Connection, key K, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func snapshot(set map[string]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
