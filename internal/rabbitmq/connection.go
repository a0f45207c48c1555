package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ledfleet/eventcore/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// Connection owns the broker connection and re-establishes it when the
// broker drops it. Consumers and the channel pool ask it for the current
// *amqp.Connection on every use.
type Connection struct {
	url         string
	dial        Dialer
	dialTimeout time.Duration
	backoff     *reliability.ExponentialBackoff
	maxRetries  int
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	connected   bool
	notifyClose chan *amqp.Error
	done        chan struct{}
	closeOnce   sync.Once

	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// ConnectionOption configures the Connection
type ConnectionOption func(*Connection)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay; later attempts
// back off exponentially up to five minutes
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.backoff.InitialInterval = delay
	}
}

// WithMaxRetries bounds reconnection attempts; negative means forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(c *Connection) {
		c.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.dialTimeout = timeout
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(c *Connection) {
		c.dial = dial
	}
}

// NewConnection creates a connection to url. Nothing is dialed until Connect.
func NewConnection(url string, options ...ConnectionOption) *Connection {
	c := &Connection{
		url:         url,
		dial:        amqp.Dial,
		dialTimeout: 30 * time.Second,
		backoff:     reliability.NewExponentialBackoff(5*time.Second, 5*time.Minute, 2, 0),
		maxRetries:  -1,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Connect dials the broker and starts watching the connection
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, err := c.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(c.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	c.attach(conn)
	c.logger.Info("connected to RabbitMQ", "url", SanitizeURL(c.url))
	c.notifyConnected()

	go c.watch()
	return nil
}

// Channel opens a new channel on the current connection
func (c *Connection) Channel() (*amqp.Channel, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected reports the connection state
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection and stops reconnecting
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}

// AddStateListener registers a listener for connection state changes
func (c *Connection) AddStateListener(listener ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

func (c *Connection) current() (*amqp.Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return c.conn, nil
}

// attach installs conn as the current connection. Caller holds mu.
func (c *Connection) attach(conn *amqp.Connection) {
	c.conn = conn
	c.connected = true
	c.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Connection) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	out := make(chan result, 1)
	go func() {
		conn, err := c.dial(c.url)
		out <- result{conn, err}
	}()

	select {
	case r := <-out:
		return r.conn, r.err
	case <-dialCtx.Done():
		// close a connection that arrives after we gave up
		go func() {
			if r := <-out; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// watch waits for the broker to drop the connection and reconnects
func (c *Connection) watch() {
	for {
		c.mu.RLock()
		notify := c.notifyClose
		c.mu.RUnlock()

		select {
		case err, ok := <-notify:
			if !ok && err == nil {
				// graceful close from our side
				select {
				case <-c.done:
					return
				default:
				}
			}
			c.logger.Error("connection to RabbitMQ lost", "error", err)

			c.mu.Lock()
			c.connected = false
			c.conn = nil
			c.mu.Unlock()

			c.notifyDisconnected(err)
			if !c.reconnect() {
				return
			}
		case <-c.done:
			return
		}
	}
}

// reconnect dials until it succeeds. It returns false when the connection
// was closed or the retry budget ran out.
func (c *Connection) reconnect() bool {
	start := time.Now()
	for attempt := 0; c.maxRetries < 0 || attempt < c.maxRetries; attempt++ {
		c.notifyReconnecting(attempt + 1)

		if attempt > 0 {
			select {
			case <-time.After(c.backoff.NextDelay(attempt - 1)):
			case <-c.done:
				return false
			}
		}

		conn, err := c.dialWithTimeout(context.Background())
		if err != nil {
			c.logger.Warn("reconnection failed", "attempt", attempt+1, "error", err)
			continue
		}

		c.mu.Lock()
		select {
		case <-c.done:
			c.mu.Unlock()
			_ = conn.Close()
			return false
		default:
		}
		c.attach(conn)
		c.mu.Unlock()

		c.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start),
		)
		c.notifyConnected()
		return true
	}

	err := &ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(c.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  c.maxRetries,
	}
	c.logger.Error("giving up on RabbitMQ", "error", err)
	c.notifyDisconnected(err)
	return false
}

func (c *Connection) notifyConnected() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.listeners {
		go l.OnConnected()
	}
}

func (c *Connection) notifyDisconnected(err error) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.listeners {
		go l.OnDisconnected(err)
	}
}

func (c *Connection) notifyReconnecting(attempt int) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.listeners {
		go l.OnReconnecting(attempt)
	}
}
