package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channelSource opens channels; *Connection implements it
type channelSource interface {
	Channel() (*amqp.Channel, error)
}

// ChannelPool hands out reusable channels for publishing and topology
// work. Consumers hold their own channels for their whole lifetime.
type ChannelPool struct {
	source      channelSource
	channels    chan *PooledChannel
	maxSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
	active int
	stop   chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
	confirm  bool
}

// ID identifies the channel in logs
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the maximum pool size
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithChannelIdleTimeout closes pooled channels unused for this long
func WithChannelIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a channel pool over conn
func NewChannelPool(conn *Connection, options ...ChannelPoolOption) (*ChannelPool, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection cannot be nil", ErrInvalidConfiguration)
	}
	return newChannelPool(conn, options...)
}

func newChannelPool(source channelSource, options ...ChannelPoolOption) (*ChannelPool, error) {
	pool := &ChannelPool{
		source:      source,
		maxSize:     10,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		logger:      slog.Default(),
		stop:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}
	pool.channels = make(chan *PooledChannel, pool.maxSize)

	go pool.cleanupIdle()
	return pool, nil
}

// Get takes a channel from the pool, opening one when the pool has room
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		if cp.isClosed() {
			return nil, ErrChannelPoolClosed
		}

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		default:
		}

		if cp.reserve() {
			return cp.open()
		}

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		case <-time.After(cp.waitTimeout):
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if cp.isClosed() || ch.IsClosed() {
		_ = ch.Close()
		cp.release()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.release()
	}
}

// Execute runs fn with a pooled channel. Panics inside fn become errors.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch.Channel)
}

// Size returns the number of open channels, in the pool or lent out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.active
}

// Close closes every pooled channel
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.stop)
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			_ = ch.Close()
			cp.release()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	ch, err := cp.source.Channel()
	if err != nil {
		cp.release()
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return &PooledChannel{Channel: ch, id: uuid.New().String(), lastUsed: time.Now()}, nil
}

func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.active >= cp.maxSize {
		return false
	}
	cp.active++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	if cp.active > 0 {
		cp.active--
	}
	cp.mu.Unlock()
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

// cleanupIdle closes channels that sat in the pool past the idle timeout
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.stop:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		n := len(cp.channels)
		closed := 0
		for i := 0; i < n; i++ {
			var ch *PooledChannel
			select {
			case ch = <-cp.channels:
			default:
			}
			if ch == nil {
				break
			}
			if ch.lastUsed.Before(cutoff) {
				_ = ch.Close()
				cp.release()
				closed++
				continue
			}
			select {
			case cp.channels <- ch:
			default:
				_ = ch.Close()
				cp.release()
			}
		}
		if closed > 0 {
			cp.logger.Debug("closed idle channels", "count", closed, "open", cp.Size())
		}
	}
}
