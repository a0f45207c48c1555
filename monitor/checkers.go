package monitor

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ledfleet/eventcore/connections"
	"github.com/ledfleet/eventcore/internal/rabbitmq"
)

// DefaultQueueDepthThreshold marks a queue backlog as degraded
const DefaultQueueDepthThreshold = 10000

type brokerConnection interface {
	IsConnected() bool
	Channel() (*amqp.Channel, error)
}

// BrokerChecker reports whether the broker connection can open a channel
type BrokerChecker struct {
	conn brokerConnection
	now  func() time.Time
}

func NewBrokerChecker(conn *rabbitmq.Connection) *BrokerChecker {
	return &BrokerChecker{conn: conn, now: time.Now}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(_ context.Context) CheckResult {
	start := c.now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "connection is down"
		result.Duration = c.now().Sub(start)
		return result
	}

	ch, err := c.conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = c.now().Sub(start)
		return result
	}
	if ch != nil {
		_ = ch.Close()
	}

	result.Status = StatusHealthy
	result.Message = "connected"
	result.Duration = c.now().Sub(start)
	return result
}

// QueueDepthChecker reports ready-message backlogs on the event queues.
// A queue over the threshold, or any dead-letter queue holding messages,
// degrades the result.
type QueueDepthChecker struct {
	queues    []string
	threshold int
	depth     func(ctx context.Context, queue string) (int, error)
	now       func() time.Time
}

func NewQueueDepthChecker(pool *rabbitmq.ChannelPool, queues []string, threshold int) *QueueDepthChecker {
	return newQueueDepthChecker(queues, threshold, func(ctx context.Context, queue string) (int, error) {
		return rabbitmq.QueueDepth(ctx, pool, queue)
	})
}

func newQueueDepthChecker(queues []string, threshold int, depth func(context.Context, string) (int, error)) *QueueDepthChecker {
	if threshold <= 0 {
		threshold = DefaultQueueDepthThreshold
	}
	return &QueueDepthChecker{
		queues:    queues,
		threshold: threshold,
		depth:     depth,
		now:       time.Now,
	}
}

func (c *QueueDepthChecker) Name() string {
	return "queues"
}

func (c *QueueDepthChecker) Check(ctx context.Context) CheckResult {
	start := c.now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]any, len(c.queues)),
	}

	var backlogged, failed []string
	for _, queue := range c.queues {
		n, err := c.depth(ctx, queue)
		if err != nil {
			failed = append(failed, queue)
			result.Details[queue] = err.Error()
			continue
		}
		result.Details[queue] = n
		if n > c.threshold || (n > 0 && isDeadLetterQueue(queue)) {
			backlogged = append(backlogged, queue)
		}
	}

	switch {
	case len(failed) > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("failed to inspect %d queues", len(failed))
		result.Error = fmt.Sprintf("%v", failed)
	case len(backlogged) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("backlog on %v", backlogged)
	default:
		result.Message = "queues drained"
	}
	result.Duration = c.now().Sub(start)
	return result
}

func isDeadLetterQueue(queue string) bool {
	return strings.HasSuffix(queue, ".dlq")
}

// Pinger is anything with a liveness round trip, such as the dead-letter store
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker maps a failed ping to the configured status
type PingChecker struct {
	name      string
	pinger    Pinger
	onFailure Status
	now       func() time.Time
}

// NewPingChecker creates a checker. onFailure is usually StatusDegraded for
// stores off the delivery path.
func NewPingChecker(name string, pinger Pinger, onFailure Status) *PingChecker {
	return &PingChecker{name: name, pinger: pinger, onFailure: onFailure, now: time.Now}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := c.now()
	result := CheckResult{Name: c.name, Status: StatusHealthy, Timestamp: start}
	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = c.onFailure
		result.Message = "ping failed"
		result.Error = err.Error()
	}
	result.Duration = c.now().Sub(start)
	return result
}

type statsSource interface {
	Stats() connections.Stats
}

// ConnectionsChecker reports connection registry occupancy. It never fails.
type ConnectionsChecker struct {
	registry statsSource
	now      func() time.Time
}

func NewConnectionsChecker(registry *connections.Registry) *ConnectionsChecker {
	return &ConnectionsChecker{registry: registry, now: time.Now}
}

func (c *ConnectionsChecker) Name() string {
	return "connections"
}

func (c *ConnectionsChecker) Check(_ context.Context) CheckResult {
	stats := c.registry.Stats()
	return CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: c.now(),
		Details: map[string]any{
			"connections":   stats.Connections,
			"users":         stats.Users,
			"organizations": stats.Organizations,
			"topics":        stats.Topics,
		},
	}
}

// RuntimeChecker watches goroutine count
type RuntimeChecker struct {
	degradedAbove  int
	unhealthyAbove int
	goroutines     func() int
	now            func() time.Time
}

func NewRuntimeChecker(degradedAbove, unhealthyAbove int) *RuntimeChecker {
	return &RuntimeChecker{
		degradedAbove:  degradedAbove,
		unhealthyAbove: unhealthyAbove,
		goroutines:     runtime.NumGoroutine,
		now:            time.Now,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(_ context.Context) CheckResult {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	n := c.goroutines()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: c.now(),
		Details: map[string]any{
			"goroutines":  n,
			"heapAllocMb": mem.HeapAlloc / 1024 / 1024,
			"numGC":       mem.NumGC,
		},
	}
	switch {
	case c.unhealthyAbove > 0 && n > c.unhealthyAbove:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d goroutines", n)
	case c.degradedAbove > 0 && n > c.degradedAbove:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d goroutines", n)
	}
	return result
}
