// Copyright 2024 The eventcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledfleet/eventcore/classifiers"
	"github.com/ledfleet/eventcore/connections"
	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/config"
	"github.com/ledfleet/eventcore/internal/kvstore"
	"github.com/ledfleet/eventcore/internal/rabbitmq"
	"github.com/ledfleet/eventcore/internal/reliability"
	"github.com/ledfleet/eventcore/messaging"
	"github.com/ledfleet/eventcore/monitor"
	"github.com/ledfleet/eventcore/progress"
)

// ErrNotConnected is returned by broker operations before Connect
var ErrNotConnected = errors.New("eventcore: broker not connected")

const deadLetterBreaker = "deadletter-store"

// Core owns every component of the delivery pipeline: the connection
// registry, the classifiers, the engine and, once connected, the broker
// consumers and publisher.
type Core struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *monitor.PrometheusCollector
	health  *monitor.HealthRegistry

	store       kvstore.Store
	deadLetters *reliability.DeadLetterHandler
	registry    *connections.Registry
	gateway     *connections.Gateway
	acks        *messaging.AckTracker
	aggregator  *progress.Aggregator
	dispatcher  *messaging.Dispatcher
	engine      *messaging.Engine

	conn      *rabbitmq.Connection
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumers []*rabbitmq.Consumer
}

type coreConfig struct {
	logger   *slog.Logger
	store    kvstore.Store
	identify connections.IdentifyFunc
	dialer   rabbitmq.Dialer
}

// Option configures the Core
type Option func(*coreConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *coreConfig) {
		cfg.logger = logger
	}
}

// WithStore overrides the dead-letter store chosen from configuration
func WithStore(store kvstore.Store) Option {
	return func(cfg *coreConfig) {
		cfg.store = store
	}
}

// WithIdentify sets how websocket upgrades are mapped to a user
func WithIdentify(fn connections.IdentifyFunc) Option {
	return func(cfg *coreConfig) {
		cfg.identify = fn
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(cfg *coreConfig) {
		cfg.dialer = dial
	}
}

// New builds the in-process pipeline. The broker is not touched until
// Connect.
func New(ctx context.Context, cfg *config.Config, options ...Option) (*Core, error) {
	cc := &coreConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}

	store := cc.store
	if store == nil {
		var err error
		if store, err = openStore(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}

	logger := cc.logger
	metrics := monitor.NewPrometheusCollector()

	registry := connections.NewRegistry(
		connections.WithRegistryLogger(logger),
		connections.WithRegistryMetrics(metrics),
	)
	acks := messaging.NewAckTracker(
		messaging.WithAckTimeout(cfg.Delivery.AckTimeout),
		messaging.WithAckMetrics(metrics),
		messaging.WithAckLogger(logger),
	)
	dispatcher := messaging.NewDispatcher(registry,
		messaging.WithDispatcherLogger(logger),
		messaging.WithDispatcherMetrics(metrics),
		messaging.WithAckTracker(acks),
	)

	breaker := reliability.NewCircuitBreaker(
		reliability.WithName(deadLetterBreaker),
		reliability.WithStateListener(metrics),
	)
	deadLetters := reliability.NewDeadLetterHandler(store,
		reliability.WithDeadLetterLogger(logger),
		reliability.WithAlerter(messaging.NewOpsAlerter(dispatcher, logger)),
		reliability.WithDeadLetterMetrics(metrics),
		reliability.WithStoreBreaker(breaker),
	)

	aggregator := progress.NewAggregator(
		progress.WithThrottleWindow(cfg.Delivery.ProgressThrottle),
		progress.WithIdleTimeout(cfg.Delivery.BatchIdleTimeout),
		progress.WithMetrics(metrics),
		progress.WithLogger(logger),
	)
	classifierRegistry, err := classifiers.NewRegistry(
		classifiers.NewBuilder(classifiers.WithService(cfg.App.Name)),
		aggregator,
		logger,
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build classifiers: %w", err)
	}

	engine := messaging.NewEngine(classifierRegistry, dispatcher, deadLetters,
		messaging.WithEngineLogger(logger),
		messaging.WithEngineMetrics(metrics),
		messaging.WithMessageTimeout(cfg.Delivery.MessageTimeout),
		messaging.WithAttemptTracker(reliability.NewAttemptTracker(
			reliability.WithAttemptTTL(cfg.Delivery.AttemptTTL),
		)),
	)

	gatewayOpts := []connections.GatewayOption{
		connections.WithGatewayLogger(logger),
		connections.WithAckListener(acks),
		connections.WithSendBuffer(cfg.Delivery.SendBuffer),
	}
	if cc.identify != nil {
		gatewayOpts = append(gatewayOpts, connections.WithIdentify(cc.identify))
	}

	health := monitor.NewHealthRegistry()
	health.SetMetadata("service", cfg.App.Name)
	health.SetMetadata("version", cfg.App.Version)
	health.Register(monitor.NewPingChecker("deadletters", deadLetters, monitor.StatusDegraded))
	health.Register(monitor.NewConnectionsChecker(registry))
	health.Register(monitor.NewRuntimeChecker(5000, 20000))

	c := &Core{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		health:      health,
		store:       store,
		deadLetters: deadLetters,
		registry:    registry,
		gateway:     connections.NewGateway(registry, gatewayOpts...),
		acks:        acks,
		aggregator:  aggregator,
		dispatcher:  dispatcher,
		engine:      engine,
	}
	if cc.dialer != nil {
		c.conn = c.newConnection(rabbitmq.WithDialer(cc.dialer))
	}
	return c, nil
}

func openStore(ctx context.Context, cfg config.Redis) (kvstore.Store, error) {
	if cfg.Addr == "" {
		return kvstore.NewMemoryStore(), nil
	}
	store, err := kvstore.NewRedisStore(ctx, kvstore.RedisConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter store: %w", err)
	}
	return store, nil
}

func (c *Core) newConnection(extra ...rabbitmq.ConnectionOption) *rabbitmq.Connection {
	opts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithConnectionLogger(c.logger),
		rabbitmq.WithReconnectDelay(c.cfg.RabbitMQ.ReconnectDelay),
		rabbitmq.WithDialTimeout(c.cfg.RabbitMQ.DialTimeout),
		rabbitmq.WithMaxRetries(-1),
	}, extra...)
	conn := rabbitmq.NewConnection(c.cfg.RabbitMQ.URL, opts...)
	conn.AddStateListener(c.metrics)
	return conn
}

// Connect dials the broker, declares the event topology and prepares one
// consumer per configured family queue
func (c *Core) Connect(ctx context.Context) error {
	if c.conn == nil {
		c.conn = c.newConnection()
	}
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	pool, err := rabbitmq.NewChannelPool(c.conn,
		rabbitmq.WithMaxChannels(c.cfg.RabbitMQ.MaxChannels),
		rabbitmq.WithChannelLogger(c.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create channel pool: %w", err)
	}
	c.pool = pool

	if err := rabbitmq.Declare(ctx, pool, rabbitmq.EventTopology()); err != nil {
		return err
	}

	c.publisher = rabbitmq.NewPublisher(pool,
		rabbitmq.WithPublishTimeout(c.cfg.RabbitMQ.PublishTimeout),
		rabbitmq.WithPublisherLogger(c.logger),
	)

	families, err := c.families()
	if err != nil {
		return err
	}

	queues := make([]string, 0, len(families)*2)
	for _, family := range families {
		queue := rabbitmq.QueueName(family)
		consumer, err := rabbitmq.NewConsumer(c.conn, queue, c.handle,
			rabbitmq.WithWorkers(c.cfg.RabbitMQ.MinWorkers, c.cfg.RabbitMQ.MaxWorkers),
			rabbitmq.WithWorkerIdleTimeout(c.cfg.RabbitMQ.WorkerIdleTimeout),
			rabbitmq.WithWorkerMetrics(c.metrics),
			rabbitmq.WithConsumerLogger(c.logger),
		)
		if err != nil {
			return fmt.Errorf("failed to create consumer for %s: %w", queue, err)
		}
		c.consumers = append(c.consumers, consumer)
		queues = append(queues, queue, rabbitmq.DeadLetterQueue(queue))
	}

	c.health.Register(monitor.NewBrokerChecker(c.conn))
	c.health.Register(monitor.NewQueueDepthChecker(pool, queues, monitor.DefaultQueueDepthThreshold))

	c.logger.Info("broker connected", "url", rabbitmq.SanitizeURL(c.cfg.RabbitMQ.URL), "queues", len(c.consumers))
	return nil
}

func (c *Core) families() ([]contracts.Family, error) {
	if len(c.cfg.RabbitMQ.Families) == 0 {
		return rabbitmq.ConsumedFamilies, nil
	}
	known := make(map[contracts.Family]bool, len(rabbitmq.ConsumedFamilies))
	for _, f := range rabbitmq.ConsumedFamilies {
		known[f] = true
	}
	families := make([]contracts.Family, 0, len(c.cfg.RabbitMQ.Families))
	for _, name := range c.cfg.RabbitMQ.Families {
		f := contracts.Family(name)
		if !known[f] {
			return nil, fmt.Errorf("unknown event family %q", name)
		}
		families = append(families, f)
	}
	return families, nil
}

func (c *Core) handle(ctx context.Context, d rabbitmq.Delivery) {
	c.engine.ConsumeBody(ctx, d.Queue, d.RoutingKey, d.Body, d.Ack)
}

// Run drives the consumers and the periodic sweeps until ctx ends
func (c *Core) Run(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)

	for _, consumer := range c.consumers {
		consumer := consumer
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}
	g.Go(func() error {
		return c.aggregator.Run(ctx)
	})
	g.Go(func() error {
		return c.acks.Run(ctx)
	})
	g.Go(func() error {
		return c.sweepAttempts(ctx, c.cfg.Delivery.AttemptTTL/4)
	})

	if err := g.Wait(); err != nil && parent.Err() == nil {
		return err
	}
	return nil
}

func (c *Core) sweepAttempts(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.engine.Attempts().Sweep(); n > 0 {
				c.logger.Debug("swept retry attempts", "count", n)
			}
		}
	}
}

// Publish sends an event to the events exchange and returns its routing key
func (c *Core) Publish(ctx context.Context, event *contracts.Event) (string, error) {
	if c.publisher == nil {
		return "", ErrNotConnected
	}
	return c.publisher.PublishEvent(ctx, event)
}

func (c *Core) Engine() *messaging.Engine {
	return c.engine
}

func (c *Core) Registry() *connections.Registry {
	return c.registry
}

func (c *Core) DeadLetters() *reliability.DeadLetterHandler {
	return c.deadLetters
}

func (c *Core) Aggregator() *progress.Aggregator {
	return c.aggregator
}

func (c *Core) Health() *monitor.HealthRegistry {
	return c.health
}

func (c *Core) Metrics() *monitor.PrometheusCollector {
	return c.metrics
}

// Close releases the broker and the dead-letter store. Consumers stop when
// the context given to Run ends.
func (c *Core) Close() error {
	var errs []error
	if c.pool != nil {
		errs = append(errs, c.pool.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	errs = append(errs, c.store.Close())
	return errors.Join(errs...)
}
