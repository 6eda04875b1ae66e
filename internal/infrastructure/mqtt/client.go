package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-hub/internal/crash"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
)

// component names this package in crash reports.
const component = "mqtt"

// Logger is the logging interface used by the client.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageHandler receives a message for a subscribed topic, with wildcards
// expanded. Handlers run on paho goroutines and should return quickly; a
// returned error is logged and counted, a panic is recovered and reported.
type MessageHandler func(topic string, payload []byte) error

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithReporter sets where handler panics are reported.
func WithReporter(r crash.Reporter) Option {
	return func(c *Client) {
		if r != nil {
			c.reporter = r
		}
	}
}

// WithMetrics records traffic and connection state in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithOnConnect registers fn to run after the first connect and every reconnect.
func WithOnConnect(fn func()) Option {
	return func(c *Client) { c.onConnect = fn }
}

// WithOnDisconnect registers fn to run when the connection is lost.
func WithOnDisconnect(fn func(err error)) Option {
	return func(c *Client) { c.onDisconnect = fn }
}

// Client is the hub's broker connection.
//
// It tracks subscriptions so they survive reconnects, keeps a retained
// online/offline status on <prefix>/system/status, and shields the
// connection from misbehaving handlers. All methods are safe for
// concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	logger       Logger
	reporter     crash.Reporter
	metrics      *Metrics
	onConnect    func()
	onDisconnect func(err error)

	connected atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]subscription
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// newClient builds an unconnected client. Connect dials it.
func newClient(cfg config.MQTTConfig, opts ...Option) *Client {
	c := &Client{
		cfg:           cfg,
		topics:        NewTopics(cfg.TopicPrefix),
		logger:        noopLogger{},
		reporter:      crash.Nop{},
		subscriptions: make(map[string]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the broker described by cfg and waits until the session is
// up, ctx is done, or the connect timeout passes.
//
// The broker is told to publish a retained offline status if the hub
// vanishes; the client publishes its online status on every (re)connect.
func Connect(ctx context.Context, cfg config.MQTTConfig, opts ...Option) (*Client, error) {
	c := newClient(cfg, opts...)

	pahoOpts := buildClientOptions(cfg)
	configureLWT(pahoOpts, c.topics, cfg.Broker.ClientID)
	pahoOpts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	pahoOpts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	pahoOpts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.metrics.reconnect()
		c.logger.Warn("MQTT reconnecting", "broker", cfg.Broker.Host)
	})

	c.client = pahomqtt.NewClient(pahoOpts)

	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-connectCtx.Done():
		// Stop the background connect retries.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, connectCtx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs asynchronously; IsConnected must be true on return.
	c.setConnected(true)
	return c, nil
}

func (c *Client) setConnected(up bool) {
	c.connected.Store(up)
	c.metrics.setConnected(up)
}

func (c *Client) handleConnect() {
	c.setConnected(true)
	c.logger.Info("MQTT connected", "subscriptions", c.SubscriptionCount())

	c.restoreSubscriptions()
	c.client.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true, statusPayload(statusOnline, c.cfg.Broker.ClientID, ""))

	if c.onConnect != nil {
		c.onConnect()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)
	c.logger.Warn("MQTT connection lost", "error", err)

	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

// restoreSubscriptions re-issues every tracked subscription after a
// reconnect. Failures are logged; the next reconnect tries again.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, sub := range c.subscriptions {
		token := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
		go func() {
			if err := waitToken(token, defaultOperationTimeout, ErrSubscribeFailed); err != nil {
				c.logger.Warn("MQTT resubscribe failed", "topic", topic, "error", err)
			}
		}()
	}
}

// Close publishes a graceful offline status, lets pending publishes drain
// and disconnects. Closing an unconnected client is not an error.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.client.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true,
			statusPayload(statusOffline, c.cfg.Broker.ClientID, reasonGraceful))
		token.WaitTimeout(defaultOperationTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

// HealthCheck reports ErrNotConnected when the broker connection is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Topics returns the topic builder for the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// QoS returns the configured default QoS.
func (c *Client) QoS() byte {
	return byte(c.cfg.QoS)
}

// IsConnected reports whether the broker session is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.connected.Load() && c.client.IsConnected()
}

// wrapHandler adapts handler to paho, counting deliveries and containing
// handler errors and panics.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.metrics.received()

		defer func() {
			if r := recover(); r != nil {
				c.metrics.handlerFailure(failurePanic)
				c.logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				report := crash.FromPanic(component, r)
				report["topic"] = msg.Topic()
				crash.Safe(c.reporter, report)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.metrics.handlerFailure(failureError)
			c.logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
