package messagebus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/observability"
	"github.com/Mohmdhamad/oms-microservices/internal/transport"
)

// NATSConfig конфигурация NATS адаптера
type NATSConfig struct {
	URL               string
	Exchanges         []string
	MaxReconnects     int
	ReconnectWait     time.Duration
	ConnectionTimeout time.Duration
	AckWait           time.Duration
	Username          string
	Password          string
	Retry             transport.RetryPolicy
	EnableMetrics     bool
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return fmt.Errorf("URL must start with nats:// or tls://")
	}
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               "nats://localhost:4222",
		Exchanges:         []string{transport.ExchangeOrders, transport.ExchangeProducts, transport.ExchangePayments},
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		AckWait:           30 * time.Second,
		Retry:             transport.DefaultRetryPolicy(),
		EnableMetrics:     true,
	}
}

// NATSAdapter реализация MessageBus через NATS JetStream.
// Каждый exchange моделируется durable стримом с сабжектами "<exchange>.>",
// durable очередь потребителя - durable consumer с явным ack.
type NATSAdapter struct {
	config  NATSConfig
	logger  *zap.Logger
	conn    *nats.Conn
	js      nats.JetStreamContext
	subs    map[string][]*nats.Subscription
	queueMu map[string]*sync.Mutex
	metrics *observability.BusMetrics
	mu      sync.RWMutex
	running bool
}

// NATSAdapterBuilder построитель NATS адаптера
type NATSAdapterBuilder struct {
	config NATSConfig
	logger *zap.Logger
}

// NewNATSAdapterBuilder создает новый построитель NATS адаптера
func NewNATSAdapterBuilder() *NATSAdapterBuilder {
	return &NATSAdapterBuilder{config: DefaultNATSConfig()}
}

// WithURL устанавливает URL NATS сервера
func (b *NATSAdapterBuilder) WithURL(url string) *NATSAdapterBuilder {
	b.config.URL = url
	return b
}

// WithExchanges устанавливает список exchange, объявляемых при старте
func (b *NATSAdapterBuilder) WithExchanges(exchanges ...string) *NATSAdapterBuilder {
	b.config.Exchanges = exchanges
	return b
}

// WithCredentials устанавливает username и password
func (b *NATSAdapterBuilder) WithCredentials(username, password string) *NATSAdapterBuilder {
	b.config.Username = username
	b.config.Password = password
	return b
}

// WithRetryPolicy устанавливает политику повторной доставки
func (b *NATSAdapterBuilder) WithRetryPolicy(policy transport.RetryPolicy) *NATSAdapterBuilder {
	b.config.Retry = policy
	return b
}

// WithLogger устанавливает логгер адаптера
func (b *NATSAdapterBuilder) WithLogger(logger *zap.Logger) *NATSAdapterBuilder {
	b.logger = logger
	return b
}

// WithMetrics включает/выключает метрики
func (b *NATSAdapterBuilder) WithMetrics(enable bool) *NATSAdapterBuilder {
	b.config.EnableMetrics = enable
	return b
}

// Build создает NATS адаптер
func (b *NATSAdapterBuilder) Build() (*NATSAdapter, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := &NATSAdapter{
		config:  b.config,
		logger:  logger,
		subs:    make(map[string][]*nats.Subscription),
		queueMu: make(map[string]*sync.Mutex),
	}

	if b.config.EnableMetrics {
		var err error
		adapter.metrics, err = observability.NewBusMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	return adapter, nil
}

// Start подключается к NATS и объявляет стримы exchange (реализация core.Lifecycle)
func (n *NATSAdapter) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}

	opts := []nats.Option{
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.Timeout(n.config.ConnectionTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if n.config.Username != "" && n.config.Password != "" {
		opts = append(opts, nats.UserInfo(n.config.Username, n.config.Password))
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open JetStream context: %w", err)
	}

	for _, exchange := range n.config.Exchanges {
		if err := ensureStream(js, exchange, exchange+".>"); err != nil {
			conn.Close()
			return err
		}
	}
	// Общий стрим для dead-letter очередей
	if err := ensureStream(js, "dlq", "dlq.>"); err != nil {
		conn.Close()
		return err
	}

	n.conn = conn
	n.js = js
	n.running = true
	return nil
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to inspect stream %s: %w", name, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (n *NATSAdapter) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}

	for _, subs := range n.subs {
		for _, sub := range subs {
			_ = sub.Drain()
		}
	}
	n.subs = make(map[string][]*nats.Subscription)

	if n.conn != nil && n.conn.IsConnected() {
		_ = n.conn.Drain()
		n.conn.Close()
	}

	n.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (n *NATSAdapter) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Name возвращает имя компонента (реализация core.Component)
func (n *NATSAdapter) Name() string {
	return "nats-bus"
}

// Publish публикует сообщение в exchange с указанным routing key
func (n *NATSAdapter) Publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	n.mu.RLock()
	js := n.js
	running := n.running
	n.mu.RUnlock()

	if !running {
		return transport.ErrNotRunning
	}

	msg := nats.NewMsg(exchange + "." + routingKey)
	msg.Data = data
	if len(headers) > 0 {
		msg.Header = make(nats.Header, len(headers))
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}

	_, err := js.PublishMsg(msg, nats.Context(ctx))
	n.metrics.RecordPublish(ctx, exchange, routingKey, err == nil)
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", routingKey, exchange, err)
	}
	return nil
}

// Subscribe объявляет durable очередь, привязывает её и запускает потребителя
func (n *NATSAdapter) Subscribe(ctx context.Context, spec transport.QueueSpec, handler transport.MessageHandler) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return transport.ErrNotRunning
	}
	if _, exists := n.subs[spec.Queue]; exists {
		return transport.ErrQueueExists
	}

	// Привязки одной очереди разделяют мьютекс: сообщения очереди
	// обрабатываются строго по одному.
	queueMu := &sync.Mutex{}
	n.queueMu[spec.Queue] = queueMu

	var subs []*nats.Subscription
	for i, binding := range spec.Bindings {
		subject := binding.Exchange + "." + patternToSubject(binding.Pattern)
		durable := durableName(spec.Queue, i)

		sub, err := n.js.QueueSubscribe(subject, durable, n.makeCallback(spec.Queue, binding.Exchange, queueMu, handler),
			nats.Durable(durable),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(n.config.AckWait),
			nats.MaxDeliver(n.config.Retry.MaxDeliver),
			nats.DeliverAll(),
			nats.BindStream(binding.Exchange),
		)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe queue %s to %s/%s: %w", spec.Queue, binding.Exchange, binding.Pattern, err)
		}
		subs = append(subs, sub)
	}

	n.subs[spec.Queue] = subs
	return nil
}

func (n *NATSAdapter) makeCallback(queue, exchange string, queueMu *sync.Mutex, handler transport.MessageHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		queueMu.Lock()
		defer queueMu.Unlock()

		ctx := context.Background()
		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}

		tMsg := &transport.Message{
			Exchange:    exchange,
			RoutingKey:  strings.TrimPrefix(msg.Subject, exchange+"."),
			Data:        msg.Data,
			Headers:     natsHeaders(msg),
			Attempt:     attempt,
			Redelivered: attempt > 1,
		}

		start := time.Now()
		err := handler(ctx, tMsg)
		n.metrics.RecordConsume(ctx, queue, time.Since(start), err == nil)

		switch {
		case err == nil:
			_ = msg.Ack()
		case core.IsPermanent(err):
			n.deadLetter(ctx, queue, tMsg, err.Error())
			_ = msg.Ack()
		case n.config.Retry.Exhausted(attempt):
			n.deadLetter(ctx, queue, tMsg, "max deliveries exceeded: "+err.Error())
			_ = msg.Ack()
		default:
			n.logger.Warn("message handling failed, requeue",
				zap.String("queue", queue),
				zap.String("routing_key", tMsg.RoutingKey),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			_ = msg.NakWithDelay(n.config.Retry.BackoffDelay)
		}
	}
}

// deadLetter публикует отравленное сообщение в dead-letter очередь
func (n *NATSAdapter) deadLetter(ctx context.Context, queue string, msg *transport.Message, reason string) {
	n.logger.Error("message dead-lettered",
		zap.String("queue", queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("reason", reason),
	)
	n.metrics.RecordDeadLetter(ctx, queue, reason)

	dlqMsg := nats.NewMsg(transport.DeadLetterQueue(queue))
	dlqMsg.Data = msg.Data
	dlqMsg.Header = make(nats.Header)
	for k, v := range msg.Headers {
		dlqMsg.Header.Set(k, v)
	}
	dlqMsg.Header.Set("X-Dead-Letter-Reason", reason)
	dlqMsg.Header.Set("X-Original-Routing-Key", msg.RoutingKey)

	if _, err := n.js.PublishMsg(dlqMsg); err != nil {
		n.logger.Error("failed to publish to dead-letter queue", zap.Error(err))
	}
}

// Unsubscribe останавливает потребителя очереди
func (n *NATSAdapter) Unsubscribe(queue string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, exists := n.subs[queue]
	if !exists {
		return nil
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe queue %s: %w", queue, err)
		}
	}
	delete(n.subs, queue)
	delete(n.queueMu, queue)
	return nil
}

// patternToSubject переводит шаблон привязки в NATS wildcard
func patternToSubject(pattern string) string {
	return strings.ReplaceAll(pattern, "#", ">")
}

// durableName строит имя durable consumer: точки и wildcard в имени недопустимы
func durableName(queue string, binding int) string {
	name := strings.NewReplacer(".", "-", "*", "any", ">", "all").Replace(queue)
	return fmt.Sprintf("%s-b%d", name, binding)
}

func natsHeaders(msg *nats.Msg) map[string]string {
	headers := make(map[string]string)
	for k, vals := range msg.Header {
		if len(vals) > 0 {
			headers[k] = vals[0]
		}
	}
	return headers
}
