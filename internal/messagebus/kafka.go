package messagebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/observability"
	"github.com/Mohmdhamad/oms-microservices/internal/transport"
)

const routingKeyHeader = "routing-key"

// KafkaConfig конфигурация Kafka адаптера
type KafkaConfig struct {
	Brokers       []string
	MinBytes      int
	MaxBytes      int
	MaxWait       time.Duration
	BatchTimeout  time.Duration
	RequiredAcks  int // 0, 1, -1 (all)
	Retry         transport.RetryPolicy
	EnableMetrics bool
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		MinBytes:      10e3,
		MaxBytes:      10e6,
		MaxWait:       time.Second,
		BatchTimeout:  10 * time.Millisecond,
		RequiredAcks:  -1,
		Retry:         transport.DefaultRetryPolicy(),
		EnableMetrics: true,
	}
}

// KafkaAdapter реализация MessageBus через Kafka.
// Exchange моделируется топиком, routing key передается ключом сообщения;
// у Kafka нет broker-side nack, поэтому повторы выполняются в процессе
// потребителя, после исчерпания попыток сообщение уходит в DLQ-топик.
type KafkaAdapter struct {
	config  KafkaConfig
	logger  *zap.Logger
	writer  *kafka.Writer
	readers map[string][]*kafka.Reader
	cancels map[string]context.CancelFunc
	metrics *observability.BusMetrics
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig, logger *zap.Logger) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := &KafkaAdapter{
		config:  config,
		logger:  logger,
		readers: make(map[string][]*kafka.Reader),
		cancels: make(map[string]context.CancelFunc),
	}

	if config.EnableMetrics {
		var err error
		adapter.metrics, err = observability.NewBusMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	adapter.writer = &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		BatchTimeout: config.BatchTimeout,
	}

	return adapter, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	k.running = false

	for _, cancel := range k.cancels {
		cancel()
	}
	readers := k.readers
	k.readers = make(map[string][]*kafka.Reader)
	k.cancels = make(map[string]context.CancelFunc)
	k.mu.Unlock()

	for _, queueReaders := range readers {
		for _, reader := range queueReaders {
			_ = reader.Close()
		}
	}
	k.wg.Wait()

	if k.writer != nil {
		_ = k.writer.Close()
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Name возвращает имя компонента (реализация core.Component)
func (k *KafkaAdapter) Name() string {
	return "kafka-bus"
}

// Publish публикует сообщение в топик exchange
func (k *KafkaAdapter) Publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	k.mu.RLock()
	running := k.running
	k.mu.RUnlock()
	if !running {
		return transport.ErrNotRunning
	}

	kHeaders := make([]kafka.Header, 0, len(headers)+1)
	kHeaders = append(kHeaders, kafka.Header{Key: routingKeyHeader, Value: []byte(routingKey)})
	for key, value := range headers {
		kHeaders = append(kHeaders, kafka.Header{Key: key, Value: []byte(value)})
	}

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   exchange,
		Key:     []byte(routingKey),
		Value:   data,
		Headers: kHeaders,
	})
	k.metrics.RecordPublish(ctx, exchange, routingKey, err == nil)
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", routingKey, exchange, err)
	}
	return nil
}

// Subscribe объявляет группу потребителей очереди и запускает чтение
func (k *KafkaAdapter) Subscribe(ctx context.Context, spec transport.QueueSpec, handler transport.MessageHandler) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return transport.ErrNotRunning
	}
	if _, exists := k.readers[spec.Queue]; exists {
		return transport.ErrQueueExists
	}

	// Группируем привязки по exchange: один reader на топик,
	// шаблоны проверяются на стороне потребителя.
	patterns := make(map[string][]string)
	for _, b := range spec.Bindings {
		patterns[b.Exchange] = append(patterns[b.Exchange], b.Pattern)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	queueMu := &sync.Mutex{}

	var readers []*kafka.Reader
	for exchange, exchangePatterns := range patterns {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  k.config.Brokers,
			Topic:    exchange,
			GroupID:  spec.Queue,
			MinBytes: k.config.MinBytes,
			MaxBytes: k.config.MaxBytes,
			MaxWait:  k.config.MaxWait,
		})
		readers = append(readers, reader)

		k.wg.Add(1)
		go k.consume(readCtx, reader, spec.Queue, exchange, exchangePatterns, queueMu, handler)
	}

	k.readers[spec.Queue] = readers
	k.cancels[spec.Queue] = cancel
	return nil
}

// consume читает сообщения топика, обрабатывает по одному и коммитит offset
// только после успешной обработки или ухода сообщения в dead-letter
func (k *KafkaAdapter) consume(ctx context.Context, reader *kafka.Reader, queue, exchange string, patterns []string, queueMu *sync.Mutex, handler transport.MessageHandler) {
	defer k.wg.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			k.logger.Error("failed to fetch kafka message", zap.String("queue", queue), zap.Error(err))
			continue
		}

		routingKey := kafkaHeader(msg, routingKeyHeader)
		if !matchAny(patterns, routingKey) {
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		queueMu.Lock()
		k.deliver(ctx, queue, exchange, routingKey, msg, handler)
		queueMu.Unlock()

		if err := reader.CommitMessages(ctx, msg); err != nil {
			k.logger.Error("failed to commit kafka message", zap.String("queue", queue), zap.Error(err))
		}
	}
}

func (k *KafkaAdapter) deliver(ctx context.Context, queue, exchange, routingKey string, msg kafka.Message, handler transport.MessageHandler) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h.Key != routingKeyHeader {
			headers[h.Key] = string(h.Value)
		}
	}

	tMsg := &transport.Message{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Data:       msg.Value,
		Headers:    headers,
		Attempt:    1,
	}

	for {
		start := time.Now()
		err := handler(ctx, tMsg)
		k.metrics.RecordConsume(ctx, queue, time.Since(start), err == nil)
		if err == nil {
			return
		}

		if core.IsPermanent(err) {
			k.deadLetter(ctx, queue, tMsg, err.Error())
			return
		}
		if k.config.Retry.Exhausted(tMsg.Attempt) {
			k.deadLetter(ctx, queue, tMsg, "max deliveries exceeded: "+err.Error())
			return
		}

		tMsg.Attempt++
		tMsg.Redelivered = true
		k.logger.Warn("message handling failed, retrying",
			zap.String("queue", queue),
			zap.String("routing_key", routingKey),
			zap.Int("attempt", tMsg.Attempt),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(k.config.Retry.BackoffDelay):
		}
	}
}

// deadLetter отправляет отравленное сообщение в DLQ-топик очереди
func (k *KafkaAdapter) deadLetter(ctx context.Context, queue string, msg *transport.Message, reason string) {
	k.logger.Error("message dead-lettered",
		zap.String("queue", queue),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("reason", reason),
	)
	k.metrics.RecordDeadLetter(ctx, queue, reason)

	headers := []kafka.Header{
		{Key: routingKeyHeader, Value: []byte(msg.RoutingKey)},
		{Key: "X-Dead-Letter-Reason", Value: []byte(reason)},
	}
	for key, value := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   transport.DeadLetterQueue(queue),
		Key:     []byte(msg.RoutingKey),
		Value:   msg.Data,
		Headers: headers,
	})
	if err != nil {
		k.logger.Error("failed to publish to dead-letter topic", zap.Error(err))
	}
}

// Unsubscribe останавливает потребителей очереди
func (k *KafkaAdapter) Unsubscribe(queue string) error {
	k.mu.Lock()
	readers, exists := k.readers[queue]
	if exists {
		if cancel := k.cancels[queue]; cancel != nil {
			cancel()
		}
		delete(k.readers, queue)
		delete(k.cancels, queue)
	}
	k.mu.Unlock()

	for _, reader := range readers {
		_ = reader.Close()
	}
	return nil
}

func kafkaHeader(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func matchAny(patterns []string, routingKey string) bool {
	for _, pattern := range patterns {
		if transport.MatchPattern(pattern, routingKey) {
			return true
		}
	}
	return false
}
