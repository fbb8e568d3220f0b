// Package messagebus предоставляет адаптеры topic-exchange брокера.
package messagebus

import (
	"context"
	"sync"
	"time"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/transport"
)

// InMemoryConfig конфигурация InMemory адаптера
type InMemoryConfig struct {
	BufferSize int
	Retry      transport.RetryPolicy
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{
		BufferSize: 1024,
		Retry:      transport.DefaultRetryPolicy(),
	}
}

// InMemoryAdapter реализация MessageBus в памяти.
// Семантика повторяет брокер: очередь обрабатывается одним потребителем
// строго по одному сообщению, ошибка обработчика ведет к повторной доставке,
// исчерпание попыток или постоянная ошибка - к dead-letter.
type InMemoryAdapter struct {
	config  InMemoryConfig
	queues  map[string]*memoryQueue
	dead    map[string][]*transport.Message
	dlqFn   transport.DeadLetterHandler
	mu      sync.RWMutex
	running bool
	// inflight отслеживает сообщения от публикации до ack/dead-letter
	inflight sync.WaitGroup
}

type memoryQueue struct {
	spec    transport.QueueSpec
	handler transport.MessageHandler
	ch      chan *transport.Message
	done    chan struct{}
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig) *InMemoryAdapter {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultInMemoryConfig().BufferSize
	}
	return &InMemoryAdapter{
		config: config,
		queues: make(map[string]*memoryQueue),
		dead:   make(map[string][]*transport.Message),
	}
}

// WithDeadLetterHandler устанавливает обработчик dead-letter сообщений
func (a *InMemoryAdapter) WithDeadLetterHandler(fn transport.DeadLetterHandler) *InMemoryAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dlqFn = fn
	return a
}

// Start запускает адаптер (реализация core.Lifecycle)
func (a *InMemoryAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (a *InMemoryAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	queues := a.queues
	a.queues = make(map[string]*memoryQueue)
	a.mu.Unlock()

	for _, q := range queues {
		close(q.ch)
		<-q.done
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (a *InMemoryAdapter) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Name возвращает имя компонента (реализация core.Component)
func (a *InMemoryAdapter) Name() string {
	return "inmemory-bus"
}

// Publish публикует сообщение во все очереди, привязанные к exchange
// по совпадающему шаблону routing key
func (a *InMemoryAdapter) Publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	a.mu.RLock()
	if !a.running {
		a.mu.RUnlock()
		return transport.ErrNotRunning
	}

	var targets []*memoryQueue
	for _, q := range a.queues {
		for _, b := range q.spec.Bindings {
			if b.Exchange == exchange && transport.MatchPattern(b.Pattern, routingKey) {
				targets = append(targets, q)
				break
			}
		}
	}
	a.mu.RUnlock()

	for _, q := range targets {
		msg := &transport.Message{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Data:       data,
			Headers:    copyHeaders(headers),
			Attempt:    1,
		}
		a.inflight.Add(1)
		q.ch <- msg
	}
	return nil
}

// Subscribe объявляет очередь и запускает её потребителя
func (a *InMemoryAdapter) Subscribe(ctx context.Context, spec transport.QueueSpec, handler transport.MessageHandler) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return transport.ErrNotRunning
	}
	if _, exists := a.queues[spec.Queue]; exists {
		return transport.ErrQueueExists
	}

	q := &memoryQueue{
		spec:    spec,
		handler: handler,
		ch:      make(chan *transport.Message, a.config.BufferSize),
		done:    make(chan struct{}),
	}
	a.queues[spec.Queue] = q

	go a.consume(q)
	return nil
}

// Unsubscribe останавливает потребителя очереди
func (a *InMemoryAdapter) Unsubscribe(queue string) error {
	a.mu.Lock()
	q, exists := a.queues[queue]
	if exists {
		delete(a.queues, queue)
	}
	a.mu.Unlock()

	if exists {
		close(q.ch)
		<-q.done
	}
	return nil
}

// consume обрабатывает сообщения очереди строго по одному
func (a *InMemoryAdapter) consume(q *memoryQueue) {
	defer close(q.done)

	for msg := range q.ch {
		a.deliver(q, msg)
		a.inflight.Done()
	}
}

func (a *InMemoryAdapter) deliver(q *memoryQueue, msg *transport.Message) {
	ctx := context.Background()

	for {
		err := q.handler(ctx, msg)
		if err == nil {
			return
		}

		if core.IsPermanent(err) {
			a.deadLetter(ctx, q, msg, err.Error())
			return
		}
		if a.config.Retry.Exhausted(msg.Attempt) {
			a.deadLetter(ctx, q, msg, "max deliveries exceeded: "+err.Error())
			return
		}

		msg.Attempt++
		msg.Redelivered = true
		if a.config.Retry.BackoffDelay > 0 {
			time.Sleep(a.config.Retry.BackoffDelay)
		}
	}
}

func (a *InMemoryAdapter) deadLetter(ctx context.Context, q *memoryQueue, msg *transport.Message, reason string) {
	a.mu.Lock()
	a.dead[q.spec.Queue] = append(a.dead[q.spec.Queue], msg)
	fn := a.dlqFn
	a.mu.Unlock()

	if fn != nil {
		_ = fn(ctx, msg, reason)
	}
}

// DeadLetters возвращает сообщения, отправленные в dead-letter очереди
func (a *InMemoryAdapter) DeadLetters(queue string) []*transport.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*transport.Message, len(a.dead[queue]))
	copy(out, a.dead[queue])
	return out
}

// WaitIdle блокируется, пока все опубликованные сообщения не будут
// обработаны или отправлены в dead-letter. Используется в тестах.
func (a *InMemoryAdapter) WaitIdle() {
	a.inflight.Wait()
}

func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
