package messagebus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/transport"
)

// Creator функция создания адаптера шины
type Creator func(config interface{}, logger *zap.Logger) (transport.MessageBus, error)

// Factory фабрика адаптеров шины сообщений
type Factory struct {
	creators map[string]Creator
	mu       sync.RWMutex
}

// NewFactory создает фабрику с зарегистрированными built-in адаптерами
func NewFactory() *Factory {
	factory := &Factory{creators: make(map[string]Creator)}

	_ = factory.Register("nats", func(config interface{}, logger *zap.Logger) (transport.MessageBus, error) {
		cfg, ok := config.(NATSConfig)
		if !ok {
			if url, ok := config.(string); ok {
				cfg = DefaultNATSConfig()
				cfg.URL = url
			} else {
				return nil, fmt.Errorf("invalid NATS config type: %T", config)
			}
		}
		builder := NewNATSAdapterBuilder().
			WithURL(cfg.URL).
			WithRetryPolicy(cfg.Retry).
			WithMetrics(cfg.EnableMetrics).
			WithLogger(logger)
		if len(cfg.Exchanges) > 0 {
			builder.WithExchanges(cfg.Exchanges...)
		}
		if cfg.Username != "" && cfg.Password != "" {
			builder.WithCredentials(cfg.Username, cfg.Password)
		}
		return builder.Build()
	})

	_ = factory.Register("kafka", func(config interface{}, logger *zap.Logger) (transport.MessageBus, error) {
		cfg, ok := config.(KafkaConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Kafka config type: %T", config)
		}
		return NewKafkaAdapter(cfg, logger)
	})

	_ = factory.Register("inmemory", func(config interface{}, logger *zap.Logger) (transport.MessageBus, error) {
		cfg, ok := config.(InMemoryConfig)
		if !ok {
			cfg = DefaultInMemoryConfig()
		}
		return NewInMemoryAdapter(cfg), nil
	})

	return factory
}

// Register регистрирует создателя адаптера под именем драйвера
func (f *Factory) Register(name string, creator Creator) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("messagebus driver %s already registered", name)
	}
	f.creators[name] = creator
	return nil
}

// Create создает адаптер шины по имени драйвера
func (f *Factory) Create(driver string, config interface{}, logger *zap.Logger) (transport.MessageBus, error) {
	f.mu.RLock()
	creator, exists := f.creators[driver]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown messagebus driver: %s", driver)
	}
	return creator(config, logger)
}
