package bus

import (
	"log/slog"
	"sync"
	"time"

	"chatbridge/internal/domain"
)

const publishTimeout = 10 * time.Second

// EventBus is a Go-channel based bus carrying normalized inbound events from
// the webhook layer to sinks. Ordering across deliveries is not guaranteed;
// consumers are idempotent on ExternalMessageID.
type EventBus struct {
	events chan domain.NormalizedInboundEvent
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// New creates a new EventBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		events: make(chan domain.NormalizedInboundEvent, bufferSize),
		logger: logger,
	}
}

// Publish enqueues an event. Blocks up to 10 seconds if the bus is full
// instead of dropping, since a dropped event is a lost message.
func (b *EventBus) Publish(ev domain.NormalizedInboundEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return
	}

	select {
	case b.events <- ev:
	default:
		b.logger.Warn("event bus full, waiting...",
			"integration", ev.IntegrationID, "external_id", ev.ExternalMessageID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.events <- ev:
			b.logger.Info("event delivered after wait", "integration", ev.IntegrationID)
		case <-timer.C:
			b.logger.Error("event dropped: bus full for 10s",
				"integration", ev.IntegrationID,
				"external_id", ev.ExternalMessageID,
			)
		}
	}
}

func (b *EventBus) Subscribe() <-chan domain.NormalizedInboundEvent {
	return b.events
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.events)
	}
}
