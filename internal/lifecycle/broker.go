package lifecycle

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/narvanalabs/stackpilot/internal/models"
)

// Subscriber receives log entries of one attempt as they are appended.
type Subscriber struct {
	ID       string
	DeployID string
	Ch       chan *models.LogEntry
}

// Broker fans appended log entries out to live subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

// NewBroker creates a new log broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

// Subscribe registers interest in the entries of deployID.
func (b *Broker) Subscribe(deployID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:       uuid.NewString(),
		DeployID: deployID,
		Ch:       make(chan *models.LogEntry, 100),
	}
	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added", "subscriber_id", sub.ID, "deploy_id", deployID)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends entry to every subscriber of its attempt. Slow subscribers
// lose entries rather than blocking the pipeline; they can catch up from the
// store by sequence.
func (b *Broker) Publish(entry *models.LogEntry) {
	if entry == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.DeployID != entry.DeployID {
			continue
		}
		select {
		case sub.Ch <- entry:
		default:
			b.logger.Warn("subscriber channel full, dropping log entry",
				"subscriber_id", sub.ID,
				"deploy_id", entry.DeployID,
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
