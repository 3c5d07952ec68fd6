// Package broker fans out battery events to websocket subscribers. It keeps
// a per-entity index so device changes only reach interested clients, and
// prunes any subscriber whose delivery fails.
package broker

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vulcanbrownout/internal/battery"
)

// Event types pushed to subscribers.
const (
	EventDeviceChanged    = "vulcan-brownout/device_changed"
	EventDeviceRemoved    = "vulcan-brownout/device_removed"
	EventStatus           = "vulcan-brownout/status"
	EventThresholdUpdated = "vulcan-brownout/threshold_updated"
	EventNotificationSent = "vulcan-brownout/notification_sent"
)

// MaxSubscriptions caps the number of concurrently active subscribers.
const MaxSubscriptions = 100

// Channel is a subscriber's outbound delivery mechanism. Send may block on
// I/O and may fail; a failing channel gets its subscription removed.
type Channel interface {
	Send(eventType string, data interface{}) error
}

type subscription struct {
	id        string
	channel   Channel
	entityIDs map[string]struct{}
	createdAt time.Time
}

// Broker tracks active subscriptions and delivers events to them.
type Broker struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	subscribers map[string]*subscription
	entityIndex map[string]map[string]struct{} // entityID -> subscription ids
}

// New creates an empty broker.
func New(logger *zap.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[string]*subscription),
		entityIndex: make(map[string]map[string]struct{}),
	}
}

// Subscribe registers a channel watching the given entity ids (fixed at
// subscribe time) and returns the new subscription id. Fails with a
// subscription_limit_exceeded Error once MaxSubscriptions are active.
func (b *Broker) Subscribe(ch Channel, entityIDs []string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) >= MaxSubscriptions {
		return "", battery.NewError(battery.ErrCodeSubscriptionLimit,
			"maximum %d subscriptions reached", MaxSubscriptions)
	}

	id := newSubscriptionID()
	sub := &subscription{
		id:        id,
		channel:   ch,
		entityIDs: make(map[string]struct{}, len(entityIDs)),
		createdAt: time.Now(),
	}
	for _, entityID := range entityIDs {
		sub.entityIDs[entityID] = struct{}{}
		index, ok := b.entityIndex[entityID]
		if !ok {
			index = make(map[string]struct{})
			b.entityIndex[entityID] = index
		}
		index[id] = struct{}{}
	}
	b.subscribers[id] = sub

	b.logger.Debug("Subscription created",
		zap.String("subscription_id", id),
		zap.Int("entity_count", len(entityIDs)),
		zap.Int("total_subscribers", len(b.subscribers)))
	return id, nil
}

// Unsubscribe removes a subscription and prunes now-empty index entries.
// Idempotent.
func (b *Broker) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(subscriptionID)
}

func (b *Broker) removeLocked(subscriptionID string) {
	sub, ok := b.subscribers[subscriptionID]
	if !ok {
		return
	}
	delete(b.subscribers, subscriptionID)

	for entityID := range sub.entityIDs {
		index, ok := b.entityIndex[entityID]
		if !ok {
			continue
		}
		delete(index, subscriptionID)
		if len(index) == 0 {
			delete(b.entityIndex, entityID)
		}
	}

	b.logger.Debug("Subscription removed",
		zap.String("subscription_id", subscriptionID),
		zap.Int("remaining_subscribers", len(b.subscribers)))
}

// Count returns the number of active subscriptions.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// BroadcastDeviceChanged delivers a device change to subscribers watching
// entityID.
func (b *Broker) BroadcastDeviceChanged(entityID string, data interface{}) {
	b.deliver(EventDeviceChanged, data, b.watchersOf(entityID))
}

// BroadcastDeviceRemoved notifies watchers that entityID left tracking.
func (b *Broker) BroadcastDeviceRemoved(entityID string, data interface{}) {
	b.deliver(EventDeviceRemoved, data, b.watchersOf(entityID))
}

// BroadcastStatus delivers a status event to every active subscription.
func (b *Broker) BroadcastStatus(data interface{}) {
	b.deliver(EventStatus, data, b.allSubscriptions())
}

// BroadcastThresholdUpdated delivers a threshold change to every active
// subscription.
func (b *Broker) BroadcastThresholdUpdated(data interface{}) {
	b.deliver(EventThresholdUpdated, data, b.allSubscriptions())
}

// BroadcastNotificationSent delivers a notification record to every active
// subscription.
func (b *Broker) BroadcastNotificationSent(data interface{}) {
	b.deliver(EventNotificationSent, data, b.allSubscriptions())
}

// Cleanup drops every subscription, called on shutdown.
func (b *Broker) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = make(map[string]*subscription)
	b.entityIndex = make(map[string]map[string]struct{})
	b.logger.Debug("Subscription broker cleaned up")
}

// watchersOf snapshots the subscriptions indexed under entityID.
func (b *Broker) watchersOf(entityID string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	index := b.entityIndex[entityID]
	if len(index) == 0 {
		return nil
	}
	subs := make([]*subscription, 0, len(index))
	for id := range index {
		if sub, ok := b.subscribers[id]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (b *Broker) allSubscriptions() []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// deliver sends the event to each subscription outside the registry lock.
// A failure is local to one subscriber: the pass continues, and failed
// subscriptions are unsubscribed only after the pass completes.
func (b *Broker) deliver(eventType string, data interface{}, subs []*subscription) {
	var dead []string
	for _, sub := range subs {
		if err := sub.channel.Send(eventType, data); err != nil {
			b.logger.Warn("Failed to deliver event, dropping subscriber",
				zap.String("subscription_id", sub.id),
				zap.String("event_type", eventType),
				zap.Error(err))
			dead = append(dead, sub.id)
		}
	}

	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range dead {
		b.removeLocked(id)
	}
}

func newSubscriptionID() string {
	u := uuid.New()
	return fmt.Sprintf("sub_%s", hex.EncodeToString(u[:])[:12])
}
