package registry

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/capsync/capsync/pkg/types"
)

// EventType represents the type of instance event.
type EventType int

const (
	SyncStatusChanged EventType = iota
	LockStatusChanged
	DownloadProgressed
	InstanceClosed
	SyncFailed
)

// Event represents one instance state change.
type Event struct {
	Type      EventType
	Instance  types.InstanceID
	Sync      *types.SyncStatus
	Lock      *types.LockStatus
	Progress  *types.DownloadProgress
	Err       error
	Timestamp int64
}

// Notifier provides an in-process pub/sub bus for instance state changes.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: if a subscriber's channel is full, the event is dropped.
func (n *Notifier) Publish(ev Event) {
	key := ev.Instance.String()
	n.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if n.matchesFilter(sub, key) {
			select {
			case sub.Ch <- ev:
			default:
				// Channel full - drop event, do NOT block
			}
		}
		return true
	})
}

// Subscribe adds a new subscriber with a custom ID. Filters are instance
// key prefixes ("videoId" or "videoId/databaseName"); no filters means all
// events.
func (n *Notifier) Subscribe(id string, filters []string) *Subscriber {
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      make(chan Event, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAutoID adds a new subscriber with an auto-generated ID.
func (n *Notifier) SubscribeAutoID(filters ...string) *Subscriber {
	return n.Subscribe("sub_"+uuid.NewString(), filters)
}

// Unsubscribe removes a subscriber and closes their channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		close(value.(*Subscriber).Ch)
	}
}

// matchesFilter checks if the instance key matches the subscriber's filters.
func (n *Notifier) matchesFilter(sub *Subscriber, key string) bool {
	if len(sub.Filters) == 0 {
		return true
	}
	for _, filter := range sub.Filters {
		if strings.HasPrefix(key, filter) {
			return true
		}
	}
	return false
}

// Subscriber represents an event subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Event
}
