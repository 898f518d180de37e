// Package notify fans order lifecycle events out to their owning user. The
// underlying bus drops messages for slow subscribers rather than blocking
// the pipeline, so delivery is at most once.
package notify

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"broker-core/internal/events"
	"broker-core/internal/order"
)

// Notification is the payload delivered to user subscribers.
type Notification struct {
	Event   string      `json:"event"`
	UserID  string      `json:"user_id"`
	OrderID string      `json:"order_id"`
	Order   order.Order `json:"order"`
	Fill    *order.Fill `json:"fill,omitempty"`
	At      time.Time   `json:"at"`
}

// Emitter publishes order events on the global topic and the owning user's
// topic. Terminal events are deduplicated per order so a user never sees the
// same final transition twice.
type Emitter struct {
	bus *events.Bus

	mu   sync.Mutex
	seen map[string]struct{} // orderID+event for terminal events
}

// NewEmitter wraps a bus.
func NewEmitter(bus *events.Bus) *Emitter {
	return &Emitter{bus: bus, seen: make(map[string]struct{})}
}

// Emit publishes one lifecycle event for an order.
func (e *Emitter) Emit(event events.Event, o order.Order, f *order.Fill) {
	if e.bus == nil {
		return
	}

	if terminalEvent(event) {
		key := o.ID + "|" + string(event)
		e.mu.Lock()
		if _, dup := e.seen[key]; dup {
			e.mu.Unlock()
			return
		}
		e.seen[key] = struct{}{}
		// Bound the dedupe set; terminal events for long-gone orders do not
		// need protection.
		if len(e.seen) > 65536 {
			e.seen = map[string]struct{}{key: {}}
		}
		e.mu.Unlock()
	}

	n := Notification{
		Event:   string(event),
		UserID:  o.UserID,
		OrderID: o.ID,
		Order:   o,
		Fill:    f,
		At:      time.Now(),
	}
	e.bus.Publish(event, n)
	if o.UserID != "" {
		e.bus.Publish(events.UserTopic(event, o.UserID), n)
	}

	log.WithFields(log.Fields{
		"event": event, "order": o.ID, "user": o.UserID, "status": o.Status,
	}).Debug("notification emitted")
}

func terminalEvent(event events.Event) bool {
	switch event {
	case events.EventOrderFilled, events.EventOrderCancelled, events.EventOrderRejected:
		return true
	}
	return false
}
