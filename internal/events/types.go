package events

// Event enumerates high-level topics inside the execution pipeline.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventOrderAccepted  Event = "order.accepted"
	EventOrderRejected  Event = "order.rejected"
	EventOrderFilled    Event = "order.filled"
	EventOrderPartial   Event = "order.partially_filled"
	EventOrderCancelled Event = "order.cancelled"
	EventDeadLetter     Event = "ledger.dead_letter"
)

// UserTopic scopes an event to a single user's channel so a subscriber only
// sees its own order traffic.
func UserTopic(e Event, userID string) Event {
	return e + Event(":"+userID)
}
