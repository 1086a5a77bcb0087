package events

import "time"

// Event enumerates topics published inside the engine.
type Event string

const (
	EventAudit            Event = "audit.appended"
	EventIncident         Event = "incident.created"
	EventAlert            Event = "alert.raised"
	EventModeChanged      Event = "mode.changed"
	EventEntriesGate      Event = "entries.gate"
	EventReadiness        Event = "readiness.changed"
	EventLeadership       Event = "leadership.changed"
	EventOrderUpdate      Event = "order.updated"
	EventGroupUpdate      Event = "group.updated"
	EventPositionChange   Event = "position.changed"
	EventFlattenCompleted Event = "flatten.completed"
)

// AllEvents lists every topic, in the order the websocket subscribes.
var AllEvents = []Event{
	EventAudit, EventIncident, EventAlert, EventModeChanged, EventEntriesGate,
	EventReadiness, EventLeadership, EventOrderUpdate, EventGroupUpdate,
	EventPositionChange, EventFlattenCompleted,
}

// Message is the envelope delivered to wildcard subscribers.
type Message struct {
	Topic   Event     `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}
