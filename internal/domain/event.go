package domain

import "time"

// EventType classifies engine events delivered to notification sinks.
type EventType string

const (
	EventEngineStarted    EventType = "ENGINE_STARTED"
	EventEngineStopped    EventType = "ENGINE_STOPPED"
	EventPositionOpened   EventType = "POSITION_OPENED"
	EventPositionClosed   EventType = "POSITION_CLOSED"
	EventRiskRejected     EventType = "RISK_REJECTED"
	EventOrderRejected    EventType = "ORDER_REJECTED"
	EventOrderUnknown     EventType = "ORDER_UNKNOWN"
	EventOrderReconciled  EventType = "ORDER_RECONCILED"
	EventPositionMismatch EventType = "POSITION_MISMATCH"
	EventStatusReport     EventType = "STATUS_REPORT"
)

// Event is a fire-and-forget engine event. Delivery is best-effort; engine
// behavior never depends on it.
type Event struct {
	Type    EventType
	Symbol  string
	Message string
	Time    time.Time
	Fields  map[string]interface{}
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, symbol, message string, fields map[string]interface{}) Event {
	return Event{Type: t, Symbol: symbol, Message: message, Time: time.Now().UTC(), Fields: fields}
}
