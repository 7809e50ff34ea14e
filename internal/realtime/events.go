// Package realtime implements the per-account broadcast layer: typed event
// envelopes, the channel registry that maps accounts to live connections,
// and the websocket binding that delivers events to sessions.
package realtime

import (
	"encoding/json"
	"fmt"

	"taskline/api/internal/store"
)

// EventType enumerates every event the server broadcasts. The client merge
// switch handles each member exhaustively; adding a member means adding a
// merge rule.
type EventType string

const (
	EventTodoCreated     EventType = "todo.created"
	EventTodoUpdated     EventType = "todo.updated"
	EventTodoDeleted     EventType = "todo.deleted"
	EventTodosReordered  EventType = "todos.reordered"
	EventCategoryCreated EventType = "category.created"
	EventCategoryDeleted EventType = "category.deleted"
	EventTagCreated      EventType = "tag.created"
	EventTagDeleted      EventType = "tag.deleted"
)

// Event is the transient envelope broadcast to every connection bound to an
// account's channel. It is never persisted.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DeletedPayload carries the id of a removed todo, category, or tag.
type DeletedPayload struct {
	ID string `json:"id"`
}

// ReorderedPayload carries the full list of applied (id, order_index) pairs.
type ReorderedPayload struct {
	Items []store.OrderPair `json:"items"`
}

func NewEvent(eventType EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: raw}, nil
}
