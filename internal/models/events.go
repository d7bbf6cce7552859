package models

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Question lifecycle event types
const (
	QuestionCreated = "QuestionCreated"
	QuestionUpdated = "QuestionUpdated"
	QuestionDeleted = "QuestionDeleted"
)

// EventEnvelope is the common message structure on the questions topic
type EventEnvelope struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// QuestionDeletedEvent is the payload of a QuestionDeleted event
type QuestionDeletedEvent struct {
	ID string `json:"id" validate:"required"`
}

// NewEnvelope wraps a payload into an event envelope
func NewEnvelope(eventType string, payload interface{}) (EventEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, errors.Wrapf(err, "failed to marshal %s payload", eventType)
	}
	return EventEnvelope{EventType: eventType, Data: data}, nil
}

// IsUpsert reports whether the event type carries the full question
func IsUpsert(eventType string) bool {
	return eventType == QuestionCreated || eventType == QuestionUpdated
}
