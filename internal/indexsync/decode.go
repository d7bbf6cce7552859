package indexsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"example.com/backstage/services/search/internal/models"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Mutation is a decoded, validated lifecycle event ready to be applied
type Mutation struct {
	EventType string
	// Question is set for Created and Updated
	Question *models.Question
	// ID is the target document for every event type
	ID string
}

// Decode parses a message body into a mutation. Any failure is a
// *PoisonError: redelivering the same bytes can never succeed.
func Decode(body []byte) (Mutation, error) {
	var env models.EventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Mutation{}, &PoisonError{Description: "invalid message body", Err: err}
	}

	if len(bytes.TrimSpace(env.Data)) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return Mutation{}, &PoisonError{Description: fmt.Sprintf("%s event has no data", eventLabel(env.EventType))}
	}

	switch env.EventType {
	case models.QuestionCreated, models.QuestionUpdated:
		var q models.Question
		if err := json.Unmarshal(env.Data, &q); err != nil {
			return Mutation{}, &PoisonError{Description: fmt.Sprintf("invalid %s payload", env.EventType), Err: err}
		}
		if fields := validateQuestion(q); len(fields) > 0 {
			return Mutation{}, &PoisonError{Description: fmt.Sprintf("invalid %s payload", env.EventType), Fields: fields}
		}
		return Mutation{EventType: env.EventType, Question: &q, ID: q.ID}, nil

	case models.QuestionDeleted:
		var evt models.QuestionDeletedEvent
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return Mutation{}, &PoisonError{Description: "invalid QuestionDeleted payload", Err: err}
		}
		if fields := validateStruct(evt); len(fields) > 0 {
			return Mutation{}, &PoisonError{Description: "invalid QuestionDeleted payload", Fields: fields}
		}
		return Mutation{EventType: env.EventType, ID: evt.ID}, nil

	default:
		return Mutation{}, &PoisonError{Description: fmt.Sprintf("unsupported event type: %s", eventLabel(env.EventType))}
	}
}

// validateQuestion checks only what applying the event needs: an id to
// address the document and a createdAt to derive its version. Title, content
// and tags are passed through as the source of truth wrote them.
func validateQuestion(q models.Question) []FieldError {
	fields := validateStruct(q)

	if q.CreatedAt.IsZero() {
		fields = append(fields, FieldError{Field: "createdAt", Message: "is required"})
	}
	return fields
}

func validateStruct(s interface{}) []FieldError {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return []FieldError{{Field: "", Message: err.Error()}}
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fieldPath(fe), Message: fieldMessage(fe)})
	}
	return fields
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// fieldPath drops the struct name from the namespace: QuestionDeletedEvent.id -> id
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func eventLabel(eventType string) string {
	if eventType == "" {
		return "<empty>"
	}
	return eventType
}
