package indexsync

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Dead-letter reasons
const (
	ReasonPoisonMessage      = "PoisonMessage"
	ReasonMaxRetriesExceeded = "MaxRetriesExceeded"
	ReasonIndexRejected      = "IndexRejected"
)

// ErrMaxRetriesExceeded is reported when a transient failure outlasts the
// retry budget
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// FieldError describes one failed structural check on an event payload
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// PoisonError marks a message that can never be applied
type PoisonError struct {
	Description string
	Fields      []FieldError
	Err         error
}

func (e *PoisonError) Error() string {
	var b strings.Builder
	b.WriteString(e.Description)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "; %s: %s", f.Field, f.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PoisonError) Unwrap() error {
	return e.Err
}
