package search

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrStaleVersion is returned by Upsert when the stored document is newer
	ErrStaleVersion = errors.New("stale document version")

	errIndexNotReady = errors.New("search index is not initialised")
)

// ResponseError is an error response returned by the index engine
type ResponseError struct {
	StatusCode int
	Type       string
	Reason     string
}

func (e *ResponseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("search index returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("search index returned status %d: %s: %s", e.StatusCode, e.Type, e.Reason)
}

// IsTransient reports whether err is worth retrying: timeouts, transport
// failures, throttling and server-side errors. Stale versions, caller
// cancellation and request rejections are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrStaleVersion) || errors.Is(err, context.Canceled) {
		return false
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= http.StatusInternalServerError
	}

	// Transport errors, deadlines and anything the engine could not answer
	return true
}
