// Package search holds the search index engines: Elasticsearch for
// production and an embedded bleve index for single-node deployments.
package search

import (
	"context"
	"strings"

	"example.com/backstage/services/search/internal/models"
)

// Field names of the question index
const (
	FieldID               = "id"
	FieldTitle            = "title"
	FieldContent          = "content"
	FieldTags             = "tags"
	FieldCreatedAt        = "createdAt"
	FieldUpdatedAt        = "updatedAt"
	FieldViewCount        = "viewCount"
	FieldAskerID          = "askerId"
	FieldAskerDisplayName = "askerDisplayName"
)

// Query is a structured index query: free text over title and content plus
// an optional exact-match tag filter.
type Query struct {
	Text   string
	Tag    string
	HasTag bool
}

// Filtered reports whether a tag filter should be applied. A blank captured
// tag adds no filter.
func (q Query) Filtered() bool {
	return q.HasTag && strings.TrimSpace(q.Tag) != ""
}

// Engine is a search index holding question documents
type Engine interface {
	// EnsureIndex creates the index and its schema if absent
	EnsureIndex(ctx context.Context) error
	// Upsert writes q unless the stored document has a newer version, in
	// which case ErrStaleVersion is returned
	Upsert(ctx context.Context, q models.Question) error
	// Delete removes a document; a missing document is not an error
	Delete(ctx context.Context, id string) error
	// Search returns hits in the engine's relevance order
	Search(ctx context.Context, q Query) ([]models.Question, error)
	Ping(ctx context.Context) error
	Close() error
}
