package models

import "time"

// Question is the index-side projection of a question record. The relational
// store stays canonical; this document is a derived replica.
type Question struct {
	ID               string     `json:"id" validate:"required"`
	Title            string     `json:"title"`
	Content          string     `json:"content"`
	TagSlugs         []string   `json:"tags"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty"`
	AskerID          string     `json:"askerId"`
	AskerDisplayName string     `json:"askerDisplayName"`
	ViewCount        int        `json:"viewCount"`
}

// Version returns the logical version used to order competing writes:
// UpdatedAt when the question was ever updated, CreatedAt otherwise.
func (q Question) Version() time.Time {
	if q.UpdatedAt != nil && !q.UpdatedAt.IsZero() {
		return *q.UpdatedAt
	}
	return q.CreatedAt
}
