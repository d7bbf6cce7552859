package database

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/services/search/internal/models"
)

const defaultBatchSize = 500

// QuestionRecord is a row of the questions table
type QuestionRecord struct {
	ID               string         `gorm:"column:id;primaryKey"`
	Title            string         `gorm:"column:title"`
	Content          string         `gorm:"column:content"`
	TagSlugs         pq.StringArray `gorm:"column:tag_slugs;type:text[]"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        *time.Time     `gorm:"column:updated_at"`
	AskerID          string         `gorm:"column:asker_id"`
	AskerDisplayName string         `gorm:"column:asker_display_name"`
	ViewCount        int            `gorm:"column:view_count"`
}

// TableName overrides the table name
func (QuestionRecord) TableName() string {
	return "questions"
}

// ToQuestion converts the row into the index document
func (r QuestionRecord) ToQuestion() models.Question {
	var tags []string
	if len(r.TagSlugs) > 0 {
		tags = append(tags, r.TagSlugs...)
	}
	return models.Question{
		ID:               r.ID,
		Title:            r.Title,
		Content:          r.Content,
		TagSlugs:         tags,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		AskerID:          r.AskerID,
		AskerDisplayName: r.AskerDisplayName,
		ViewCount:        r.ViewCount,
	}
}

// QuestionReader pages through the questions table in primary key order
type QuestionReader struct {
	db        *gorm.DB
	batchSize int
}

// NewQuestionReader creates a reader fetching batchSize rows at a time
func NewQuestionReader(db *gorm.DB, batchSize int) *QuestionReader {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &QuestionReader{db: db, batchSize: batchSize}
}

// EachBatch calls fn for every batch of questions. Iteration stops at the
// first error fn returns.
func (r *QuestionReader) EachBatch(ctx context.Context, fn func(batch []models.Question) error) error {
	var records []QuestionRecord

	result := r.db.WithContext(ctx).FindInBatches(&records, r.batchSize, func(tx *gorm.DB, batch int) error {
		questions := make([]models.Question, 0, len(records))
		for _, rec := range records {
			questions = append(questions, rec.ToQuestion())
		}
		return fn(questions)
	})

	return errors.Wrap(result.Error, "failed to read questions")
}
