package search

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/search/internal/models"
)

// MemoryPath selects an in-memory bleve index
const MemoryPath = ":memory:"

const docKeyPrefix = "doc:"

// BleveEngine is an embedded single-process search index. Documents are kept
// in the index's internal storage next to the inverted index so hits can be
// returned in full and versions compared before a write.
type BleveEngine struct {
	mu      sync.Mutex
	path    string
	maxHits int
	index   bleve.Index
}

// NewBleveEngine creates an engine over the index at path; the index is
// opened or created by EnsureIndex
func NewBleveEngine(path string, maxHits int) *BleveEngine {
	if maxHits <= 0 {
		maxHits = 10
	}
	return &BleveEngine{path: path, maxHits: maxHits}
}

// EnsureIndex opens the index, creating it with the question mapping if the
// path holds none
func (b *BleveEngine) EnsureIndex(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index != nil {
		return nil
	}

	if b.path == MemoryPath {
		idx, err := bleve.NewMemOnly(newBleveMapping())
		if err != nil {
			return errors.Wrap(err, "error creating in-memory index")
		}
		b.index = idx
		return nil
	}

	idx, err := bleve.Open(b.path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Info().Str("path", b.path).Msg("Creating search index")
		idx, err = bleve.New(b.path, newBleveMapping())
	}
	if err != nil {
		return errors.Wrapf(err, "error opening index at %s", b.path)
	}
	b.index = idx
	return nil
}

// Upsert writes q unless the stored copy carries a newer version
func (b *BleveEngine) Upsert(ctx context.Context, q models.Question) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index == nil {
		return errIndexNotReady
	}

	stored, err := b.load(q.ID)
	if err != nil {
		return err
	}
	if stored != nil && q.Version().Before(stored.Version()) {
		return ErrStaleVersion
	}

	raw, err := json.Marshal(q)
	if err != nil {
		return errors.Wrap(err, "failed to marshal question document")
	}

	batch := b.index.NewBatch()
	if err := batch.Index(q.ID, bleveFields(q)); err != nil {
		return errors.Wrapf(err, "failed to index question %s", q.ID)
	}
	batch.SetInternal(docKey(q.ID), raw)

	return errors.Wrapf(b.index.Batch(batch), "failed to index question %s", q.ID)
}

// Delete removes the document and its stored copy
func (b *BleveEngine) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index == nil {
		return errIndexNotReady
	}

	batch := b.index.NewBatch()
	batch.Delete(id)
	batch.DeleteInternal(docKey(id))

	return errors.Wrapf(b.index.Batch(batch), "failed to delete question %s", id)
}

// Search runs q and returns the stored documents in score order
func (b *BleveEngine) Search(ctx context.Context, q Query) ([]models.Question, error) {
	idx, err := b.current()
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequestOptions(buildBleveQuery(q), b.maxHits, 0, false)
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "search request failed")
	}

	questions := make([]models.Question, 0, len(res.Hits))
	for _, hit := range res.Hits {
		raw, err := idx.GetInternal(docKey(hit.ID))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load question %s", hit.ID)
		}
		// Deleted between search and load
		if raw == nil {
			continue
		}
		var doc models.Question
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errors.Wrapf(err, "failed to decode question %s", hit.ID)
		}
		questions = append(questions, doc)
	}
	return questions, nil
}

// Ping reports whether the index is open
func (b *BleveEngine) Ping(ctx context.Context) error {
	_, err := b.current()
	return err
}

// Close closes the underlying index
func (b *BleveEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index == nil {
		return nil
	}
	err := b.index.Close()
	b.index = nil
	return err
}

func (b *BleveEngine) current() (bleve.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index == nil {
		return nil, errIndexNotReady
	}
	return b.index, nil
}

// load returns the stored copy of id, or nil if there is none
func (b *BleveEngine) load(id string) (*models.Question, error) {
	raw, err := b.index.GetInternal(docKey(id))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load question %s", id)
	}
	if raw == nil {
		return nil, nil
	}

	var q models.Question
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, errors.Wrapf(err, "failed to decode question %s", id)
	}
	return &q, nil
}

func buildBleveQuery(q Query) query.Query {
	var text query.Query
	if q.Text == "" {
		text = bleve.NewMatchAllQuery()
	} else {
		title := bleve.NewMatchQuery(q.Text)
		title.SetField(FieldTitle)
		content := bleve.NewMatchQuery(q.Text)
		content.SetField(FieldContent)
		text = bleve.NewDisjunctionQuery(title, content)
	}

	if !q.Filtered() {
		return text
	}

	tag := bleve.NewTermQuery(q.Tag)
	tag.SetField(FieldTags)
	return bleve.NewConjunctionQuery(text, tag)
}

func bleveFields(q models.Question) map[string]interface{} {
	return map[string]interface{}{
		FieldID:        q.ID,
		FieldTitle:     q.Title,
		FieldContent:   q.Content,
		FieldTags:      q.TagSlugs,
		FieldCreatedAt: q.CreatedAt,
		FieldViewCount: q.ViewCount,
	}
}

func docKey(id string) []byte {
	return []byte(docKeyPrefix + id)
}
