package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/search/config"
	"example.com/backstage/services/search/internal/models"
)

const (
	// versionTypeExternalGTE lets the engine enforce "incoming >= stored"
	// atomically per document
	versionTypeExternalGTE = "external_gte"

	errTypeAlreadyExists = "resource_already_exists_exception"
)

// ElasticEngine stores question documents in a single Elasticsearch index
type ElasticEngine struct {
	client  *elasticsearch.Client
	index   string
	refresh string
	maxHits int
}

// NewElasticClient creates a new Elasticsearch client. The client's own
// retries are disabled: the synchronizer owns retry policy and queries are
// never retried for the caller.
func NewElasticClient(cfg config.ElasticConfig) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses:    []string{cfg.URL},
		APIKey:       cfg.APIKey,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableRetry: true,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}
	return client, nil
}

// NewElasticEngine creates an engine over an existing client
func NewElasticEngine(client *elasticsearch.Client, index, refresh string, maxHits int) *ElasticEngine {
	if refresh == "" {
		refresh = "false"
	}
	return &ElasticEngine{
		client:  client,
		index:   index,
		refresh: refresh,
		maxHits: maxHits,
	}
}

// EnsureIndex creates the question index if it does not exist yet
func (e *ElasticEngine) EnsureIndex(ctx context.Context) error {
	res, err := e.client.Indices.Exists([]string{e.index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "error checking if index %s exists", e.index)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		log.Info().Str("index", e.index).Msg("Search index already exists")
		return nil
	case http.StatusNotFound:
	default:
		return errors.Wrapf(responseError(res), "error checking if index %s exists", e.index)
	}

	body, err := json.Marshal(elasticIndexBody)
	if err != nil {
		return errors.Wrap(err, "failed to marshal index mapping")
	}

	log.Info().Str("index", e.index).Msg("Creating search index")
	res, err = e.client.Indices.Create(
		e.index,
		e.client.Indices.Create.WithBody(bytes.NewReader(body)),
		e.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return errors.Wrapf(err, "error creating index %s", e.index)
	}
	defer res.Body.Close()

	if res.IsError() {
		respErr := responseError(res)
		// Another instance won the race
		if respErr.Type == errTypeAlreadyExists {
			return nil
		}
		return errors.Wrapf(respErr, "error creating index %s", e.index)
	}

	return nil
}

// Upsert indexes q with its logical version as an external version
func (e *ElasticEngine) Upsert(ctx context.Context, q models.Question) error {
	doc, err := json.Marshal(q)
	if err != nil {
		return errors.Wrap(err, "failed to marshal question document")
	}

	version := int(versionOf(q))
	req := esapi.IndexRequest{
		Index:       e.index,
		DocumentID:  q.ID,
		Body:        bytes.NewReader(doc),
		Version:     &version,
		VersionType: versionTypeExternalGTE,
		Refresh:     e.refresh,
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute index request")
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return ErrStaleVersion
	}
	if res.IsError() {
		return errors.Wrapf(responseError(res), "failed to index question %s", q.ID)
	}
	return nil
}

// Delete removes a question document
func (e *ElasticEngine) Delete(ctx context.Context, id string) error {
	req := esapi.DeleteRequest{
		Index:      e.index,
		DocumentID: id,
		Refresh:    e.refresh,
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute delete request")
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return errors.Wrapf(responseError(res), "failed to delete question %s", id)
	}
	return nil
}

// Search runs q and returns the matching documents in score order
func (e *ElasticEngine) Search(ctx context.Context, q Query) ([]models.Question, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildElasticQuery(q)); err != nil {
		return nil, errors.Wrap(err, "failed to encode search query")
	}

	opts := []func(*esapi.SearchRequest){
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.index),
		e.client.Search.WithBody(&buf),
	}
	if e.maxHits > 0 {
		opts = append(opts, e.client.Search.WithSize(e.maxHits))
	}

	res, err := e.client.Search(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, errors.Wrap(responseError(res), "search request failed")
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source models.Question `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse search response")
	}

	questions := make([]models.Question, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		questions = append(questions, hit.Source)
	}
	return questions, nil
}

// Ping checks that the cluster answers
func (e *ElasticEngine) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "error connecting to Elasticsearch")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res)
	}
	return nil
}

// Close is a no-op; the HTTP transport is shared for the process lifetime
func (e *ElasticEngine) Close() error {
	return nil
}

// buildElasticQuery translates q into a bool query: free text scores,
// the tag filter only restricts.
func buildElasticQuery(q Query) map[string]interface{} {
	var must map[string]interface{}
	if q.Text == "" {
		must = map[string]interface{}{"match_all": map[string]interface{}{}}
	} else {
		must = map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  q.Text,
				"fields": []string{FieldTitle, FieldContent},
			},
		}
	}

	boolQuery := map[string]interface{}{
		"must": []interface{}{must},
	}
	if q.Filtered() {
		boolQuery["filter"] = []interface{}{
			map[string]interface{}{
				"term": map[string]interface{}{FieldTags: q.Tag},
			},
		}
	}

	return map[string]interface{}{
		"query": map[string]interface{}{"bool": boolQuery},
	}
}

// versionOf maps the logical version to an external document version
func versionOf(q models.Question) int64 {
	v := q.Version().UnixNano()
	if v < 0 {
		return 0
	}
	return v
}

// responseError decodes an Elasticsearch error body
func responseError(res *esapi.Response) *ResponseError {
	respErr := &ResponseError{StatusCode: res.StatusCode}

	raw, err := io.ReadAll(res.Body)
	if err != nil || len(raw) == 0 {
		return respErr
	}

	var body struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		respErr.Reason = string(raw)
		return respErr
	}
	respErr.Type = body.Error.Type
	respErr.Reason = body.Error.Reason
	return respErr
}
