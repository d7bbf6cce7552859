package search

import (
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// elasticIndexBody is the index creation body: identifiers and tags are
// unanalysed keywords, title and content are relevance-scored text.
var elasticIndexBody = map[string]interface{}{
	"mappings": map[string]interface{}{
		"dynamic": "false",
		"properties": map[string]interface{}{
			FieldID:               map[string]interface{}{"type": "keyword"},
			FieldTitle:            map[string]interface{}{"type": "text"},
			FieldContent:          map[string]interface{}{"type": "text"},
			FieldTags:             map[string]interface{}{"type": "keyword"},
			FieldCreatedAt:        map[string]interface{}{"type": "date"},
			FieldUpdatedAt:        map[string]interface{}{"type": "date"},
			FieldViewCount:        map[string]interface{}{"type": "integer"},
			FieldAskerID:          map[string]interface{}{"type": "keyword", "index": false},
			FieldAskerDisplayName: map[string]interface{}{"type": "keyword", "index": false},
		},
	},
}

// newBleveMapping returns the same schema for the embedded engine
func newBleveMapping() mapping.IndexMapping {
	keyword := mapping.NewKeywordFieldMapping()
	keyword.Store = false

	text := mapping.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = false

	date := mapping.NewDateTimeFieldMapping()
	date.Store = false

	numeric := mapping.NewNumericFieldMapping()
	numeric.Store = false

	doc := mapping.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(FieldID, keyword)
	doc.AddFieldMappingsAt(FieldTitle, text)
	doc.AddFieldMappingsAt(FieldContent, text)
	doc.AddFieldMappingsAt(FieldTags, keyword)
	doc.AddFieldMappingsAt(FieldCreatedAt, date)
	doc.AddFieldMappingsAt(FieldViewCount, numeric)

	m := mapping.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}
