package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildHybridSQLVariants(t *testing.T) {
	unfiltered := buildHybridSQL(false)
	filtered := buildHybridSQL(true)

	assert.NotContains(t, unfiltered, "dc.project_id = $5")
	assert.Contains(t, unfiltered, "LIMIT $5")
	assert.Contains(t, filtered, "dc.project_id = $5")
	assert.Contains(t, filtered, "LIMIT $6")

	for _, sql := range []string{unfiltered, filtered} {
		assert.Contains(t, sql, "dc.embedding IS NOT NULL", "chunks without embeddings are invisible to vector retrieval")
		assert.Contains(t, sql, "GREATEST(0, 1 - (dc.embedding <=> $1))")
		assert.Contains(t, sql, "NULLIF(MAX(text_rank) OVER (), 0)", "lexical rank is normalized to the per-query max")
		assert.Contains(t, sql, "PARTITION BY document_id", "one row per document")
		assert.Contains(t, sql, "ORDER BY score DESC, vector_score DESC, date_modified DESC NULLS LAST, document_id ASC")
		assert.Equal(t, 1, strings.Count(sql, "* 2.0"), "title rank is double-weighted exactly once")
		assert.Contains(t, sql, `translate(lower(COALESCE(d.title, '')), '._-', '   ')`)
	}
}

func TestBuildLexicalSQLVariants(t *testing.T) {
	unfiltered := buildLexicalSQL(false)
	filtered := buildLexicalSQL(true)

	assert.Contains(t, unfiltered, "LIMIT $2")
	assert.Contains(t, filtered, "WHERE dc.project_id = $2")
	assert.Contains(t, filtered, "LIMIT $3")

	for _, sql := range []string{unfiltered, filtered} {
		assert.NotContains(t, sql, "<=>", "the lexical statement must not touch the vector index")
		assert.Contains(t, sql, "0::float8 AS vector_score")
		assert.Contains(t, sql, "text_score AS score")
	}
}
