package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// SearchRow is one hybrid-retrieval result: the best-scoring chunk of a
// document together with the denormalized document fields.
type SearchRow struct {
	DocumentID   string     `json:"document_id"`
	ProjectID    string     `json:"project_id"`
	Title        string     `json:"title"`
	Number       string     `json:"number"`
	Category     string     `json:"category"`
	DocType      string     `json:"doc_type"`
	Revision     string     `json:"revision"`
	Filename     string     `json:"filename"`
	FileType     string     `json:"file_type"`
	DateModified *time.Time `json:"date_modified"`
	Snippet      string     `json:"snippet"`
	VectorScore  float64    `json:"vector_score"`
	TextScore    float64    `json:"text_score"`
	Score        float64    `json:"score"`
}

// SearchParams carries the knobs for one retrieval request.
type SearchParams struct {
	ProjectID    string
	TopK         int
	Probes       int
	VectorWeight float64
	TextWeight   float64
}

// The hybrid statement scores every candidate chunk as a convex combination of
// vector similarity and lexical rank, window-normalizes the lexical rank to
// its per-query maximum, keeps the best chunk per document and returns the
// global top K. Field text has ./_/- translated to spaces before tokenization
// so identifier-like strings match.
func buildHybridSQL(withFilter bool) string {
	filter := ""
	limit := "$5"
	if withFilter {
		filter = " AND dc.project_id = $5"
		limit = "$6"
	}
	return fmt.Sprintf(`
WITH scored AS (
	SELECT
		dc.document_id,
		dc.project_id,
		COALESCE(d.title, '') AS title,
		COALESCE(d.number, '') AS number,
		COALESCE(d.category, '') AS category,
		COALESCE(d.doc_type, '') AS doc_type,
		COALESCE(d.revision, '') AS revision,
		COALESCE(d.filename, '') AS filename,
		COALESCE(d.file_type, '') AS file_type,
		d.date_modified,
		dc.content AS snippet,
		GREATEST(0, 1 - (dc.embedding <=> $1)) AS vector_score,
		ts_rank(to_tsvector('spanish', translate(lower(COALESCE(d.title, '')), '._-', '   ')), plainto_tsquery('spanish', $2)) * 2.0
			+ ts_rank(to_tsvector('spanish', translate(lower(COALESCE(d.number, '')), '._-', '   ')), plainto_tsquery('spanish', $2))
			+ ts_rank(to_tsvector('spanish', dc.content), plainto_tsquery('spanish', $2)) AS text_rank
	FROM document_chunks dc
	JOIN documents d ON d.document_id = dc.document_id
	WHERE dc.embedding IS NOT NULL%s
), normalized AS (
	SELECT scored.*,
		COALESCE(text_rank / NULLIF(MAX(text_rank) OVER (), 0), 0) AS text_score
	FROM scored
), combined AS (
	SELECT normalized.*,
		vector_score * $3 + text_score * $4 AS score,
		ROW_NUMBER() OVER (
			PARTITION BY document_id
			ORDER BY vector_score * $3 + text_score * $4 DESC, vector_score DESC
		) AS rn
	FROM normalized
)
SELECT document_id, project_id, title, number, category, doc_type, revision,
       filename, file_type, date_modified, snippet, vector_score, text_score, score
FROM combined
WHERE rn = 1
ORDER BY score DESC, vector_score DESC, date_modified DESC NULLS LAST, document_id ASC
LIMIT %s`, filter, limit)
}

// The lexical statement serves retrieval when no query embedding is available.
// It covers chunks without embeddings too, and the normalized lexical rank
// stands in as the final score.
func buildLexicalSQL(withFilter bool) string {
	filter := "WHERE 1 = 1"
	limit := "$2"
	if withFilter {
		filter = "WHERE dc.project_id = $2"
		limit = "$3"
	}
	return fmt.Sprintf(`
WITH scored AS (
	SELECT
		dc.document_id,
		dc.project_id,
		COALESCE(d.title, '') AS title,
		COALESCE(d.number, '') AS number,
		COALESCE(d.category, '') AS category,
		COALESCE(d.doc_type, '') AS doc_type,
		COALESCE(d.revision, '') AS revision,
		COALESCE(d.filename, '') AS filename,
		COALESCE(d.file_type, '') AS file_type,
		d.date_modified,
		dc.content AS snippet,
		ts_rank(to_tsvector('spanish', translate(lower(COALESCE(d.title, '')), '._-', '   ')), plainto_tsquery('spanish', $1)) * 2.0
			+ ts_rank(to_tsvector('spanish', translate(lower(COALESCE(d.number, '')), '._-', '   ')), plainto_tsquery('spanish', $1))
			+ ts_rank(to_tsvector('spanish', dc.content), plainto_tsquery('spanish', $1)) AS text_rank
	FROM document_chunks dc
	JOIN documents d ON d.document_id = dc.document_id
	%s
), normalized AS (
	SELECT scored.*,
		COALESCE(text_rank / NULLIF(MAX(text_rank) OVER (), 0), 0) AS text_score
	FROM scored
), combined AS (
	SELECT normalized.*,
		ROW_NUMBER() OVER (
			PARTITION BY document_id
			ORDER BY text_score DESC
		) AS rn
	FROM normalized
)
SELECT document_id, project_id, title, number, category, doc_type, revision,
       filename, file_type, date_modified, snippet, 0::float8 AS vector_score,
       text_score, text_score AS score
FROM combined
WHERE rn = 1 AND text_score > 0
ORDER BY score DESC, date_modified DESC NULLS LAST, document_id ASC
LIMIT %s`, filter, limit)
}

// HybridSearch returns up to TopK rows ranked by the combined score. The
// candidate scan runs inside a transaction so the ivfflat probes setting is
// scoped to this query alone.
func (s *Store) HybridSearch(ctx context.Context, queryVec []float32, queryText string, p SearchParams) ([]SearchRow, error) {
	if len(queryVec) != s.dimension {
		return nil, fmt.Errorf("query embedding dimension mismatch: expected %d got %d", s.dimension, len(queryVec))
	}

	probes := p.Probes
	if probes < 1 {
		probes = 1
	}
	if probes > 100 {
		probes = 100
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin search transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// SET LOCAL does not take bind parameters; probes is clamped above.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set probes: %w", err)
	}

	vec := pgvector.NewVector(queryVec)
	var rowsArgs []any
	sql := s.hybridSQL
	if p.ProjectID != "" {
		sql = s.hybridFilteredSQL
		rowsArgs = []any{vec, queryText, p.VectorWeight, p.TextWeight, p.ProjectID, p.TopK}
	} else {
		rowsArgs = []any{vec, queryText, p.VectorWeight, p.TextWeight, p.TopK}
	}

	rows, err := tx.Query(ctx, sql, rowsArgs...)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	results, err := scanSearchRows(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit search transaction: %w", err)
	}
	return results, nil
}

// LexicalSearch ranks by full-text relevance only. It is the read-path
// fallback when the embedder is unavailable.
func (s *Store) LexicalSearch(ctx context.Context, queryText string, p SearchParams) ([]SearchRow, error) {
	var args []any
	sql := s.lexicalSQL
	if p.ProjectID != "" {
		sql = s.lexicalFilterSQL
		args = []any{queryText, p.ProjectID, p.TopK}
	} else {
		args = []any{queryText, p.TopK}
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return scanSearchRows(rows)
}

func scanSearchRows(rows pgx.Rows) ([]SearchRow, error) {
	defer rows.Close()

	var results []SearchRow
	for rows.Next() {
		var r SearchRow
		if err := rows.Scan(
			&r.DocumentID, &r.ProjectID, &r.Title, &r.Number, &r.Category,
			&r.DocType, &r.Revision, &r.Filename, &r.FileType, &r.DateModified,
			&r.Snippet, &r.VectorScore, &r.TextScore, &r.Score,
		); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return results, nil
}
