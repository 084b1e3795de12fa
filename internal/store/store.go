package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a uniquely identified artifact in the corpus.
type Document struct {
	DocumentID   string     `json:"document_id"`
	ProjectID    string     `json:"project_id"`
	Title        string     `json:"title"`
	Number       string     `json:"number"`
	Category     string     `json:"category"`
	DocType      string     `json:"doc_type"`
	Status       string     `json:"status"`
	ReviewStatus string     `json:"review_status"`
	Revision     string     `json:"revision"`
	Filename     string     `json:"filename"`
	FileType     string     `json:"file_type"`
	FileSize     *int64     `json:"file_size,omitempty"`
	DateModified *time.Time `json:"date_modified,omitempty"`
	Raw          []byte     `json:"-"`
	FileContent  []byte     `json:"-"`
}

// Chunk is a contiguous slice of a document's text plus its embedding. A nil
// embedding leaves the chunk visible to lexical retrieval only.
type Chunk struct {
	ChunkID      uuid.UUID
	DocumentID   string
	ProjectID    string
	Title        string
	DateModified *time.Time
	Content      string
	Embedding    []float32
}

// Store persists documents, chunks and embeddings in Postgres + pgvector and
// serves the hybrid retrieval queries.
type Store struct {
	pool      *pgxpool.Pool
	dimension int

	hybridSQL         string
	hybridFilteredSQL string
	lexicalSQL        string
	lexicalFilterSQL  string
}

// New connects to Postgres and ensures the necessary schema exists. The
// embedding dimension is fixed here for the lifetime of the store.
func New(ctx context.Context, dsn string, maxConns int, dimension int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	s := &Store{
		pool:      pool,
		dimension: dimension,
	}
	s.hybridSQL = buildHybridSQL(false)
	s.hybridFilteredSQL = buildHybridSQL(true)
	s.lexicalSQL = buildLexicalSQL(false)
	s.lexicalFilterSQL = buildLexicalSQL(true)

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() {
	s.pool.Close()
}

// Dimension returns the embedding dimension the store was created with.
func (s *Store) Dimension() int { return s.dimension }

func (s *Store) ensureSchema(ctx context.Context) error {
	const statements = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
	document_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	number TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	doc_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	review_status TEXT NOT NULL DEFAULT '',
	revision TEXT NOT NULL DEFAULT '',
	filename TEXT NOT NULL DEFAULT '',
	file_type TEXT NOT NULL DEFAULT '',
	file_size BIGINT,
	date_modified TIMESTAMPTZ,
	raw JSONB,
	file_content BYTEA
);

CREATE TABLE IF NOT EXISTS document_chunks (
	chunk_id UUID PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents (document_id) ON DELETE CASCADE,
	project_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	date_modified TIMESTAMPTZ,
	content TEXT NOT NULL,
	embedding vector(%[1]d)
);

CREATE TABLE IF NOT EXISTS chat_feedback (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	rating INT NOT NULL,
	comment TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS search_audit (
	id BIGSERIAL PRIMARY KEY,
	query TEXT NOT NULL,
	project_id TEXT,
	best_score DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS document_chunks_project_idx
	ON document_chunks (project_id);

CREATE INDEX IF NOT EXISTS document_chunks_document_idx
	ON document_chunks (document_id);

CREATE INDEX IF NOT EXISTS documents_title_tsv_idx
	ON documents USING gin (to_tsvector('spanish', translate(lower(COALESCE(title, '')), '._-', '   ')));

CREATE INDEX IF NOT EXISTS documents_number_tsv_idx
	ON documents USING gin (to_tsvector('spanish', translate(lower(COALESCE(number, '')), '._-', '   ')));

CREATE INDEX IF NOT EXISTS document_chunks_content_tsv_idx
	ON document_chunks USING gin (to_tsvector('spanish', content));

-- Create the IVF index if it is missing. This is idempotent because we guard it.
DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1
		FROM pg_indexes
		WHERE schemaname = current_schema()
			AND indexname = 'document_chunks_embedding_idx'
	) THEN
		EXECUTE 'CREATE INDEX document_chunks_embedding_idx ON document_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);';
	END IF;
END
$$;
`

	_, err := s.pool.Exec(ctx, fmt.Sprintf(statements, s.dimension))
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// IVF builds need rows; if creation fails on an empty table we continue
		// and rely on exact scans until the index exists.
		err = nil
	}
	return err
}

// UpsertDocuments inserts or replaces documents by document_id, atomically per
// batch.
func (s *Store) UpsertDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
INSERT INTO documents (
	document_id, project_id, title, number, category, doc_type,
	status, review_status, revision, filename, file_type, file_size,
	date_modified, raw, file_content
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (document_id) DO UPDATE SET
	project_id = EXCLUDED.project_id,
	title = EXCLUDED.title,
	number = EXCLUDED.number,
	category = EXCLUDED.category,
	doc_type = EXCLUDED.doc_type,
	status = EXCLUDED.status,
	review_status = EXCLUDED.review_status,
	revision = EXCLUDED.revision,
	filename = EXCLUDED.filename,
	file_type = EXCLUDED.file_type,
	file_size = EXCLUDED.file_size,
	date_modified = EXCLUDED.date_modified,
	raw = EXCLUDED.raw,
	file_content = COALESCE(EXCLUDED.file_content, documents.file_content)`

	for _, doc := range docs {
		if _, err := tx.Exec(ctx, upsert,
			doc.DocumentID, doc.ProjectID, doc.Title, doc.Number, doc.Category,
			doc.DocType, doc.Status, doc.ReviewStatus, doc.Revision, doc.Filename,
			doc.FileType, doc.FileSize, doc.DateModified, doc.Raw, doc.FileContent,
		); err != nil {
			return fmt.Errorf("upsert document %s: %w", doc.DocumentID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit document batch: %w", err)
	}
	return nil
}

// InsertChunks inserts chunks with conflict-ignore on chunk_id. Callers supply
// deterministic ids, so re-ingesting the same content is a no-op.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
INSERT INTO document_chunks (chunk_id, document_id, project_id, title, date_modified, content, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (chunk_id) DO NOTHING`

	for _, chunk := range chunks {
		var embedding any
		if chunk.Embedding != nil {
			if len(chunk.Embedding) != s.dimension {
				return fmt.Errorf("chunk %s: embedding dimension mismatch: expected %d got %d",
					chunk.ChunkID, s.dimension, len(chunk.Embedding))
			}
			embedding = pgvector.NewVector(chunk.Embedding)
		}
		if _, err := tx.Exec(ctx, insert,
			chunk.ChunkID, chunk.DocumentID, chunk.ProjectID, chunk.Title,
			chunk.DateModified, chunk.Content, embedding,
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", chunk.ChunkID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunk batch: %w", err)
	}
	return nil
}

// DeleteDocument removes a document; its chunks cascade.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDocument returns the full document including stored file content.
func (s *Store) GetDocument(ctx context.Context, documentID string) (Document, error) {
	const query = `
SELECT document_id, project_id, title, number, category, doc_type, status,
       review_status, revision, filename, file_type, file_size, date_modified,
       raw, file_content
FROM documents
WHERE document_id = $1`

	var doc Document
	err := s.pool.QueryRow(ctx, query, documentID).Scan(
		&doc.DocumentID, &doc.ProjectID, &doc.Title, &doc.Number, &doc.Category,
		&doc.DocType, &doc.Status, &doc.ReviewStatus, &doc.Revision, &doc.Filename,
		&doc.FileType, &doc.FileSize, &doc.DateModified, &doc.Raw, &doc.FileContent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// GetDocumentMeta returns the document without its stored bytes.
func (s *Store) GetDocumentMeta(ctx context.Context, documentID string) (Document, error) {
	const query = `
SELECT document_id, project_id, title, number, category, doc_type, status,
       review_status, revision, filename, file_type, file_size, date_modified
FROM documents
WHERE document_id = $1`

	var doc Document
	err := s.pool.QueryRow(ctx, query, documentID).Scan(
		&doc.DocumentID, &doc.ProjectID, &doc.Title, &doc.Number, &doc.Category,
		&doc.DocType, &doc.Status, &doc.ReviewStatus, &doc.Revision, &doc.Filename,
		&doc.FileType, &doc.FileSize, &doc.DateModified,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document meta: %w", err)
	}
	return doc, nil
}

// HasChunks reports whether a document already has chunks. The batch ingestor
// uses this to resume an interrupted run without re-embedding.
func (s *Store) HasChunks(ctx context.Context, documentID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM document_chunks WHERE document_id = $1)`, documentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check chunks: %w", err)
	}
	return exists, nil
}

// SetSyntheticContent stores generated text under the synthetic_content key of
// a document's raw record and drops its chunks so the next ingest pass
// re-chunks it.
func (s *Store) SetSyntheticContent(ctx context.Context, documentID, content string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE documents SET raw = jsonb_set(COALESCE(raw, '{}'::jsonb), '{synthetic_content}', to_jsonb($2::text)) WHERE document_id = $1`,
		documentID, content,
	)
	if err != nil {
		return fmt.Errorf("set synthetic content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("drop chunks: %w", err)
	}
	return tx.Commit(ctx)
}

// InsertFeedback records a chat rating against a session id.
func (s *Store) InsertFeedback(ctx context.Context, sessionID string, rating int, comment string) error {
	var c *string
	if comment != "" {
		c = &comment
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO chat_feedback (session_id, rating, comment) VALUES ($1, $2, $3)`,
		sessionID, rating, c,
	); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// InsertSearchAudit records a query that produced no results even unfiltered,
// together with the best score observed.
func (s *Store) InsertSearchAudit(ctx context.Context, query, projectID string, bestScore float64) error {
	var p *string
	if projectID != "" {
		p = &projectID
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO search_audit (query, project_id, best_score) VALUES ($1, $2, $3)`,
		query, p, bestScore,
	); err != nil {
		return fmt.Errorf("insert search audit: %w", err)
	}
	return nil
}

// ProjectStats is the per-project slice of the corpus statistics.
type ProjectStats struct {
	ProjectID string `json:"project_id"`
	Documents int64  `json:"documents"`
	Chunks    int64  `json:"chunks"`
}

// Stats summarizes the corpus.
type Stats struct {
	TotalDocuments int64          `json:"total_documents"`
	TotalChunks    int64          `json:"total_chunks"`
	Projects       []ProjectStats `json:"projects"`
}

// GetStats returns document and chunk counts, overall and per project.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&stats.TotalDocuments); err != nil {
		return Stats{}, fmt.Errorf("count documents: %w", err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM document_chunks`).Scan(&stats.TotalChunks); err != nil {
		return Stats{}, fmt.Errorf("count chunks: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT d.project_id, COUNT(DISTINCT d.document_id), COUNT(dc.chunk_id)
FROM documents d
LEFT JOIN document_chunks dc ON dc.document_id = d.document_id
GROUP BY d.project_id
ORDER BY COUNT(DISTINCT d.document_id) DESC`)
	if err != nil {
		return Stats{}, fmt.Errorf("project stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p ProjectStats
		if err := rows.Scan(&p.ProjectID, &p.Documents, &p.Chunks); err != nil {
			return Stats{}, fmt.Errorf("scan project stats: %w", err)
		}
		stats.Projects = append(stats.Projects, p)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate project stats: %w", err)
	}
	return stats, nil
}
