package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fabfab/aconex-rag/internal/embeddings"
	"github.com/fabfab/aconex-rag/internal/store"
)

// chunkNamespace is the fixed UUIDv5 namespace for chunk ids. Together with
// (document_id, content) it makes chunk ids stable across processes and runs.
var chunkNamespace = uuid.MustParse("8c9e3bb4-51f2-4f6a-9a0d-6c7b1f2ae540")

// ChunkID derives the deterministic id for a chunk of a document.
func ChunkID(documentID, content string) uuid.UUID {
	payload := make([]byte, 0, len(documentID)+1+len(content))
	payload = append(payload, documentID...)
	payload = append(payload, 0)
	payload = append(payload, content...)
	return uuid.NewSHA1(chunkNamespace, payload)
}

// DocumentStore is the slice of the store the ingestor writes through.
type DocumentStore interface {
	UpsertDocuments(ctx context.Context, docs []store.Document) error
	InsertChunks(ctx context.Context, chunks []store.Chunk) error
	HasChunks(ctx context.Context, documentID string) (bool, error)
}

// RecordSource yields raw records until io.EOF.
type RecordSource interface {
	Next() (RawRecord, error)
}

// Options tunes one ingest run.
type Options struct {
	DefaultProjectID string
	BatchSize        int
	// Resume skips records whose document already has chunks, so an
	// interrupted run can pick up where it left off.
	Resume bool
}

// Result summarizes an ingest run.
type Result struct {
	Documents      int
	Chunks         int
	Skipped        int
	FailedBatches  int
	ChunksDeferred int // chunks dropped because the embedder failed; documents remain lexical-only
}

// Ingestor orchestrates normalize → chunk → embed → persist in batches.
type Ingestor struct {
	store    DocumentStore
	embedder embeddings.Embedder
	chunker  Chunker
}

// New constructs an Ingestor.
func New(st DocumentStore, embedder embeddings.Embedder, chunker Chunker) *Ingestor {
	return &Ingestor{store: st, embedder: embedder, chunker: chunker}
}

type pendingChunk struct {
	doc  store.Document
	text string
}

// Run consumes the source to exhaustion. Normalization failures are logged
// and skipped; a store write error aborts the run; an embedder failure loses
// only the batch's chunks (documents stay, searchable lexically) and the run
// continues.
func (ing *Ingestor) Run(ctx context.Context, source RecordSource, opts Options) (Result, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var result Result
	for {
		batch, err := readBatch(source, batchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			return result, nil
		}
		if err := ing.ingestBatch(ctx, batch, opts, &result); err != nil {
			return result, err
		}
	}
}

func readBatch(source RecordSource, size int) ([]RawRecord, error) {
	batch := make([]RawRecord, 0, size)
	for len(batch) < size {
		rec, err := source.Next()
		if errors.Is(err, io.EOF) {
			return batch, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		batch = append(batch, rec)
	}
	return batch, nil
}

func (ing *Ingestor) ingestBatch(ctx context.Context, batch []RawRecord, opts Options, result *Result) error {
	var docs []store.Document
	var pending []pendingChunk

	for _, rec := range batch {
		normalized, err := Normalize(rec, opts.DefaultProjectID)
		if err != nil {
			log.Warn().Err(err).Str("document_id", rec.DocumentID).Msg("skipping record")
			result.Skipped++
			continue
		}

		if opts.Resume {
			done, err := ing.store.HasChunks(ctx, normalized.Doc.DocumentID)
			if err != nil {
				return err
			}
			if done {
				result.Skipped++
				continue
			}
		}

		docs = append(docs, normalized.Doc)
		for _, text := range ing.chunker.Split(normalized.BodyText) {
			pending = append(pending, pendingChunk{doc: normalized.Doc, text: text})
		}
	}

	if len(docs) == 0 {
		return nil
	}

	// Within-batch collisions keep the last occurrence.
	docs = dedupeByID(docs)

	if err := ing.store.UpsertDocuments(ctx, docs); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	result.Documents += len(docs)

	if len(pending) == 0 {
		return nil
	}

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.text
	}

	vectors, err := ing.embedder.Embed(ctx, texts)
	if err != nil {
		// Documents are already committed; they remain lexical-only.
		log.Error().Err(err).Int("chunks", len(pending)).Msg("embedder failed, deferring batch chunks")
		result.FailedBatches++
		result.ChunksDeferred += len(pending)
		return nil
	}

	chunks := make([]store.Chunk, len(pending))
	for i, p := range pending {
		chunks[i] = store.Chunk{
			ChunkID:      ChunkID(p.doc.DocumentID, p.text),
			DocumentID:   p.doc.DocumentID,
			ProjectID:    p.doc.ProjectID,
			Title:        p.doc.Title,
			DateModified: p.doc.DateModified,
			Content:      p.text,
			Embedding:    vectors[i],
		}
	}

	if err := ing.store.InsertChunks(ctx, chunks); err != nil {
		return fmt.Errorf("insert batch chunks: %w", err)
	}
	result.Chunks += len(chunks)
	return nil
}

func dedupeByID(docs []store.Document) []store.Document {
	last := make(map[string]int, len(docs))
	for i, doc := range docs {
		last[doc.DocumentID] = i
	}
	out := docs[:0]
	for i, doc := range docs {
		if last[doc.DocumentID] == i {
			out = append(out, doc)
		}
	}
	return out
}
