package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fabfab/aconex-rag/internal/ingest"
	"github.com/fabfab/aconex-rag/internal/llm"
	"github.com/fabfab/aconex-rag/internal/rag"
	"github.com/fabfab/aconex-rag/internal/store"
)

// ErrDuplicateDocument is returned under CollisionError when the derived
// document id already exists.
var ErrDuplicateDocument = errors.New("document already exists")

// minTextLength is the shortest extracted text accepted for ingestion.
const minTextLength = 10

// uploadNamespace is the fixed UUIDv5 namespace for upload document ids.
var uploadNamespace = uuid.MustParse("3f1d9b1c-8a44-4a8e-9d5f-0b2c4e6a7d91")

// CollisionPolicy decides what happens when the same upload is attempted
// twice within the collision window.
type CollisionPolicy int

const (
	// CollisionError rejects the duplicate.
	CollisionError CollisionPolicy = iota
	// CollisionSkip returns the existing document untouched.
	CollisionSkip
	// CollisionReplace re-ingests over the existing document.
	CollisionReplace
)

// Store is the persistence surface the uploader needs.
type Store interface {
	ingest.DocumentStore
	GetDocumentMeta(ctx context.Context, documentID string) (store.Document, error)
}

// Result describes a completed upload.
type Result struct {
	DocumentID    string `json:"document_id"`
	ChunksCreated int    `json:"chunks_created"`
	TextLength    int    `json:"text_length"`
	ProjectID     string `json:"project_id"`
	Title         string `json:"title"`
}

// QueryResult is the answer part of an upload-and-query call.
type QueryResult struct {
	Question string            `json:"question"`
	Answer   string            `json:"answer"`
	Sources  []store.SearchRow `json:"sources"`
}

// Uploader accepts file bytes, extracts text and ingests the result as a
// single-document batch, keeping the original bytes servable.
type Uploader struct {
	store     Store
	ingestor  *ingest.Ingestor
	retriever rag.Retriever
	client    llm.Client // nil disables the LLM path for upload-and-query

	now func() time.Time
}

// New constructs an Uploader. client may be nil.
func New(st Store, ingestor *ingest.Ingestor, retriever rag.Retriever, client llm.Client) *Uploader {
	return &Uploader{
		store:     st,
		ingestor:  ingestor,
		retriever: retriever,
		client:    client,
		now:       time.Now,
	}
}

// DocumentID derives the upload document id from the filename, the head of
// the extracted text and the upload instant truncated to the minute, so exact
// duplicates attempted within a short window collide detectably.
func DocumentID(filename, text string, at time.Time) string {
	head := text
	if runes := []rune(head); len(runes) > 100 {
		head = string(runes[:100])
	}
	payload := filename + "\x00" + head + "\x00" + at.UTC().Truncate(time.Minute).Format(time.RFC3339)
	return uuid.NewSHA1(uploadNamespace, []byte(payload)).String()
}

// Upload extracts, chunks, embeds and persists one document.
func (u *Uploader) Upload(ctx context.Context, data []byte, filename string, metadata map[string]any, policy CollisionPolicy) (Result, error) {
	fileType, err := FileTypeFromName(filename)
	if err != nil {
		return Result{}, err
	}

	text, err := ExtractText(fileType, data)
	if err != nil {
		return Result{}, err
	}
	if len(strings.TrimSpace(text)) < minTextLength {
		return Result{}, ErrEmptyDocument
	}

	documentID := DocumentID(filename, text, u.now())

	projectID := metaOr(metadata, "project_id", "UPLOADED")
	docType := metaOr(metadata, "doc_type", "documento")
	title := metaOr(metadata, "title", strings.TrimSuffix(filename, "."+fileType))

	if _, err := u.store.GetDocumentMeta(ctx, documentID); err == nil {
		switch policy {
		case CollisionSkip:
			return Result{
				DocumentID: documentID,
				TextLength: len(text),
				ProjectID:  projectID,
				Title:      title,
			}, nil
		case CollisionReplace:
			// fall through to re-ingest over the existing document
		default:
			return Result{}, fmt.Errorf("%w: %s", ErrDuplicateDocument, documentID)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("check existing document: %w", err)
	}

	size := int64(len(data))
	record := ingest.RawRecord{
		DocumentID: documentID,
		ProjectID:  projectID,
		Metadata: map[string]any{
			"Title":        title,
			"Filename":     filename,
			"FileType":     fileType,
			"DocumentType": docType,
			"FileSize":     float64(size),
			"DateModified": u.now().UTC().Format(time.RFC3339),
		},
		FullText:  text,
		FileBytes: data,
	}

	res, err := u.ingestor.Run(ctx, ingest.SliceSource(record), ingest.Options{
		DefaultProjectID: projectID,
		BatchSize:        1,
	})
	if err != nil {
		return Result{}, fmt.Errorf("ingest upload: %w", err)
	}

	log.Info().Str("document_id", documentID).Int("chunks", res.Chunks).Str("project_id", projectID).Msg("document uploaded")

	return Result{
		DocumentID:    documentID,
		ChunksCreated: res.Chunks,
		TextLength:    len(text),
		ProjectID:     projectID,
		Title:         title,
	}, nil
}

// UploadAndQuery ingests the file and immediately answers a question,
// preferring chunks of the fresh document and widening to the whole corpus
// only when the new document does not rank.
func (u *Uploader) UploadAndQuery(ctx context.Context, data []byte, filename string, metadata map[string]any, question string) (Result, QueryResult, error) {
	uploaded, err := u.Upload(ctx, data, filename, metadata, CollisionReplace)
	if err != nil {
		return Result{}, QueryResult{}, err
	}

	rows, err := u.retriever.Retrieve(ctx, question, "", 5, 0)
	if err != nil {
		return uploaded, QueryResult{}, fmt.Errorf("query uploaded document: %w", err)
	}

	scoped := make([]store.SearchRow, 0, len(rows))
	for _, r := range rows {
		if r.DocumentID == uploaded.DocumentID {
			scoped = append(scoped, r)
		}
	}
	if len(scoped) == 0 {
		if len(rows) > 3 {
			rows = rows[:3]
		}
		scoped = rows
	}

	answer := u.answer(ctx, question, scoped)
	return uploaded, QueryResult{Question: question, Answer: answer, Sources: scoped}, nil
}

func (u *Uploader) answer(ctx context.Context, question string, rows []store.SearchRow) string {
	if len(rows) == 0 {
		return "No se encontró información relevante en el documento para responder la pregunta."
	}

	parts := make([]string, 0, len(rows))
	for i, r := range rows {
		parts = append(parts, fmt.Sprintf("[Fragmento %d]\n%s", i+1, r.Snippet))
	}
	contextBlock := strings.Join(parts, "\n---\n")

	if u.client == nil {
		return clipContext(contextBlock)
	}

	messages := []llm.Message{
		{Role: "system", Content: "Eres un asistente que responde preguntas basándote ÚNICAMENTE en el documento proporcionado. Si la información no está en el documento, di que no la encontraste."},
		{Role: "user", Content: fmt.Sprintf("Documento:\n%s\n\nPregunta: %s\n\nRespuesta:", contextBlock, question)},
	}

	answer, err := u.client.Generate(ctx, messages)
	if err != nil {
		log.Warn().Err(err).Msg("llm call failed for upload-and-query, answering extractively")
		return clipContext(contextBlock)
	}
	return answer
}

func clipContext(contextBlock string) string {
	if runes := []rune(contextBlock); len(runes) > 500 {
		contextBlock = string(runes[:500]) + "..."
	}
	return "Contenido relevante:\n\n" + contextBlock
}

func metaOr(metadata map[string]any, key, fallback string) string {
	if metadata != nil {
		if v, ok := metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return fallback
}
