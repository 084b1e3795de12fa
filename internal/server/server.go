package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/fabfab/aconex-rag/internal/config"
	"github.com/fabfab/aconex-rag/internal/ingest"
	"github.com/fabfab/aconex-rag/internal/llm"
	"github.com/fabfab/aconex-rag/internal/rag"
	"github.com/fabfab/aconex-rag/internal/search"
	"github.com/fabfab/aconex-rag/internal/store"
	"github.com/fabfab/aconex-rag/internal/upload"
)

// Searcher is the retrieval surface the search endpoint uses.
type Searcher interface {
	Retrieve(ctx context.Context, query, projectID string, topK, probes int) ([]store.SearchRow, error)
}

// Chatter answers questions from the corpus.
type Chatter interface {
	Ask(ctx context.Context, question string, history []llm.Message, maxContextDocs int) (rag.Answer, error)
}

// Uploader accepts file uploads and the upload-and-query combination.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename string, metadata map[string]any, policy upload.CollisionPolicy) (upload.Result, error)
	UploadAndQuery(ctx context.Context, data []byte, filename string, metadata map[string]any, question string) (upload.Result, upload.QueryResult, error)
}

// DocumentStore is the slice of the store the document and feedback endpoints
// read and write.
type DocumentStore interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetDocumentMeta(ctx context.Context, documentID string) (store.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
	InsertFeedback(ctx context.Context, sessionID string, rating int, comment string) error
	GetStats(ctx context.Context) (store.Stats, error)
}

// Server wires HTTP handlers to the retrieval, chat and upload services.
type Server struct {
	cfg      config.Config
	router   http.Handler
	searcher Searcher
	chatter  Chatter
	uploader Uploader
	docs     DocumentStore
}

// New constructs a Server with the provided dependencies.
func New(cfg config.Config, searcher Searcher, chatter Chatter, uploader Uploader, docs DocumentStore) *Server {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(requestLogger)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	s := &Server{
		cfg:      cfg,
		router:   mux,
		searcher: searcher,
		chatter:  chatter,
		uploader: uploader,
		docs:     docs,
	}

	mux.Get("/health", s.handleHealth)
	mux.Get("/stats", s.handleStats)
	mux.Post("/search", s.handleSearch)
	mux.Post("/chat", s.handleChat)
	mux.Post("/feedback", s.handleFeedback)
	mux.Post("/upload", s.handleUpload)
	mux.Post("/upload-and-query", s.handleUploadAndQuery)
	mux.Get("/document/{id}/file", s.handleDocumentFile)
	mux.Get("/document/{id}/preview", s.handleDocumentPreview)
	mux.Delete("/document/{id}", s.handleDocumentDelete)

	return s
}

// ServeHTTP exposes the router so Server satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request with the request id as the
// correlation id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.docs.GetStats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type searchRequest struct {
	Query     string `json:"query"`
	ProjectID string `json:"project_id"`
	TopK      int    `json:"top_k"`
	Probes    int    `json:"probes"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("query must not be empty"))
		return
	}
	if req.TopK == 0 {
		req.TopK = 5
	}
	if req.TopK < 1 || req.TopK > 50 {
		writeError(w, r, http.StatusBadRequest, errors.New("top_k must be between 1 and 50"))
		return
	}
	if req.Probes == 0 {
		req.Probes = s.cfg.Retrieval.Probes
	}
	if req.Probes < 1 || req.Probes > 100 {
		writeError(w, r, http.StatusBadRequest, errors.New("probes must be between 1 and 100"))
		return
	}

	rows, err := s.searcher.Retrieve(r.Context(), req.Query, req.ProjectID, req.TopK, req.Probes)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	rows = search.TightenForSearch(rows)
	if rows == nil {
		rows = []store.SearchRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

type chatRequest struct {
	Question       string `json:"question"`
	MaxContextDocs int    `json:"max_context_docs"`
	History        []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"history"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("question must not be empty"))
		return
	}
	if req.MaxContextDocs == 0 {
		req.MaxContextDocs = 15
	}
	if req.MaxContextDocs < 1 || req.MaxContextDocs > 50 {
		writeError(w, r, http.StatusBadRequest, errors.New("max_context_docs must be between 1 and 50"))
		return
	}

	history := make([]llm.Message, 0, len(req.History))
	for _, turn := range req.History {
		if turn.Role != "user" && turn.Role != "assistant" {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid history role %q", turn.Role))
			return
		}
		history = append(history, llm.Message{Role: turn.Role, Content: turn.Content})
	}

	answer, err := s.chatter.Ask(r.Context(), req.Question, history, req.MaxContextDocs)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

type feedbackRequest struct {
	SessionID string `json:"session_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("session_id must not be empty"))
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		writeError(w, r, http.StatusBadRequest, errors.New("rating must be between 1 and 5"))
		return
	}

	if err := s.docs.InsertFeedback(r.Context(), req.SessionID, req.Rating, req.Comment); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, map[string]any, bool) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return nil, "", nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("read file: %w", err))
		return nil, "", nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Errorf("read upload: %w", err))
		return nil, "", nil, false
	}

	var metadata map[string]any
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			writeError(w, r, http.StatusBadRequest, upload.ErrInvalidMetadata)
			return nil, "", nil, false
		}
	}

	return data, header.Filename, metadata, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, filename, metadata, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	result, err := s.uploader.Upload(r.Context(), data, filename, metadata, upload.CollisionError)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"document_id":    result.DocumentID,
		"chunks_created": result.ChunksCreated,
		"text_length":    result.TextLength,
		"project_id":     result.ProjectID,
		"title":          result.Title,
	})
}

func (s *Server) handleUploadAndQuery(w http.ResponseWriter, r *http.Request) {
	data, filename, metadata, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	question := strings.TrimSpace(r.FormValue("question"))
	if question == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("question must not be empty"))
		return
	}

	uploaded, query, err := s.uploader.UploadAndQuery(r.Context(), data, filename, metadata, question)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"upload_result": uploaded,
		"query_result":  query,
	})
}

// mediaTypes maps stored file types onto response content types.
var mediaTypes = map[string]string{
	"pdf":  "application/pdf",
	"txt":  "text/plain; charset=utf-8",
	"json": "application/json",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

func (s *Server) handleDocumentFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	if len(doc.FileContent) == 0 {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("document %s has no stored file", id))
		return
	}

	contentType := mediaTypes[doc.FileType]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if doc.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", doc.Filename))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.FileContent)
}

func (s *Server) handleDocumentPreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.docs.GetDocumentMeta(r.Context(), id)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.docs.DeleteDocument(r.Context(), id); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "document_id": id})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrUnsupportedFormat),
		errors.Is(err, upload.ErrEmptyDocument),
		errors.Is(err, upload.ErrInvalidMetadata),
		errors.Is(err, upload.ErrDuplicateDocument),
		errors.Is(err, ingest.ErrNormalization):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}
