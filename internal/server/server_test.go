package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/aconex-rag/internal/config"
	"github.com/fabfab/aconex-rag/internal/llm"
	"github.com/fabfab/aconex-rag/internal/rag"
	"github.com/fabfab/aconex-rag/internal/store"
	"github.com/fabfab/aconex-rag/internal/upload"
)

type fakeSearcher struct {
	rows []store.SearchRow
	last struct {
		query     string
		projectID string
		topK      int
		probes    int
	}
}

func (f *fakeSearcher) Retrieve(_ context.Context, query, projectID string, topK, probes int) ([]store.SearchRow, error) {
	f.last.query, f.last.projectID, f.last.topK, f.last.probes = query, projectID, topK, probes
	return f.rows, nil
}

type fakeChatter struct {
	answer rag.Answer
	asked  bool
}

func (f *fakeChatter) Ask(_ context.Context, question string, _ []llm.Message, _ int) (rag.Answer, error) {
	f.asked = true
	f.answer.Question = question
	return f.answer, nil
}

type fakeUploader struct {
	result upload.Result
	query  upload.QueryResult
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, _ []byte, filename string, _ map[string]any, _ upload.CollisionPolicy) (upload.Result, error) {
	if f.err != nil {
		return upload.Result{}, f.err
	}
	res := f.result
	if res.Title == "" {
		res.Title = filename
	}
	return res, nil
}

func (f *fakeUploader) UploadAndQuery(ctx context.Context, data []byte, filename string, metadata map[string]any, question string) (upload.Result, upload.QueryResult, error) {
	res, err := f.Upload(ctx, data, filename, metadata, upload.CollisionReplace)
	if err != nil {
		return upload.Result{}, upload.QueryResult{}, err
	}
	q := f.query
	q.Question = question
	return res, q, nil
}

type fakeDocs struct {
	docs     map[string]store.Document
	feedback []int
}

func (f *fakeDocs) get(id string) (store.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeDocs) GetDocument(_ context.Context, id string) (store.Document, error) { return f.get(id) }
func (f *fakeDocs) GetDocumentMeta(_ context.Context, id string) (store.Document, error) {
	doc, err := f.get(id)
	doc.FileContent = nil
	return doc, err
}
func (f *fakeDocs) DeleteDocument(_ context.Context, id string) error {
	if _, ok := f.docs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.docs, id)
	return nil
}
func (f *fakeDocs) InsertFeedback(_ context.Context, _ string, rating int, _ string) error {
	f.feedback = append(f.feedback, rating)
	return nil
}
func (f *fakeDocs) GetStats(context.Context) (store.Stats, error) {
	return store.Stats{TotalDocuments: 2, TotalChunks: 9}, nil
}

func testServer(searcher *fakeSearcher, chatter *fakeChatter, uploader *fakeUploader, docs *fakeDocs) *Server {
	if searcher == nil {
		searcher = &fakeSearcher{}
	}
	if chatter == nil {
		chatter = &fakeChatter{}
	}
	if uploader == nil {
		uploader = &fakeUploader{}
	}
	if docs == nil {
		docs = &fakeDocs{docs: map[string]store.Document{}}
	}
	cfg := config.Config{Retrieval: config.RetrievalConfig{VectorWeight: 0.6, TextWeight: 0.4, Probes: 10}}
	return New(cfg, searcher, chatter, uploader, docs)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := doJSON(t, testServer(nil, nil, nil, nil), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSearchValidation(t *testing.T) {
	srv := testServer(nil, nil, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/search", map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "detail")

	rec = doJSON(t, srv, http.MethodPost, "/search", map[string]any{"query": "planos", "top_k": 51})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/search", map[string]any{"query": "planos", "probes": 500})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchDefaultsAndResponseShape(t *testing.T) {
	searcher := &fakeSearcher{rows: []store.SearchRow{
		{DocumentID: "d1", ProjectID: "PROJ-A", Title: "Plan Maestro", Snippet: "contenido", VectorScore: 0.9, TextScore: 0.8, Score: 0.86},
	}}
	srv := testServer(searcher, nil, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/search", map[string]any{"query": "plan maestro de arquitectura", "project_id": "PROJ-A"})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 5, searcher.last.topK, "top_k defaults to 5")
	assert.Equal(t, 10, searcher.last.probes, "probes defaults to the configured value")
	assert.Equal(t, "PROJ-A", searcher.last.projectID)

	var rows []store.SearchRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "d1", rows[0].DocumentID)
	assert.InDelta(t, 0.86, rows[0].Score, 1e-9)
}

func TestSearchTightensBroadResults(t *testing.T) {
	searcher := &fakeSearcher{rows: []store.SearchRow{
		{DocumentID: "d1", Score: 0.8},
		{DocumentID: "d2", Score: 0.44},
	}}
	srv := testServer(searcher, nil, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/search", map[string]any{"query": "plan"})
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []store.SearchRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1, "secondary cutoff drops the weak tail when the best score is strong")
}

func TestSearchEmptyResultIsArray(t *testing.T) {
	srv := testServer(&fakeSearcher{}, nil, nil, nil)
	rec := doJSON(t, srv, http.MethodPost, "/search", map[string]any{"query": "nada"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestChatValidation(t *testing.T) {
	srv := testServer(nil, nil, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/chat", map[string]any{"question": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/chat", map[string]any{"question": "q", "max_context_docs": 99})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/chat", map[string]any{
		"question": "q",
		"history":  []map[string]string{{"role": "robot", "content": "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatResponse(t *testing.T) {
	chatter := &fakeChatter{answer: rag.Answer{
		Answer:    "El vaciado se programa el 25 de abril.",
		Sources:   []store.SearchRow{{DocumentID: "d1"}},
		SessionID: "session-1",
	}}
	srv := testServer(nil, chatter, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/chat", map[string]any{
		"question": "¿Cuándo se programa el vaciado?",
		"history":  []map[string]string{{"role": "user", "content": "hola"}, {"role": "assistant", "content": "hola!"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, chatter.asked)

	var answer rag.Answer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	assert.Equal(t, "¿Cuándo se programa el vaciado?", answer.Question)
	assert.Equal(t, "session-1", answer.SessionID)
	require.Len(t, answer.Sources, 1)
}

func TestFeedbackValidation(t *testing.T) {
	docs := &fakeDocs{docs: map[string]store.Document{}}
	srv := testServer(nil, nil, nil, docs)

	rec := doJSON(t, srv, http.MethodPost, "/feedback", map[string]any{"session_id": "s", "rating": 6})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/feedback", map[string]any{"session_id": "", "rating": 4})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/feedback", map[string]any{"session_id": "s", "rating": 5, "comment": "útil"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{5}, docs.feedback)
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range fields {
		require.NoError(t, w.WriteField(key, value))
	}
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUploadEndpoint(t *testing.T) {
	uploader := &fakeUploader{result: upload.Result{DocumentID: "doc-1", ChunksCreated: 3, TextLength: 58, ProjectID: "UPLOADED", Title: "acta"}}
	srv := testServer(nil, nil, uploader, nil)

	body, contentType := multipartBody(t, map[string]string{"metadata": `{"project_id":"PROJ-A"}`}, "acta.txt", []byte("contenido del acta"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "doc-1", resp["document_id"])
	assert.Equal(t, float64(3), resp["chunks_created"])
}

func TestUploadRejectsBadMetadata(t *testing.T) {
	srv := testServer(nil, nil, &fakeUploader{}, nil)

	body, contentType := multipartBody(t, map[string]string{"metadata": "{not json"}, "acta.txt", []byte("contenido"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadMapsUnsupportedFormat(t *testing.T) {
	uploader := &fakeUploader{err: upload.ErrUnsupportedFormat}
	srv := testServer(nil, nil, uploader, nil)

	body, contentType := multipartBody(t, nil, "plano.dwg", []byte("contenido"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "detail")
}

func TestUploadAndQueryRequiresQuestion(t *testing.T) {
	srv := testServer(nil, nil, &fakeUploader{}, nil)

	body, contentType := multipartBody(t, nil, "acta.txt", []byte("contenido"))
	req := httptest.NewRequest(http.MethodPost, "/upload-and-query", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAndQueryResponse(t *testing.T) {
	uploader := &fakeUploader{
		result: upload.Result{DocumentID: "doc-9", ChunksCreated: 2, Title: "acta"},
		query:  upload.QueryResult{Answer: "El 25 de abril.", Sources: []store.SearchRow{{DocumentID: "doc-9"}}},
	}
	srv := testServer(nil, nil, uploader, nil)

	body, contentType := multipartBody(t, map[string]string{"question": "¿Cuándo?"}, "acta.txt", []byte("contenido"))
	req := httptest.NewRequest(http.MethodPost, "/upload-and-query", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		UploadResult upload.Result      `json:"upload_result"`
		QueryResult  upload.QueryResult `json:"query_result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "doc-9", resp.UploadResult.DocumentID)
	assert.Equal(t, "¿Cuándo?", resp.QueryResult.Question)
	assert.Equal(t, "El 25 de abril.", resp.QueryResult.Answer)
}

func TestDocumentFile(t *testing.T) {
	docs := &fakeDocs{docs: map[string]store.Document{
		"doc-1": {DocumentID: "doc-1", FileType: "pdf", Filename: "plan.pdf", FileContent: []byte("%PDF-1.4 fake")},
	}}
	srv := testServer(nil, nil, nil, docs)

	rec := doJSON(t, srv, http.MethodGet, "/document/doc-1/file", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.4 fake", rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/document/missing/file", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocumentPreviewOmitsBytes(t *testing.T) {
	docs := &fakeDocs{docs: map[string]store.Document{
		"doc-1": {DocumentID: "doc-1", Title: "Plan Maestro", FileType: "pdf", FileContent: []byte("bytes")},
	}}
	srv := testServer(nil, nil, nil, docs)

	rec := doJSON(t, srv, http.MethodGet, "/document/doc-1/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Plan Maestro")
	assert.NotContains(t, rec.Body.String(), "file_content")
}

func TestDocumentDelete(t *testing.T) {
	docs := &fakeDocs{docs: map[string]store.Document{"doc-1": {DocumentID: "doc-1"}}}
	srv := testServer(nil, nil, nil, docs)

	rec := doJSON(t, srv, http.MethodDelete, "/document/doc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/document/doc-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	rec := doJSON(t, testServer(nil, nil, nil, nil), http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_documents":2`)
}
