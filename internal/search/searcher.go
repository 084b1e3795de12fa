package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fabfab/aconex-rag/internal/config"
	"github.com/fabfab/aconex-rag/internal/embeddings"
	"github.com/fabfab/aconex-rag/internal/store"
)

// Retriever is the slice of the store the searcher reads through.
type Retriever interface {
	HybridSearch(ctx context.Context, queryVec []float32, queryText string, p store.SearchParams) ([]store.SearchRow, error)
	LexicalSearch(ctx context.Context, queryText string, p store.SearchParams) ([]store.SearchRow, error)
	InsertSearchAudit(ctx context.Context, query, projectID string, bestScore float64) error
}

// level is one rung of the adaptive threshold ladder.
type level struct {
	name       string
	minScore   float64
	minResults int
}

// The ladder relaxes from strict to broad; an unfiltered pass follows when no
// level yields enough results.
var levels = []level{
	{name: "strict", minScore: 0.65, minResults: 3},
	{name: "medium", minScore: 0.50, minResults: 5},
	{name: "broad", minScore: 0.15, minResults: 1},
}

// Searcher drives hybrid retrieval under the adaptive threshold policy.
type Searcher struct {
	store    Retriever
	embedder embeddings.Embedder
	cfg      config.RetrievalConfig
}

// New constructs a Searcher.
func New(st Retriever, embedder embeddings.Embedder, cfg config.RetrievalConfig) *Searcher {
	return &Searcher{store: st, embedder: embedder, cfg: cfg}
}

// Retrieve returns at most topK result rows for the query, one per document,
// filtered by the adaptive threshold ladder. probes <= 0 selects the
// configured default. An unreachable embedder degrades to lexical-only
// retrieval rather than failing the request, and a retrieval that exceeds the
// context deadline yields no rows rather than an error.
func (s *Searcher) Retrieve(ctx context.Context, query, projectID string, topK, probes int) ([]store.SearchRow, error) {
	original := query
	query = Preprocess(query)
	if query != original {
		log.Debug().Str("original", original).Str("cleaned", query).Msg("query cleaned")
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	if probes <= 0 {
		probes = s.cfg.Probes
	}
	params := store.SearchParams{
		ProjectID:    projectID,
		TopK:         topK,
		Probes:       probes,
		VectorWeight: s.cfg.VectorWeight,
		TextWeight:   s.cfg.TextWeight,
	}

	rows, err := s.fetch(ctx, query, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Msg("retrieval timed out, returning no results")
			return nil, nil
		}
		return nil, err
	}

	for _, lvl := range levels {
		survivors := filterByScore(rows, lvl.minScore)
		if len(survivors) >= lvl.minResults {
			log.Debug().Str("level", lvl.name).Int("results", len(survivors)).Msg("adaptive level satisfied")
			return survivors, nil
		}
	}

	if len(rows) > 0 {
		log.Debug().Int("results", len(rows)).Msg("returning unfiltered results")
		return rows, nil
	}

	if err := s.store.InsertSearchAudit(ctx, original, projectID, 0); err != nil {
		log.Warn().Err(err).Msg("search audit write failed")
	}
	return nil, nil
}

func (s *Searcher) fetch(ctx context.Context, query string, params store.SearchParams) ([]store.SearchRow, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		if errors.Is(err, embeddings.ErrUnavailable) {
			log.Warn().Err(err).Msg("embedder unavailable, falling back to lexical retrieval")
			return s.store.LexicalSearch(ctx, query, params)
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vecs))
	}
	return s.store.HybridSearch(ctx, vecs[0], query, params)
}

func filterByScore(rows []store.SearchRow, minScore float64) []store.SearchRow {
	var out []store.SearchRow
	for _, r := range rows {
		if r.Score >= minScore {
			out = append(out, r)
		}
	}
	return out
}

// TightenForSearch applies the search endpoint's secondary cutoff: when the
// best score is solid, low-score tail results are dropped so the broad level
// cannot leak marginal rows into a precision-sensitive UI. When the best
// score is itself weak the level's results pass through unchanged.
func TightenForSearch(rows []store.SearchRow) []store.SearchRow {
	if len(rows) == 0 {
		return rows
	}
	best := rows[0].Score
	var cutoff float64
	switch {
	case best >= 0.5:
		cutoff = 0.45
	case best >= 0.4:
		cutoff = 0.35
	default:
		return rows
	}
	return filterByScore(rows, cutoff)
}
