package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/aconex-rag/internal/config"
	"github.com/fabfab/aconex-rag/internal/embeddings"
	"github.com/fabfab/aconex-rag/internal/ingest"
	"github.com/fabfab/aconex-rag/internal/logging"
	"github.com/fabfab/aconex-rag/internal/store"
)

func main() {
	var (
		path       string
		projectID  string
		batchSize  int
		resume     bool
		partitions bool
	)
	flag.StringVar(&path, "input", "", "path to a JSON array, JSON object, or NDJSON file of records")
	flag.StringVar(&projectID, "project", "ACONEX_DOCS", "default project id for records that carry none")
	flag.IntVar(&batchSize, "batch", 100, "records per ingest batch")
	flag.BoolVar(&resume, "resume", false, "skip records whose document already has chunks")
	flag.BoolVar(&partitions, "partitions", false, "ingest each project id concurrently")
	flag.Parse()

	if path == "" {
		fmt.Fprintln(os.Stderr, "usage: ingest -input records.json [-project ID] [-batch N] [-resume] [-partitions]")
		os.Exit(2)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel)

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Store.URL, cfg.Store.MaxConnections, cfg.Embed.Dimension)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect store")
	}
	defer st.Close()

	embedder := embeddings.NewHTTPEmbedder(cfg.Embed.URL, cfg.Embed.Model, cfg.Embed.Dimension, cfg.Embed.BatchSize, 90*time.Second)

	chunker, err := ingest.NewChunker(cfg.Chunk.Size, cfg.Chunk.Overlap)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid chunker configuration")
	}

	file, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open input")
	}
	reader, err := ingest.NewReader(file)
	file.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse input")
	}

	opts := ingest.Options{
		DefaultProjectID: projectID,
		BatchSize:        batchSize,
		Resume:           resume,
	}

	start := time.Now()
	var result ingest.Result
	if partitions {
		result, err = runPartitioned(ctx, st, embedder, chunker, reader, opts)
	} else {
		result, err = ingest.New(st, embedder, chunker).Run(ctx, reader, opts)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("ingest failed")
	}

	log.Info().
		Int("documents", result.Documents).
		Int("chunks", result.Chunks).
		Int("skipped", result.Skipped).
		Int("failed_batches", result.FailedBatches).
		Int("chunks_deferred", result.ChunksDeferred).
		Dur("elapsed", time.Since(start)).
		Msg("ingest complete")
}

// runPartitioned splits the input by project id and ingests the partitions
// concurrently. Deterministic chunk ids make the concurrent inserts safe
// without coordination.
func runPartitioned(ctx context.Context, st *store.Store, embedder embeddings.Embedder, chunker ingest.Chunker, reader *ingest.Reader, opts ingest.Options) (ingest.Result, error) {
	byProject := make(map[string][]ingest.RawRecord)
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ingest.Result{}, err
		}
		key := rec.ProjectID
		if key == "" {
			key = opts.DefaultProjectID
		}
		byProject[key] = append(byProject[key], rec)
	}

	var group errgroup.Group
	group.SetLimit(4)

	resultCh := make(chan ingest.Result, len(byProject))
	for project, records := range byProject {
		group.Go(func() error {
			log.Info().Str("project", project).Int("records", len(records)).Msg("ingesting partition")
			res, err := ingest.New(st, embedder, chunker).Run(ctx, ingest.SliceSource(records...), opts)
			if err != nil {
				return fmt.Errorf("partition %s: %w", project, err)
			}
			resultCh <- res
			return nil
		})
	}

	err := group.Wait()
	close(resultCh)
	var total ingest.Result
	for res := range resultCh {
		total.Documents += res.Documents
		total.Chunks += res.Chunks
		total.Skipped += res.Skipped
		total.FailedBatches += res.FailedBatches
		total.ChunksDeferred += res.ChunksDeferred
	}
	return total, err
}
