package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fabfab/aconex-rag/internal/config"
	"github.com/fabfab/aconex-rag/internal/embeddings"
	"github.com/fabfab/aconex-rag/internal/ingest"
	"github.com/fabfab/aconex-rag/internal/llm"
	"github.com/fabfab/aconex-rag/internal/logging"
	"github.com/fabfab/aconex-rag/internal/rag"
	"github.com/fabfab/aconex-rag/internal/search"
	"github.com/fabfab/aconex-rag/internal/server"
	"github.com/fabfab/aconex-rag/internal/store"
	"github.com/fabfab/aconex-rag/internal/upload"
)

func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("aconex-rag dev build")
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

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

	var llmClient llm.Client
	if cfg.LLM.Enabled() {
		llmClient = llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
	} else {
		log.Warn().Msg("LLM_API_KEY not set, chat answers will be extractive")
	}

	ingestor := ingest.New(st, embedder, chunker)
	searcher := search.New(st, embedder, cfg.Retrieval)
	orchestrator := rag.New(searcher, llmClient)
	uploader := upload.New(st, ingestor, searcher, llmClient)

	srv := server.New(cfg, searcher, orchestrator, uploader, st)

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: srv,
	}

	log.Info().
		Str("addr", cfg.Address).
		Str("embedding_model", cfg.Embed.Model).
		Int("dimension", cfg.Embed.Dimension).
		Bool("llm_enabled", cfg.LLM.Enabled()).
		Msg("starting server")

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		if err := srv.Close(); err != nil {
			log.Error().Err(err).Msg("forced close failed")
		}
	}

	log.Info().Msg("server stopped")
}
