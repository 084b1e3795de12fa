package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fabfab/aconex-rag/internal/config"
	"github.com/fabfab/aconex-rag/internal/ingest"
	"github.com/fabfab/aconex-rag/internal/llm"
	"github.com/fabfab/aconex-rag/internal/logging"
	"github.com/fabfab/aconex-rag/internal/store"
)

const synthesisSystemPrompt = "Eres un experto en documentos técnicos de construcción y arquitectura. " +
	"Generas contenido realista y profesional para documentos técnicos basándote en metadata."

func main() {
	var (
		inputPath  string
		outputPath string
		limit      int
		apply      bool
		maxRetries int
	)
	flag.StringVar(&inputPath, "input", "", "metadata-only records to enrich (JSON array or NDJSON)")
	flag.StringVar(&outputPath, "output", "", "where to write enriched records (JSON array); resumes if the file exists")
	flag.IntVar(&limit, "limit", 0, "generate at most N documents (0 = all)")
	flag.BoolVar(&apply, "apply", false, "also write generated content into the store and drop stale chunks")
	flag.IntVar(&maxRetries, "max-retries", 6, "retries per document on rate limits")
	flag.Parse()

	if inputPath == "" || outputPath == "" {
		fmt.Fprintln(os.Stderr, "usage: synthesize -input records.json -output enriched.json [-limit N] [-apply]")
		os.Exit(2)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel)

	if !cfg.LLM.Enabled() {
		log.Fatal().Msg("LLM_API_KEY must be set to generate synthetic content")
	}
	client := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)

	records, err := loadRecords(inputPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load input")
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}

	// Resume: records already present in the output keep their content.
	enriched, err := loadExisting(outputPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load existing output")
	}
	start := len(enriched)
	if start > 0 {
		log.Info().Int("index", start).Msg("resuming from existing output")
	}

	ctx := context.Background()

	var st *store.Store
	if apply {
		st, err = store.New(ctx, cfg.Store.URL, cfg.Store.MaxConnections, cfg.Embed.Dimension)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect store")
		}
		defer st.Close()
	}

	for i := start; i < len(records); i++ {
		rec := records[i]
		content, err := generate(ctx, client, rec, maxRetries)
		if err != nil {
			log.Error().Err(err).Str("document_id", rec.DocumentID).Msg("generation failed, using metadata template")
			content = fallbackContent(rec)
		}
		rec.SyntheticContent = content
		enriched = append(enriched, rec)

		if apply {
			if err := st.SetSyntheticContent(ctx, rec.DocumentID, content); err != nil {
				log.Warn().Err(err).Str("document_id", rec.DocumentID).Msg("could not apply content to store")
			}
		}

		if err := saveOutput(outputPath, enriched); err != nil {
			log.Fatal().Err(err).Msg("failed to write output")
		}
		log.Info().Str("document_id", rec.DocumentID).Int("done", i+1).Int("total", len(records)).Msg("generated")
	}

	log.Info().Int("documents", len(enriched)).Str("output", outputPath).Msg("synthesis complete")
}

func generate(ctx context.Context, client llm.Client, rec ingest.RawRecord, maxRetries int) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: synthesisSystemPrompt},
		{Role: "user", Content: synthesisPrompt(rec)},
	}
	return llm.GenerateWithBackoff(ctx, client, messages, maxRetries, 5*time.Second)
}

func synthesisPrompt(rec ingest.RawRecord) string {
	meta := func(key string) string {
		if rec.Metadata == nil {
			return ""
		}
		if v, ok := rec.Metadata[key].(string); ok {
			return v
		}
		return ""
	}
	return fmt.Sprintf(`Genera el contenido realista de un documento de construcción en español con las siguientes características:

INFORMACIÓN DEL DOCUMENTO:
- Tipo: %s
- Título: %s
- Número: %s
- Categoría: %s
- Estado: %s
- Revisión: %s

INSTRUCCIONES ESPECÍFICAS POR TIPO:

Si es "Plano": describe especificaciones técnicas detalladas, dimensiones, materiales y normas aplicables.
Si es "Informe": estructura con resumen ejecutivo, antecedentes, análisis y conclusiones, con datos numéricos realistas.
Si es "Cronograma": lista actividades con fechas específicas (DD/MM/AAAA), hitos y responsables.
Si es "Especificación Técnica": describe materiales, equipos, procedimientos y normas técnicas (ASTM, ISO).
Si es "Procedimiento": lista pasos numerados, equipos de seguridad requeridos y verificaciones.

FORMATO:
- Genera entre 800-1200 palabras
- Usa formato profesional y técnico, solo texto plano con saltos de línea
- NO uses markdown

Genera SOLO el contenido del documento, SIN introducción ni explicaciones adicionales.`,
		meta("DocumentType"), meta("Title"), meta("DocumentNumber"),
		meta("Category"), meta("DocumentStatus"), meta("Revision"))
}

func fallbackContent(rec ingest.RawRecord) string {
	meta := func(key string) string {
		if rec.Metadata == nil {
			return ""
		}
		if v, ok := rec.Metadata[key].(string); ok {
			return v
		}
		return ""
	}
	return fmt.Sprintf(`DOCUMENTO: %s
Número: %s
Tipo: %s
Estado: %s
Revisión: %s

Este documento forma parte del registro del proyecto. Se encuentra en estado %s con revisión %s.`,
		meta("Title"), meta("DocumentNumber"), meta("DocumentType"),
		meta("DocumentStatus"), meta("Revision"), meta("DocumentStatus"), meta("Revision"))
}

func loadRecords(path string) ([]ingest.RawRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := ingest.NewReader(file)
	if err != nil {
		return nil, err
	}

	var records []ingest.RawRecord
	for {
		rec, err := reader.Next()
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

func loadExisting(path string) ([]ingest.RawRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []ingest.RawRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return records, nil
}

func saveOutput(path string, records []ingest.RawRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
