package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the service. It is built once
// at process start and passed explicitly into each component.
type Config struct {
	Address   string
	LogLevel  string
	Store     StoreConfig
	Embed     EmbeddingConfig
	Chunk     ChunkConfig
	Retrieval RetrievalConfig
	LLM       LLMConfig
}

// StoreConfig captures the Postgres connection string and pool limits.
type StoreConfig struct {
	URL            string
	MaxConnections int
}

// EmbeddingConfig describes the embedding endpoint settings. The model
// identifier fixes the vector dimension for the whole store.
type EmbeddingConfig struct {
	URL       string
	Model     string
	Dimension int
	BatchSize int
}

// ChunkConfig holds the chunker window parameters.
type ChunkConfig struct {
	Size    int
	Overlap int
}

// RetrievalConfig holds the hybrid-score weights and the default ANN probes.
type RetrievalConfig struct {
	VectorWeight float64
	TextWeight   float64
	Probes       int
}

// LLMConfig groups the settings for the external chat-completion API. An empty
// APIKey disables the LLM path; the orchestrator then answers extractively.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// Enabled reports whether the LLM path is configured.
func (c LLMConfig) Enabled() bool { return c.APIKey != "" }

// FromEnv builds a Config by reading environment variables and applying
// defaults. A .env file in the working directory is loaded first when present.
// The resulting configuration is validated before it is returned.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Address:  getEnv("SERVER_ADDR", "127.0.0.1:8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Store: StoreConfig{
			URL:            getEnv("STORE_URL", ""),
			MaxConnections: getEnvInt("STORE_MAX_CONNECTIONS", 8),
		},
		Embed: EmbeddingConfig{
			URL:       getEnv("EMBEDDINGS_URL", "http://localhost:11434/v1"),
			Model:     getEnv("EMBEDDING_MODEL", "hiiamsid/sentence_similarity_spanish_es"),
			Dimension: getEnvInt("EMBEDDING_DIMENSION", 768),
			BatchSize: getEnvInt("EMBED_BATCH_SIZE", 32),
		},
		Chunk: ChunkConfig{
			Size:    getEnvInt("CHUNK_SIZE", 500),
			Overlap: getEnvInt("CHUNK_OVERLAP", 50),
		},
		Retrieval: RetrievalConfig{
			VectorWeight: getEnvFloat("VECTOR_WEIGHT", 0.6),
			TextWeight:   getEnvFloat("TEXT_WEIGHT", 0.4),
			Probes:       getEnvInt("ANN_PROBES", 10),
		},
		LLM: LLMConfig{
			APIKey:         getEnv("LLM_API_KEY", ""),
			BaseURL:        getEnv("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
			Model:          getEnv("LLM_MODEL", "llama-3.3-70b-versatile"),
			TimeoutSeconds: getEnvInt("LLM_TIMEOUT_SECONDS", 30),
		},
	}

	if cfg.Store.URL == "" {
		return Config{}, fmt.Errorf("STORE_URL must not be empty")
	}

	if cfg.Embed.Model == "" {
		return Config{}, fmt.Errorf("EMBEDDING_MODEL must not be empty")
	}

	if cfg.Embed.Dimension <= 0 {
		return Config{}, fmt.Errorf("EMBEDDING_DIMENSION must be positive")
	}

	if cfg.Embed.BatchSize <= 0 {
		cfg.Embed.BatchSize = 32
	}

	if cfg.Chunk.Size <= 0 {
		return Config{}, fmt.Errorf("CHUNK_SIZE must be positive")
	}

	if cfg.Chunk.Overlap < 0 || cfg.Chunk.Overlap >= cfg.Chunk.Size {
		return Config{}, fmt.Errorf("CHUNK_OVERLAP must be non-negative and smaller than CHUNK_SIZE")
	}

	if cfg.Retrieval.Probes <= 0 {
		cfg.Retrieval.Probes = 10
	}

	const weightTolerance = 1e-6
	sum := cfg.Retrieval.VectorWeight + cfg.Retrieval.TextWeight
	if cfg.Retrieval.VectorWeight < 0 || cfg.Retrieval.TextWeight < 0 || sum < 1-weightTolerance || sum > 1+weightTolerance {
		return Config{}, fmt.Errorf("VECTOR_WEIGHT and TEXT_WEIGHT must be non-negative and sum to 1")
	}

	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 30
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
