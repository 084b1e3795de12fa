package embeddings

import (
	"context"
	"hash/fnv"
)

// deterministicEmbedder hashes byte 3-grams into a fixed-size vector and
// L2-normalizes. It needs no external service, which makes it the embedder of
// choice for tests: equal inputs always map to equal vectors, and related
// inputs share mass in the same buckets.
type deterministicEmbedder struct {
	dim int
}

// NewDeterministic constructs a deterministic in-process embedder with the
// given dimension.
func NewDeterministic(dim int) Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &deterministicEmbedder{dim: dim}
}

func (d *deterministicEmbedder) Dimension() int { return d.dim }

func (d *deterministicEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, d.dim)
		data := []byte(text)
		for j := 0; j+3 <= len(data); j++ {
			h := fnv.New64a()
			_, _ = h.Write(data[j : j+3])
			vec[h.Sum64()%uint64(d.dim)]++
		}
		if len(data) < 3 {
			h := fnv.New64a()
			_, _ = h.Write(data)
			vec[h.Sum64()%uint64(d.dim)]++
		}
		normalized, err := Normalize(vec)
		if err != nil {
			return nil, err
		}
		out[i] = normalized
	}
	return out, nil
}
