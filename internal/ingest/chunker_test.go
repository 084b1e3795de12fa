package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunkerValidation(t *testing.T) {
	_, err := NewChunker(0, 0)
	require.Error(t, err)

	_, err = NewChunker(100, 100)
	require.Error(t, err)

	_, err = NewChunker(100, 150)
	require.Error(t, err)

	_, err = NewChunker(100, 20)
	require.NoError(t, err)
}

func TestSplitEmptyInput(t *testing.T) {
	c, err := NewChunker(500, 50)
	require.NoError(t, err)

	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\t  "))
}

func TestSplitShortInputSingleChunk(t *testing.T) {
	c, err := NewChunker(500, 50)
	require.NoError(t, err)

	chunks := c.Split("un documento corto")
	require.Len(t, chunks, 1)
	assert.Equal(t, "un documento corto", chunks[0])
}

func TestSplitDeterministic(t *testing.T) {
	c, err := NewChunker(120, 20)
	require.NoError(t, err)

	text := strings.Repeat("informe mensual de avance de obra con detalles de cronograma ", 30)
	first := c.Split(text)
	second := c.Split(text)
	assert.Equal(t, first, second)
	assert.Greater(t, len(first), 1)
}

func TestSplitBoundarySlack(t *testing.T) {
	const size, overlap = 120, 20
	c, err := NewChunker(size, overlap)
	require.NoError(t, err)

	text := strings.Repeat("especificación técnica de hormigón armado para fundaciones ", 40)
	for _, chunk := range c.Split(text) {
		assert.LessOrEqual(t, len([]rune(chunk)), size+overlap, "chunk exceeds size plus slack: %q", chunk)
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
}

func TestSplitBreaksOnWhitespace(t *testing.T) {
	c, err := NewChunker(100, 10)
	require.NoError(t, err)

	text := strings.Repeat("palabra ", 60)
	for _, chunk := range c.Split(text) {
		assert.False(t, strings.HasSuffix(chunk, "palabr"), "chunk cut mid-word: %q", chunk)
	}
}

func TestSplitAcceptsRawCutWithoutWhitespace(t *testing.T) {
	c, err := NewChunker(100, 10)
	require.NoError(t, err)

	// A single unbroken token longer than the window cannot be cut on
	// whitespace; the raw cut applies.
	text := strings.Repeat("x", 350)
	chunks := c.Split(text)
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 110)
	}
}

func TestSplitMergesShortTail(t *testing.T) {
	const size, overlap = 100, 10
	c, err := NewChunker(size, overlap)
	require.NoError(t, err)

	// Construct input whose tail after the first window is well below half
	// the target size.
	text := strings.Repeat("palabra ", 13) + "final"
	chunks := c.Split(text)
	require.NotEmpty(t, chunks)

	last := chunks[len(chunks)-1]
	assert.True(t, strings.HasSuffix(last, "final"), "tail content lost: %q", last)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), size+overlap)
	}
}

func TestSplitCoversWholeInput(t *testing.T) {
	c, err := NewChunker(80, 10)
	require.NoError(t, err)

	text := "inicio " + strings.Repeat("contenido intermedio de prueba ", 12) + "final"
	chunks := c.Split(text)
	require.NotEmpty(t, chunks)

	joined := strings.Join(chunks, " ")
	assert.Contains(t, joined, "inicio")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(chunks[len(chunks)-1]), "final"))
}
