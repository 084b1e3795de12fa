package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRetryAfter(t *testing.T) {
	assert.InDelta(t, 7.66, parseRetryAfter("Rate limit reached. Please try again in 7.66s.").Seconds(), 0.001)
	assert.InDelta(t, 0.25, parseRetryAfter("try again in 250ms").Seconds(), 0.001)
	assert.Equal(t, 2*time.Minute, parseRetryAfter("try again in 2m"))
	assert.Zero(t, parseRetryAfter("no hint here"))
}

type scriptedClient struct {
	errs  []error
	calls int
}

func (s *scriptedClient) Generate(context.Context, []Message) (string, error) {
	defer func() { s.calls++ }()
	if s.calls < len(s.errs) && s.errs[s.calls] != nil {
		return "", s.errs[s.calls]
	}
	return "respuesta", nil
}

func TestGenerateWithBackoffRetriesRateLimits(t *testing.T) {
	client := &scriptedClient{errs: []error{
		&RateLimitError{RetryAfter: time.Millisecond, Message: "tpd"},
		&RateLimitError{RetryAfter: time.Millisecond, Message: "tpd"},
		nil,
	}}

	answer, err := GenerateWithBackoff(context.Background(), client, nil, 6, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "respuesta", answer)
	assert.Equal(t, 3, client.calls)
}

func TestGenerateWithBackoffGivesUpAfterMaxRetries(t *testing.T) {
	rateLimited := &RateLimitError{RetryAfter: time.Millisecond, Message: "tpd"}
	client := &scriptedClient{errs: []error{rateLimited, rateLimited, rateLimited, rateLimited}}

	_, err := GenerateWithBackoff(context.Background(), client, nil, 2, time.Millisecond)
	require.Error(t, err)
	var rle *RateLimitError
	assert.True(t, errors.As(err, &rle))
	assert.Equal(t, 3, client.calls, "initial attempt plus two retries")
}

func TestGenerateWithBackoffDoesNotRetryOtherErrors(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("boom")}}

	_, err := GenerateWithBackoff(context.Background(), client, nil, 6, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestGenerateWithBackoffRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rateLimited := &RateLimitError{RetryAfter: time.Second, Message: "tpd"}
	client := &scriptedClient{errs: []error{rateLimited, rateLimited}}

	_, err := GenerateWithBackoff(ctx, client, nil, 6, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
