package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"
)

// Message represents a single turn in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client provides a minimal chat interface over an OpenAI-compatible API.
type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// RateLimitError carries the provider's retry-after hint so callers can back
// off precisely instead of guessing.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// Sampling parameters for grounded answers: low temperature and nucleus
// cutoff keep the model close to the supplied context.
const (
	temperature = 0.1
	maxTokens   = 1200
	topP        = 0.9
)

type client struct {
	api     openai.Client
	model   string
	timeout time.Duration
}

// NewClient constructs a Client against the given OpenAI-compatible endpoint.
func NewClient(apiKey, baseURL, model string, timeout time.Duration) Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &client{
		api:     openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
	}
}

func (c *client) Generate(ctx context.Context, messages []Message) (string, error) {
	if c.model == "" {
		return "", fmt.Errorf("llm model must be configured")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    toParams(messages),
		Temperature: param.NewOpt(temperature),
		MaxTokens:   param.NewOpt[int64](maxTokens),
		TopP:        param.NewOpt(topP),
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// classify maps provider errors onto the local taxonomy. 429 responses become
// RateLimitError with whatever retry-after hint the provider exposes.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		hint := parseRetryAfter(apiErr.Error())
		if apiErr.Response != nil {
			if header := apiErr.Response.Header.Get("Retry-After"); header != "" {
				if secs, perr := strconv.ParseFloat(header, 64); perr == nil {
					hint = time.Duration(secs * float64(time.Second))
				}
			}
		}
		return &RateLimitError{RetryAfter: hint, Message: apiErr.Error()}
	}
	return err
}

// Providers commonly embed the wait in the message body, e.g.
// "Please try again in 7.66s".
var retryAfterPattern = regexp.MustCompile(`try again in ([0-9.]+)(ms|s|m)`)

func parseRetryAfter(message string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch m[2] {
	case "ms":
		return time.Duration(value * float64(time.Millisecond))
	case "m":
		return time.Duration(value * float64(time.Minute))
	default:
		return time.Duration(value * float64(time.Second))
	}
}

// GenerateWithBackoff retries rate-limited calls with exponential backoff,
// honoring the provider's retry-after hint when it exceeds the computed wait.
func GenerateWithBackoff(ctx context.Context, c Client, messages []Message, maxRetries int, base time.Duration) (string, error) {
	if maxRetries <= 0 {
		maxRetries = 6
	}
	if base <= 0 {
		base = 5 * time.Second
	}

	wait := base
	for attempt := 0; ; attempt++ {
		answer, err := c.Generate(ctx, messages)
		if err == nil {
			return answer, nil
		}

		var rle *RateLimitError
		if !errors.As(err, &rle) || attempt >= maxRetries {
			return "", err
		}

		delay := wait
		if rle.RetryAfter > delay {
			delay = rle.RetryAfter
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		wait *= 2
	}
}
