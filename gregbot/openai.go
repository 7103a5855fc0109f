package gregbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

// genericFailurePhrases are replies some providers return in place of
// an error. They're treated the same as a failed request.
var genericFailurePhrases = []string{
	"something went wrong.",
	"an error occured.",
	"an error occurred.",
}

// CompletionRequest is a single chat completion call
type CompletionRequest struct {
	Model           string
	Messages        []openai.ChatCompletionMessage
	Temperature     float64
	MaxOutputTokens int
}

func (r CompletionRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("model", r.Model),
		slog.Int("messages", len(r.Messages)),
		slog.Float64("temperature", r.Temperature),
		slog.Int("max_output_tokens", r.MaxOutputTokens),
	)
}

// Completer generates a reply for a transcript
type Completer interface {
	// Complete returns the generated text. Provider failures, empty
	// output and generic failure replies are all returned as an error
	// wrapping ErrProviderError.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// OpenAIClient is the subset of the go-openai client used by the bot
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAI is a Completer backed by the OpenAI chat completions API, or any
// API compatible with it
type OpenAI struct {
	client OpenAIClient
	config *OpenAIConfig
	logger *slog.Logger
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config: config,
		logger: slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "openai"),
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	logger := contextLoggerOr(ctx, o.logger)

	// the request's temperature is omitted when zero, which the API
	// would read as its own default
	temperature := float32(req.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	request := openai.ChatCompletionRequest{
		Model:               req.Model,
		Messages:            req.Messages,
		Temperature:         temperature,
		MaxCompletionTokens: req.MaxOutputTokens,
	}

	logger.DebugContext(ctx, "sending completion request", "request", req)
	started := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, request)
	elapsed := time.Since(started)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"completion request failed",
			"request", req,
			"elapsed", elapsed,
			tint.Err(err),
		)
		return "", fmt.Errorf("%w: %w", ErrProviderError, err)
	}

	logger.InfoContext(
		ctx,
		"completion request finished",
		"id", resp.ID,
		"model", resp.Model,
		"elapsed", elapsed,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrProviderError)
	}
	text, err := checkCompletionText(resp.Choices[0].Message.Content)
	if err != nil {
		logger.WarnContext(
			ctx,
			"unusable completion",
			"finish_reason", resp.Choices[0].FinishReason,
			tint.Err(err),
		)
		return "", err
	}
	return text, nil
}

// checkCompletionText trims text, returning ErrProviderError if nothing
// useful is left
func checkCompletionText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrProviderError)
	}
	lowered := strings.ToLower(text)
	for _, phrase := range genericFailurePhrases {
		if lowered == phrase {
			return "", fmt.Errorf("%w: generic failure reply %q", ErrProviderError, text)
		}
	}
	return text, nil
}

// isProviderError reports whether err came from the completion provider
func isProviderError(err error) bool {
	return errors.Is(err, ErrProviderError)
}
