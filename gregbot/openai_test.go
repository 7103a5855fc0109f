package gregbot

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockOpenAIClient struct {
	mock.Mock
}

func (m *mockOpenAIClient) CreateChatCompletion(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, request)
	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func newTestOpenAI(client OpenAIClient) *OpenAI {
	return &OpenAI{
		client: client,
		config: &OpenAIConfig{},
		logger: slog.Default(),
	}
}

func completionResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:    "chatcmpl-test",
		Model: "gpt-4o-mini",
		Choices: []openai.ChatCompletionChoice{
			{
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
				FinishReason: openai.FinishReasonStop,
			},
		},
	}
}

func TestOpenAI_Complete(t *testing.T) {
	ctx := context.Background()
	client := &mockOpenAIClient{}
	o := newTestOpenAI(client)

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "be greg"},
		{Role: openai.ChatMessageRoleUser, Content: "Alice: hi"},
	}
	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return req.Model == "gpt-4o-mini" &&
					req.MaxCompletionTokens == 256 &&
					req.Temperature == float32(0.5) &&
					len(req.Messages) == 2
			},
		),
	).Return(completionResponse("  hsss  "), nil).Once()

	text, err := o.Complete(
		ctx, CompletionRequest{
			Model:           "gpt-4o-mini",
			Messages:        messages,
			Temperature:     0.5,
			MaxOutputTokens: 256,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "hsss", text)
	client.AssertExpectations(t)
}

func TestOpenAI_CompleteZeroTemperature(t *testing.T) {
	client := &mockOpenAIClient{}
	o := newTestOpenAI(client)

	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return req.Temperature == math.SmallestNonzeroFloat32
			},
		),
	).Return(completionResponse("ok"), nil).Once()

	_, err := o.Complete(context.Background(), CompletionRequest{Model: "gpt-4o-mini", MaxOutputTokens: 10})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestOpenAI_CompleteErrors(t *testing.T) {
	tests := []struct {
		name string
		resp openai.ChatCompletionResponse
		err  error
	}{
		{name: "request error", err: errors.New("connection reset")},
		{name: "no choices", resp: openai.ChatCompletionResponse{}},
		{name: "empty", resp: completionResponse("   ")},
		{name: "generic failure", resp: completionResponse("Something went wrong.")},
		{name: "generic failure misspelled", resp: completionResponse("An error occured.")},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				client := &mockOpenAIClient{}
				client.On("CreateChatCompletion", mock.Anything, mock.Anything).Return(tc.resp, tc.err)
				o := newTestOpenAI(client)

				text, err := o.Complete(context.Background(), CompletionRequest{Model: "gpt-4o-mini"})
				require.ErrorIs(t, err, ErrProviderError)
				assert.Empty(t, text)
				assert.True(t, isProviderError(err))
			},
		)
	}
}

func TestCheckCompletionText(t *testing.T) {
	text, err := checkCompletionText("\n Something went wrong, but here's a snake fact.\n")
	require.NoError(t, err)
	assert.Equal(t, "Something went wrong, but here's a snake fact.", text)

	_, err = checkCompletionText("AN ERROR OCCURRED.")
	assert.ErrorIs(t, err, ErrProviderError)
}

func TestNewOpenAI(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenAI.Token = "sk-test"
	cfg.OpenAI.BaseURL = "http://127.0.0.1:1/v1"

	o := newOpenAI(cfg.OpenAI, nil)
	require.NotNil(t, o.client)
	_, ok := o.client.(*openai.Client)
	assert.True(t, ok)
}
