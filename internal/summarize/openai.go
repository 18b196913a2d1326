package summarize

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultOpenAIModel is used when Config.Model is empty.
const DefaultOpenAIModel = string(openai.ChatModelGPT4oMini)

// OpenAI summarizes with the Chat Completions API. BaseURL makes it usable
// against any compatible endpoint.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an OpenAI summarizer with SDK retries disabled.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}, nil
}

// Summarize implements Summarizer.
func (o *OpenAI) Summarize(ctx context.Context, text string, maxTokens int) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt(maxTokens)),
			openai.UserMessage(text),
		},
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Temperature:         openai.Float(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("%w: openai: %w", ErrSummarizationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai: no choices", ErrSummarizationFailed)
	}
	return cleanSummary(resp.Choices[0].Message.Content)
}
