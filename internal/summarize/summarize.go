// Package summarize produces bounded-length summaries of message content.
//
// Backends: an extractive summarizer that runs locally, and Anthropic and
// OpenAI clients for abstractive summaries. Remote backends are wrapped
// with a rate limiter and, optionally, a secret scrubber so that nothing
// sensitive leaves the process.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/memvault/internal/secrets"
	"github.com/fyrsmithlabs/memvault/internal/tokens"
)

var (
	// ErrSummarizationFailed wraps every backend failure.
	ErrSummarizationFailed = errors.New("summarization failed")

	// ErrNoAPIKey indicates a remote provider configured without a key.
	ErrNoAPIKey = errors.New("summarizer API key is required")

	// ErrUnknownProvider indicates an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown summarizer provider")
)

// Summarizer condenses text to at most maxTokens output tokens.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxTokens int) (string, error)
}

// Func adapts a function to Summarizer.
type Func func(ctx context.Context, text string, maxTokens int) (string, error)

// Summarize implements Summarizer.
func (f Func) Summarize(ctx context.Context, text string, maxTokens int) (string, error) {
	return f(ctx, text, maxTokens)
}

// Provider names.
const (
	ProviderExtractive = "extractive"
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderNoop       = "noop"
)

// Config selects and configures a backend.
type Config struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	RequestsPerMinute float64
	Timeout           time.Duration
}

// New builds the summarizer named by cfg.Provider. Remote providers are
// rate limited and, when scrubber is enabled, see scrubbed input only.
func New(cfg Config, counter tokens.Counter, scrubber secrets.Scrubber, logger *zap.Logger) (Summarizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("summarize")

	var s Summarizer
	switch cfg.Provider {
	case "", ProviderExtractive:
		return NewExtractive(counter), nil
	case ProviderNoop:
		return Noop{}, nil
	case ProviderAnthropic:
		a, err := NewAnthropic(cfg)
		if err != nil {
			return nil, err
		}
		s = a
	case ProviderOpenAI:
		o, err := NewOpenAI(cfg)
		if err != nil {
			return nil, err
		}
		s = o
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}

	if scrubber != nil && scrubber.IsEnabled() {
		s = Scrubbed(s, scrubber, logger)
	}
	if cfg.RequestsPerMinute > 0 {
		s = RateLimited(s, cfg.RequestsPerMinute)
	}
	logger.Info("summarizer configured",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Float64("requests_per_minute", cfg.RequestsPerMinute),
	)
	return s, nil
}

// Noop returns text unchanged. The compressor treats a summary that is not
// shorter than its input as a failure and truncates instead.
type Noop struct{}

// Summarize implements Summarizer.
func (Noop) Summarize(_ context.Context, text string, _ int) (string, error) {
	return text, nil
}

// RateLimited spaces calls to s at requestsPerMinute. A wait cut short by
// the context fails with the context's error.
func RateLimited(s Summarizer, requestsPerMinute float64) Summarizer {
	limiter := rate.NewLimiter(rate.Limit(requestsPerMinute/60), 1)
	return Func(func(ctx context.Context, text string, maxTokens int) (string, error) {
		if err := limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: rate limit wait: %w", ErrSummarizationFailed, err)
		}
		return s.Summarize(ctx, text, maxTokens)
	})
}

// Scrubbed redacts secrets from text before it reaches s.
func Scrubbed(s Summarizer, scrubber secrets.Scrubber, logger *zap.Logger) Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Func(func(ctx context.Context, text string, maxTokens int) (string, error) {
		res := scrubber.Scrub(text)
		if res.HasFindings() {
			logger.Debug("redacted secrets before summarization",
				zap.Int("findings", res.TotalFindings))
		}
		return s.Summarize(ctx, res.Scrubbed, maxTokens)
	})
}

const systemPrompt = `You compress conversation history for a language model with a limited context window.

Summarize the message below in at most %d tokens.

Requirements:
- Keep identifiers, file paths, error messages, numbers and decisions verbatim
- Keep code only where it is essential
- Drop pleasantries, repetition and filler
- Never invent content

Reply with the summary only, with no preamble.`

func prompt(maxTokens int) string {
	return fmt.Sprintf(systemPrompt, maxTokens)
}

func cleanSummary(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty summary", ErrSummarizationFailed)
	}
	return s, nil
}
