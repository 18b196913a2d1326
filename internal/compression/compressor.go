package compression

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memvault/internal/logging"
	"github.com/fyrsmithlabs/memvault/internal/message"
	"github.com/fyrsmithlabs/memvault/internal/summarize"
	"github.com/fyrsmithlabs/memvault/internal/tokens"
)

const truncationMarker = " [truncated]"

// Config bounds the work done per message.
type Config struct {
	// MaxSummaryTokens caps every summary and truncation.
	MaxSummaryTokens int
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	// AttemptTimeout bounds each summarizer call.
	AttemptTimeout time.Duration
	// BaseBackoff is doubled before each retry.
	BaseBackoff time.Duration
	// EmitReport makes Compress return a Report.
	EmitReport bool
}

// DefaultConfig returns the default compressor configuration.
func DefaultConfig() Config {
	return Config{
		MaxSummaryTokens: 256,
		MaxRetries:       2,
		AttemptTimeout:   30 * time.Second,
		BaseBackoff:      500 * time.Millisecond,
		EmitReport:       true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.MaxSummaryTokens <= 0 {
		errs = append(errs, fmt.Errorf("max summary tokens must be positive, got %d", c.MaxSummaryTokens))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries))
	}
	if c.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("attempt timeout must be positive"))
	}
	if c.BaseBackoff < 0 {
		errs = append(errs, errors.New("base backoff cannot be negative"))
	}
	return errors.Join(errs...)
}

// Compressor reduces message histories to a token budget. It is safe for
// concurrent use by independent conversations.
type Compressor struct {
	summarizer summarize.Summarizer
	counter    tokens.Counter
	config     Config
	logger     *zap.Logger
	metrics    *Metrics
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(c *Compressor) { c.config = cfg }
}

// WithReport toggles report emission.
func WithReport(enabled bool) Option {
	return func(c *Compressor) { c.config.EmitReport = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Compressor) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets OTEL metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Compressor) { c.metrics = m }
}

// New creates a compressor.
func New(s summarize.Summarizer, counter tokens.Counter, opts ...Option) (*Compressor, error) {
	if s == nil {
		return nil, errors.New("compression: summarizer is required")
	}
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	c := &Compressor{
		summarizer: s,
		counter:    counter,
		config:     DefaultConfig(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("compression: %w", err)
	}
	c.logger = c.logger.Named("compression")
	return c, nil
}

// Compress returns a copy of msgs whose total token count is at most budget,
// or as close as the eligible messages allow. The input is not modified.
//
// Eligible messages are, oldest first: not system, not the most recent
// message, not carrying memory references, not already summarized, and
// longer than MaxSummaryTokens. Only context cancellation fails the pass.
func (c *Compressor) Compress(ctx context.Context, model string, msgs []message.Message, budget int) ([]message.Message, *Report, error) {
	if budget <= 0 {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidBudget, budget)
	}
	ctx, span := startSpan(ctx, "compression.compress",
		attribute.String("model", model),
		attribute.Int("budget", budget),
		attribute.Int("messages", len(msgs)),
	)
	defer span.End()

	report := &Report{
		ID:        uuid.New().String(),
		Model:     model,
		Budget:    budget,
		StartedAt: time.Now(),
	}
	out := message.CloneAll(msgs)
	total := tokens.CountMessages(c.counter, model, out)
	report.TokensBefore = total

	for i := range out {
		if out[i].HasPointers() {
			report.Pointers++
		}
	}

	if total > budget {
		for _, i := range c.candidates(model, out) {
			if total <= budget {
				break
			}
			entry, err := c.shorten(ctx, model, &out[i])
			if err != nil {
				recordSpanError(ctx, err)
				return nil, nil, err
			}
			entry.Index = i
			total += entry.TokensAfter - entry.TokensBefore
			report.Entries = append(report.Entries, entry)
			c.metrics.RecordMessage(ctx, entry.Method, entry.TokensBefore-entry.TokensAfter)
		}
	}

	report.TokensAfter = total
	report.WithinBudget = total <= budget
	report.FinishedAt = time.Now()
	c.metrics.RecordPass(ctx, report)
	span.SetAttributes(
		attribute.Int("tokens.before", report.TokensBefore),
		attribute.Int("tokens.after", report.TokensAfter),
		attribute.Int("messages.shortened", len(report.Entries)),
	)

	if len(report.Entries) > 0 {
		c.logger.Info("history compressed", append(logging.ContextFields(ctx),
			zap.String("report_id", report.ID),
			zap.String("model", model),
			zap.Int("budget", budget),
			zap.Int("tokens_before", report.TokensBefore),
			zap.Int("tokens_after", report.TokensAfter),
			zap.Int("shortened", len(report.Entries)),
			zap.Bool("within_budget", report.WithinBudget),
		)...)
	}
	if !report.WithinBudget {
		c.logger.Warn("history still over budget after compression", append(logging.ContextFields(ctx),
			zap.Int("budget", budget),
			zap.Int("tokens", total),
		)...)
	}

	if !c.config.EmitReport {
		return out, nil, nil
	}
	return out, report, nil
}

func (c *Compressor) candidates(model string, msgs []message.Message) []int {
	var idx []int
	last := len(msgs) - 1
	for i := range msgs {
		m := &msgs[i]
		switch {
		case i == last,
			m.Role == message.RoleSystem,
			m.HasPointers(),
			m.Flag(message.MetaSummarized),
			len(m.Binary) > 0:
			continue
		}
		if c.counter.Count(model, m.Text()) <= c.config.MaxSummaryTokens {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

// shorten replaces m's content with a summary, or a truncation when the
// summarizer cannot produce a usable one.
func (c *Compressor) shorten(ctx context.Context, model string, m *message.Message) (Entry, error) {
	text := m.Text()
	entry := Entry{
		Role:         string(m.Role),
		TokensBefore: tokens.CountMessage(c.counter, model, m),
	}

	summary, attempts, err := c.summarizeWithRetry(ctx, model, text)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Entry{}, ctxErr
	}
	entry.Attempts = attempts
	entry.Method = MethodSummary
	if err != nil {
		entry.Method = MethodTruncated
		entry.Error = err.Error()
		summary = c.truncate(model, text)
		c.logger.Warn("summarization failed, truncating message", append(logging.ContextFields(ctx),
			zap.String("role", entry.Role),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)...)
	}

	m.Content = summary
	m.Data = nil
	m.SetMeta(message.MetaSummarized, true)
	m.SetMeta("summary_method", string(entry.Method))
	entry.TokensAfter = tokens.CountMessage(c.counter, model, m)
	return entry, nil
}

// summarizeWithRetry makes up to MaxRetries+1 attempts with exponential
// backoff. Summaries over the cap are cut to it; candidates are always
// longer than the cap, so an accepted summary always shrinks the message.
func (c *Compressor) summarizeWithRetry(ctx context.Context, model, text string) (string, int, error) {
	limit := c.config.MaxSummaryTokens

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.config.BaseBackoff<<(attempt-1)); err != nil {
				return "", attempts, err
			}
		}
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
		summary, err := c.summarizer.Summarize(attemptCtx, text, limit)
		cancel()
		c.metrics.RecordAttempt(ctx, err == nil)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", attempts, ctxErr
		}
		if err != nil {
			lastErr = err
			c.logger.Debug("summarizer attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			continue
		}

		summary = strings.TrimSpace(summary)
		if summary == "" {
			lastErr = fmt.Errorf("%w: empty summary", summarize.ErrSummarizationFailed)
			continue
		}
		return tokens.Truncate(c.counter, model, summary, limit), attempts, nil
	}
	return "", attempts, lastErr
}

// truncate cuts text to the summary cap, marking the cut.
func (c *Compressor) truncate(model, text string) string {
	limit := c.config.MaxSummaryTokens
	marker := truncationMarker
	room := limit - c.counter.Count(model, marker)
	if room < 1 {
		return tokens.Truncate(c.counter, model, text, limit)
	}
	return tokens.Truncate(c.counter, model, text, room) + marker
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
