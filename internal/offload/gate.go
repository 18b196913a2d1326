// Package offload moves oversized message payloads into the content store
// and leaves a pointer stub in their place.
package offload

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memvault/internal/logging"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/message"
	"github.com/fyrsmithlabs/memvault/internal/secrets"
	"github.com/fyrsmithlabs/memvault/internal/tokens"
)

// Store is the subset of the content store the gate writes to.
type Store interface {
	PutText(ctx context.Context, content string, opts memstore.PutOptions) (*memstore.Object, error)
	PutBytes(ctx context.Context, content []byte, opts memstore.PutOptions) (*memstore.Object, error)
}

// Config controls when and how messages are offloaded.
type Config struct {
	// ThresholdBytes is the largest payload kept inline.
	ThresholdBytes int
	// PreviewChars is the number of runes of text kept in the stub.
	PreviewChars int
	// CompressBinary is passed to PutBytes.
	CompressBinary bool
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{ThresholdBytes: 8 * 1024, PreviewChars: 500, CompressBinary: true}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ThresholdBytes <= 0 {
		return fmt.Errorf("threshold must be positive, got %d", c.ThresholdBytes)
	}
	if c.PreviewChars < 0 {
		return fmt.Errorf("preview chars cannot be negative, got %d", c.PreviewChars)
	}
	return nil
}

// Outcome says what the gate did with one message.
type Outcome string

const (
	OutcomeInline    Outcome = "inline"
	OutcomeOffloaded Outcome = "offloaded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Result describes the gate's decision for one message.
type Result struct {
	Outcome     Outcome          `json:"outcome"`
	Object      *memstore.Object `json:"object,omitempty"`
	TokensSaved int              `json:"tokens_saved,omitempty"`
	// Err is set when the store failed and the message was left inline.
	Err error `json:"-"`
}

// Gate is the offload gate. It is safe for concurrent use.
type Gate struct {
	store    Store
	counter  tokens.Counter
	config   Config
	scrubber secrets.Scrubber
	logger   *zap.Logger
	metrics  *Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(g *Gate) { g.config = cfg }
}

// WithScrubber redacts secrets from previews. Stored payloads are untouched.
func WithScrubber(s secrets.Scrubber) Option {
	return func(g *Gate) {
		if s != nil {
			g.scrubber = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets OTEL metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a gate writing to store.
func New(store Store, counter tokens.Counter, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("offload: store is required")
	}
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	g := &Gate{
		store:    store,
		counter:  counter,
		config:   DefaultConfig(),
		scrubber: secrets.NoopScrubber{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.config.Validate(); err != nil {
		return nil, fmt.Errorf("offload: %w", err)
	}
	g.logger = g.logger.Named("offload")
	return g, nil
}

// Process returns msg, offloaded if its payload exceeds the threshold.
// Messages that already carry pointers are returned as-is. A store failure
// leaves the message inline and is reported in Result.Err; only context
// cancellation is returned as an error.
func (g *Gate) Process(ctx context.Context, model string, msg message.Message) (message.Message, Result, error) {
	if err := ctx.Err(); err != nil {
		return msg, Result{}, err
	}
	if msg.HasPointers() {
		g.metrics.RecordOutcome(ctx, OutcomeSkipped)
		return msg, Result{Outcome: OutcomeSkipped}, nil
	}
	size := msg.Size()
	if size <= g.config.ThresholdBytes {
		return msg, Result{Outcome: OutcomeInline}, nil
	}

	ctx, span := startSpan(ctx, "offload.process",
		attribute.Int("payload.size", size),
		attribute.String("message.role", string(msg.Role)),
	)
	defer span.End()

	payload, binary := msg.Payload()
	if !binary && memstore.IsBinary(payload) {
		binary = true
	}
	opts := g.putOptions(&msg, binary)

	var (
		obj *memstore.Object
		err error
	)
	if binary {
		obj, err = g.store.PutBytes(ctx, payload, opts)
	} else {
		obj, err = g.store.PutText(ctx, string(payload), opts)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return msg, Result{}, ctxErr
		}
		g.metrics.RecordOutcome(ctx, OutcomeFailed)
		recordSpanError(ctx, err)
		g.logger.Warn("offload failed, keeping message inline", append(logging.ContextFields(ctx),
			zap.Int("size", size),
			zap.Error(err),
		)...)
		return msg, Result{Outcome: OutcomeFailed, Err: err}, nil
	}

	preview := g.preview(payload, binary, obj)
	out := msg.Clone()
	out.Content = preview + message.Marker(obj.ID)
	out.Data = nil
	out.Binary = nil

	before := g.originalTokens(model, payload, binary)
	after := g.counter.Count(model, out.Content)
	saved := max(before-after, 0)

	ref := message.NewPointer(obj.ID, obj.Title, obj.MIME)
	out.Offloaded = &message.Offloaded{
		Preview:     preview,
		MemoryRefs:  []message.PointerRef{ref},
		TokensSaved: saved,
	}

	span.SetAttributes(attribute.String("memory.id", obj.ID), attribute.Int("tokens.saved", saved))
	g.metrics.RecordOutcome(ctx, OutcomeOffloaded)
	g.metrics.RecordSaved(ctx, int64(size), saved)
	g.logger.Debug("message offloaded", append(logging.ContextFields(ctx),
		zap.String("memory_id", obj.ID),
		zap.Int("size", size),
		zap.Int("tokens_saved", saved),
	)...)

	return out, Result{Outcome: OutcomeOffloaded, Object: obj, TokensSaved: saved}, nil
}

// ProcessAll runs Process over msgs in order. Results align with msgs.
func (g *Gate) ProcessAll(ctx context.Context, model string, msgs []message.Message) ([]message.Message, []Result, error) {
	out := make([]message.Message, len(msgs))
	results := make([]Result, len(msgs))
	for i, m := range msgs {
		processed, res, err := g.Process(ctx, model, m)
		if err != nil {
			return nil, nil, err
		}
		out[i], results[i] = processed, res
	}
	return out, results, nil
}

// putOptions derives store options from message metadata. An unknown
// memory_type falls back to the role-based default rather than failing.
func (g *Gate) putOptions(msg *message.Message, binary bool) memstore.PutOptions {
	opts := memstore.PutOptions{
		Subtype:  msg.Meta(message.MetaSubtype),
		Title:    msg.Meta(message.MetaTitle),
		MIME:     msg.Meta(message.MetaMIME),
		Compress: g.config.CompressBinary,
	}
	if raw := msg.Meta(message.MetaMemoryType); raw != "" {
		if t, err := memstore.ParseMemoryType(raw); err == nil {
			opts.Type = t
		}
	}
	switch {
	case opts.Type != "":
	case binary:
		opts.Type = memstore.TypeBinary
	case msg.Role == message.RoleTool:
		opts.Type = memstore.TypeToolOutput
	default:
		opts.Type = memstore.TypeOther
	}
	if opts.MIME == "" && len(msg.Data) > 0 && !binary {
		opts.MIME = "application/json"
	}
	return opts
}

func (g *Gate) preview(payload []byte, binary bool, obj *memstore.Object) string {
	if binary {
		return fmt.Sprintf("[binary content: %d bytes, %s]", obj.RawSize, obj.MIME)
	}
	text := truncateRunes(string(payload), g.config.PreviewChars)
	if g.scrubber.IsEnabled() {
		text = g.scrubber.Scrub(text).Scrubbed
	}
	return text
}

// originalTokens estimates what the payload would have cost inline. Binary
// payloads are counted as the base64 text a transport would carry.
func (g *Gate) originalTokens(model string, payload []byte, binary bool) int {
	if binary {
		return g.counter.Count(model, base64.StdEncoding.EncodeToString(payload))
	}
	return g.counter.Count(model, string(payload))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
