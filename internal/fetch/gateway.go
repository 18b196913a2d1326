// Package fetch is the bounded read path for offloaded content.
//
// The Gateway is the only component that hydrates pointers. Every request
// is capped (MaxLines, MaxBytes) and rate limited. Requests over a cap fail
// with ErrRangeTooLarge; nothing is silently truncated, so an agent can
// always retry with a narrower range.
package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/memvault/internal/logging"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/message"
)

// Store is the read side of the content store.
type Store interface {
	GetMetadata(ctx context.Context, id string) (*memstore.Object, error)
	GetSlice(ctx context.Context, id string, start, end int) (string, error)
	GetBytes(ctx context.Context, id string, offset, length int64) ([]byte, error)
}

// Config holds gateway caps and rate limits.
type Config struct {
	MaxLines      int     `json:"max_lines"`
	MaxBytes      int64   `json:"max_bytes"`
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
	PreviewBytes  int     `json:"preview_bytes"`
}

// DefaultConfig returns 200 lines, 64 KiB, 10 fetches/s with burst 20.
func DefaultConfig() Config {
	return Config{
		MaxLines:      200,
		MaxBytes:      64 * 1024,
		RatePerSecond: 10,
		Burst:         20,
		PreviewBytes:  256,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.MaxLines <= 0 {
		errs = append(errs, fmt.Errorf("max lines must be positive, got %d", c.MaxLines))
	}
	if c.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("max bytes must be positive, got %d", c.MaxBytes))
	}
	if c.RatePerSecond <= 0 || c.Burst <= 0 {
		errs = append(errs, errors.New("rate and burst must be positive"))
	}
	if c.PreviewBytes < 0 {
		errs = append(errs, errors.New("preview bytes cannot be negative"))
	}
	return errors.Join(errs...)
}

// Gateway serves bounded slices of stored content.
type Gateway struct {
	store   Store
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(g *Gateway) { g.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets OTEL metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New creates a gateway over store.
func New(store Store, opts ...Option) (*Gateway, error) {
	if store == nil {
		return nil, errors.New("fetch: store is required")
	}
	g := &Gateway{
		store:  store,
		config: DefaultConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.config.Validate(); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	g.limiter = rate.NewLimiter(rate.Limit(g.config.RatePerSecond), g.config.Burst)
	g.logger = g.logger.Named("fetch")
	return g, nil
}

// Config returns the active configuration.
func (g *Gateway) Config() Config {
	return g.config
}

// plan is a validated request.
type plan struct {
	mode       Mode
	lineStart  int
	lineEnd    int
	byteOffset int64
	byteLen    int64
	defaulted  bool
	notes      []string
}

// validate checks the request shape and caps. The default window for a
// request with no range depends on the object kind and is filled in later.
func (g *Gateway) validate(req Request) (plan, error) {
	if req.MemoryID == "" {
		return plan{}, fmt.Errorf("%w: memory_id is required", ErrInvalidRequest)
	}
	if !memstore.ValidID(req.MemoryID) {
		return plan{}, fmt.Errorf("%w: malformed memory_id %q", ErrInvalidRequest, req.MemoryID)
	}

	var p plan
	switch {
	case req.hasBytes():
		if req.hasLines() {
			p.notes = append(p.notes, "both line and byte ranges given; byte range used")
		}
		if req.ByteOffset < 0 {
			return plan{}, fmt.Errorf("%w: byte_offset %d is negative", ErrInvalidRequest, req.ByteOffset)
		}
		if req.ByteLen <= 0 {
			return plan{}, fmt.Errorf("%w: byte_len must be positive, got %d", ErrInvalidRequest, req.ByteLen)
		}
		if req.ByteLen > g.config.MaxBytes {
			return plan{}, fmt.Errorf("%w: %d bytes requested, maximum is %d", ErrRangeTooLarge, req.ByteLen, g.config.MaxBytes)
		}
		p.mode, p.byteOffset, p.byteLen = ModeBytes, req.ByteOffset, req.ByteLen

	case req.hasLines():
		start, end := req.LineStart, req.LineEnd
		if start < 1 {
			return plan{}, fmt.Errorf("%w: line_start must be at least 1, got %d", ErrInvalidRequest, start)
		}
		if end == 0 {
			end = start + g.config.MaxLines - 1
			p.notes = append(p.notes, fmt.Sprintf("line_end not given; serving up to %d lines", g.config.MaxLines))
		}
		if end < start {
			return plan{}, fmt.Errorf("%w: line_end %d is before line_start %d", ErrInvalidRequest, end, start)
		}
		if span := end - start + 1; span > g.config.MaxLines {
			return plan{}, fmt.Errorf("%w: %d lines requested, maximum is %d", ErrRangeTooLarge, span, g.config.MaxLines)
		}
		p.mode, p.lineStart, p.lineEnd = ModeLines, start, end

	default:
		p.defaulted = true
	}
	return p, nil
}

// Fetch serves one request.
func (g *Gateway) Fetch(ctx context.Context, req Request) (*Result, error) {
	ctx, span := startSpan(ctx, "fetch.Fetch", attribute.String("memory_id", req.MemoryID))
	defer span.End()

	res, err := g.fetch(ctx, req)
	g.metrics.RecordFetch(ctx, res, err)
	if err != nil {
		recordSpanError(ctx, err)
		g.logger.Debug("fetch rejected", append(logging.ContextFields(ctx),
			zap.String("memory_id", req.MemoryID),
			zap.Error(err),
		)...)
		return nil, err
	}
	span.SetAttributes(attribute.String("mode", string(res.Served.Mode)))
	g.logger.Debug("fetch served", append(logging.ContextFields(ctx),
		zap.String("memory_id", req.MemoryID),
		zap.String("uri", res.URI),
	)...)
	return res, nil
}

func (g *Gateway) fetch(ctx context.Context, req Request) (*Result, error) {
	p, err := g.validate(req)
	if err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	obj, err := g.store.GetMetadata(ctx, req.MemoryID)
	if err != nil {
		return nil, mapStoreError(req.MemoryID, err)
	}

	if p.defaulted {
		if obj.IsText() {
			p.mode, p.lineStart, p.lineEnd = ModeLines, 1, g.config.MaxLines
			p.notes = append(p.notes, fmt.Sprintf("no range given; serving the first %d lines", g.config.MaxLines))
		} else {
			p.mode, p.byteOffset, p.byteLen = ModeBytes, 0, g.config.MaxBytes
			p.notes = append(p.notes, fmt.Sprintf("no range given; serving the first %d bytes", g.config.MaxBytes))
		}
	}

	res := &Result{
		MemoryID:   obj.ID,
		Type:       obj.Type,
		Kind:       obj.Kind,
		MIME:       obj.MIME,
		Title:      obj.Title,
		TotalLines: obj.LineCount,
		TotalBytes: obj.RawSize,
		Notes:      p.notes,
	}

	if p.mode == ModeLines {
		if !obj.IsText() {
			return nil, fmt.Errorf("%w: line ranges need text content, %s is %s", ErrInvalidRequest, obj.ID, obj.Kind)
		}
		return g.serveLines(ctx, res, p)
	}
	return g.serveBytes(ctx, res, obj, p)
}

func (g *Gateway) serveLines(ctx context.Context, res *Result, p plan) (*Result, error) {
	text, err := g.store.GetSlice(ctx, res.MemoryID, p.lineStart, p.lineEnd)
	if err != nil {
		return nil, mapStoreError(res.MemoryID, err)
	}
	end := min(p.lineEnd, res.TotalLines)
	served := Served{Mode: ModeLines, LineStart: p.lineStart, LineEnd: end}
	res.Content = text
	res.Served = served
	if end < p.lineStart {
		// nothing served, so the URI carries no range
		res.Notes = append(res.Notes, fmt.Sprintf("line_start %d is past the last line (%d)", p.lineStart, res.TotalLines))
		res.URI = message.FormatURI(res.MemoryID, nil, nil)
		return res, nil
	}
	res.Served.Lines = end - p.lineStart + 1
	res.URI = message.FormatURI(res.MemoryID, &message.LineRange{Start: p.lineStart, End: end}, nil)
	return res, nil
}

func (g *Gateway) serveBytes(ctx context.Context, res *Result, obj *memstore.Object, p plan) (*Result, error) {
	data, err := g.store.GetBytes(ctx, res.MemoryID, p.byteOffset, p.byteLen)
	if err != nil {
		return nil, mapStoreError(res.MemoryID, err)
	}
	n := int64(len(data))
	res.Served = Served{Mode: ModeBytes, ByteOffset: p.byteOffset, ByteLen: n}
	res.URI = message.FormatURI(res.MemoryID, nil, &message.ByteRange{Offset: p.byteOffset, Length: n})
	if n == 0 && p.byteOffset >= obj.RawSize {
		res.Notes = append(res.Notes, fmt.Sprintf("byte_offset %d is at or past the end (%d bytes)", p.byteOffset, obj.RawSize))
	}

	if obj.IsText() && utf8.Valid(data) {
		res.Content = string(data)
		return res, nil
	}
	res.ContentBase64 = base64.StdEncoding.EncodeToString(data)
	res.Preview = escapePreview(data, g.config.PreviewBytes)
	return res, nil
}

// Stat returns the metadata of a stored object with gateway error mapping.
func (g *Gateway) Stat(ctx context.Context, id string) (*memstore.Object, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory_id is required", ErrInvalidRequest)
	}
	obj, err := g.store.GetMetadata(ctx, id)
	if err != nil {
		return nil, mapStoreError(id, err)
	}
	return obj, nil
}

func mapStoreError(id string, err error) error {
	switch {
	case errors.Is(err, memstore.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, memstore.ErrInvalidID), errors.Is(err, memstore.ErrInvalidRange):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return err
}

// escapePreview renders the first n bytes with non-printable bytes escaped.
func escapePreview(data []byte, n int) string {
	if n == 0 || len(data) == 0 {
		return ""
	}
	if len(data) > n {
		data = data[:n]
	}
	q := strconv.QuoteToASCII(string(data))
	return q[1 : len(q)-1]
}
