// Package pipeline runs one conversational turn through the offload gate,
// the compressor and the governor, in that order.
//
// A turn is sequential. Turns of one conversation are serialized; turns of
// different conversations may run concurrently on the same Pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/memvault/internal/compression"
	"github.com/fyrsmithlabs/memvault/internal/governor"
	"github.com/fyrsmithlabs/memvault/internal/logging"
	"github.com/fyrsmithlabs/memvault/internal/message"
	"github.com/fyrsmithlabs/memvault/internal/offload"
	"github.com/fyrsmithlabs/memvault/internal/tokens"
)

const instrumentationName = "github.com/fyrsmithlabs/memvault/internal/pipeline"

// DefaultMaxConversations bounds how many conversations keep a turn counter.
const DefaultMaxConversations = 10000

// ErrInvalidTurn indicates a malformed turn request.
var ErrInvalidTurn = errors.New("invalid turn request")

// TurnRequest is one turn's outbound history. A zero Budget means the
// governor's warning threshold for Model.
type TurnRequest struct {
	ConversationID string            `json:"conversation_id"`
	Model          string            `json:"model"`
	Messages       []message.Message `json:"messages"`
	Budget         int               `json:"budget,omitempty"`
}

// TurnResult is the processed history ready for dispatch.
type TurnResult struct {
	ConversationID string `json:"conversation_id"`
	// Turn numbers the turns of a conversation from 1. It is 0 when the
	// request has no conversation id.
	Turn     int               `json:"turn"`
	Messages []message.Message `json:"messages"`
	// Offload holds one result per input message, by index.
	Offload     []offload.Result    `json:"offload"`
	Offloaded   int                 `json:"offloaded"`
	TokensSaved int                 `json:"tokens_saved"`
	Compression *compression.Report `json:"compression,omitempty"`
	Budget      governor.State      `json:"budget"`
	Elapsed     time.Duration       `json:"elapsed"`
}

// Pipeline wires the per-turn components together.
type Pipeline struct {
	gate       *offload.Gate
	compressor *compression.Compressor
	governor   *governor.Governor
	counter    tokens.Counter
	model      string
	logger     *zap.Logger

	maxConversations int

	mu     sync.Mutex
	active map[string]*conversation
	turns  *lru.Cache[string, int]
}

// conversation serializes the turns of one conversation id. refs counts
// holders and waiters and is guarded by Pipeline.mu.
type conversation struct {
	sem  chan struct{}
	refs int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(p *Pipeline) { p.model = model }
}

// WithCounter sets the counter used to decide whether compression runs.
// It should match the one given to the compressor.
func WithCounter(c tokens.Counter) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.counter = c
		}
	}
}

// WithMaxConversations sets how many conversations keep a turn counter.
// The least recently used counter is evicted past the limit.
func WithMaxConversations(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxConversations = n
		}
	}
}

// New creates a pipeline.
func New(gate *offload.Gate, compressor *compression.Compressor, gov *governor.Governor, opts ...Option) (*Pipeline, error) {
	if gate == nil || compressor == nil || gov == nil {
		return nil, errors.New("pipeline: gate, compressor and governor are required")
	}
	p := &Pipeline{
		gate:       gate,
		compressor: compressor,
		governor:   gov,
		counter:    tokens.Heuristic{},
		logger:     zap.NewNop(),
		active:     make(map[string]*conversation),

		maxConversations: DefaultMaxConversations,
	}
	for _, opt := range opts {
		opt(p)
	}
	turns, err := lru.New[string, int](p.maxConversations)
	if err != nil {
		return nil, fmt.Errorf("pipeline: turn tracker: %w", err)
	}
	p.turns = turns
	p.logger = p.logger.Named("pipeline")
	return p, nil
}

// Governor returns the pipeline's governor, for threshold reloads.
func (p *Pipeline) Governor() *governor.Governor {
	return p.governor
}

// acquire waits until no other turn of conversationID is running. The
// returned func releases the conversation and forgets it once nothing else
// holds or waits for it.
func (p *Pipeline) acquire(ctx context.Context, conversationID string) (func(), error) {
	p.mu.Lock()
	c := p.active[conversationID]
	if c == nil {
		c = &conversation{sem: make(chan struct{}, 1)}
		p.active[conversationID] = c
	}
	c.refs++
	p.mu.Unlock()

	leave := func() {
		p.mu.Lock()
		c.refs--
		if c.refs == 0 {
			delete(p.active, conversationID)
		}
		p.mu.Unlock()
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		leave()
		return nil, ctx.Err()
	}
	return func() {
		<-c.sem
		leave()
	}, nil
}

// nextTurn must be called while holding the conversation.
func (p *Pipeline) nextTurn(conversationID string) int {
	n, _ := p.turns.Get(conversationID)
	n++
	p.turns.Add(conversationID, n)
	return n
}

// Turn processes one turn. The request's messages are not modified.
func (p *Pipeline) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	start := time.Now()
	if req.Budget < 0 {
		return nil, fmt.Errorf("%w: budget cannot be negative", ErrInvalidTurn)
	}
	if req.ConversationID != "" {
		if err := logging.ValidateID(req.ConversationID, "conversation_id"); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTurn, err)
		}
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidTurn)
	}

	var turn int
	if req.ConversationID != "" {
		release, err := p.acquire(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		defer release()
		turn = p.nextTurn(req.ConversationID)
	}
	ctx = logging.WithConversationID(ctx, req.ConversationID)
	ctx = logging.WithTurn(ctx, turn)
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "pipeline.Turn", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.Int("turn", turn),
		attribute.String("model", model),
		attribute.Int("messages", len(req.Messages)),
	))
	defer span.End()

	res, err := p.turn(ctx, model, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.ConversationID = req.ConversationID
	res.Turn = turn
	res.Elapsed = time.Since(start)

	p.logger.Info("turn processed", append(logging.ContextFields(ctx),
		zap.String("model", model),
		zap.Int("messages", len(res.Messages)),
		zap.Int("offloaded", res.Offloaded),
		zap.Int("tokens", res.Budget.Tokens),
		zap.String("level", string(res.Budget.Level)),
		zap.Duration("elapsed", res.Elapsed),
	)...)
	return res, nil
}

func (p *Pipeline) turn(ctx context.Context, model string, req TurnRequest) (*TurnResult, error) {
	msgs, results, err := p.gate.ProcessAll(ctx, model, req.Messages)
	if err != nil {
		return nil, fmt.Errorf("offload: %w", err)
	}
	res := &TurnResult{Offload: results}
	for _, r := range results {
		if r.Outcome == offload.OutcomeOffloaded {
			res.Offloaded++
			res.TokensSaved += r.TokensSaved
		}
	}

	budget := req.Budget
	if budget == 0 {
		budget = p.governor.Evaluate(model, msgs).Warning
	}
	if tokens.CountMessages(p.counter, model, msgs) > budget {
		compressed, report, err := p.compressor.Compress(ctx, model, msgs, budget)
		if err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		msgs = compressed
		res.Compression = report
	}

	res.Messages, res.Budget = p.governor.Apply(model, msgs)
	return res, nil
}

// TurnAll processes turns concurrently, at most limit conversations at a
// time. Requests sharing a conversation id run one after another in request
// order. Results are in request order. The first error cancels the rest.
func (p *Pipeline) TurnAll(ctx context.Context, reqs []TurnRequest, limit int) ([]*TurnResult, error) {
	out := make([]*TurnResult, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, group := range groupByConversation(reqs) {
		g.Go(func() error {
			for _, i := range group {
				res, err := p.Turn(ctx, reqs[i])
				if err != nil {
					return fmt.Errorf("turn %d: %w", i, err)
				}
				out[i] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// groupByConversation returns request indexes grouped by conversation id,
// groups ordered by first appearance. Requests without an id stand alone.
func groupByConversation(reqs []TurnRequest) [][]int {
	var groups [][]int
	index := make(map[string]int)
	for i, req := range reqs {
		if req.ConversationID == "" {
			groups = append(groups, []int{i})
			continue
		}
		if g, ok := index[req.ConversationID]; ok {
			groups[g] = append(groups[g], i)
			continue
		}
		index[req.ConversationID] = len(groups)
		groups = append(groups, []int{i})
	}
	return groups
}
