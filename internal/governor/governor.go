// Package governor watches the token budget of a conversation and appends
// an advisory system message when the history nears the model's context
// window. It never changes the messages it is given.
package governor

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memvault/internal/message"
	"github.com/fyrsmithlabs/memvault/internal/tokens"
)

// Level is the budget classification of a history.
type Level string

const (
	LevelOK       Level = "ok"
	LevelHigh     Level = "budget_high"
	LevelCritical Level = "budget_critical"
)

func (l Level) rank() int {
	switch l {
	case LevelHigh:
		return 1
	case LevelCritical:
		return 2
	default:
		return 0
	}
}

// Exceeds reports whether l is more severe than other.
func (l Level) Exceeds(other Level) bool {
	return l.rank() > other.rank()
}

// State describes the budget of one history.
type State struct {
	Model string `json:"model"`
	// Tokens excludes advisory messages.
	Tokens   int     `json:"tokens"`
	Window   int     `json:"window"`
	Warning  int     `json:"warning"`
	Critical int     `json:"critical"`
	Level    Level   `json:"level"`
	Used     float64 `json:"used"`
	// Advisory is true when an advisory was appended.
	Advisory bool `json:"advisory"`
	// Advisories counts advisories already in the input. They stay in the
	// history but are not counted in Tokens.
	Advisories int `json:"advisories,omitempty"`
}

// Governor classifies histories against thresholds. Thresholds can be
// swapped at runtime with SetThresholds.
type Governor struct {
	counter tokens.Counter
	windows *tokens.Windows
	logger  *zap.Logger
	metrics *Metrics

	mu         sync.RWMutex
	thresholds Thresholds
}

// Option configures a Governor.
type Option func(*Governor)

// WithThresholds sets the initial thresholds.
func WithThresholds(t Thresholds) Option {
	return func(g *Governor) { g.thresholds = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Governor) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets OTEL metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// New creates a governor. A nil windows table uses the built-in defaults.
func New(counter tokens.Counter, windows *tokens.Windows, opts ...Option) (*Governor, error) {
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	if windows == nil {
		windows = tokens.NewWindows(nil)
	}
	g := &Governor{
		counter:    counter,
		windows:    windows,
		logger:     zap.NewNop(),
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.thresholds.Validate(); err != nil {
		return nil, err
	}
	g.logger = g.logger.Named("governor")
	return g, nil
}

// Thresholds returns the active thresholds.
func (g *Governor) Thresholds() Thresholds {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.thresholds
}

// SetThresholds replaces the thresholds. Invalid values are rejected and
// the previous thresholds stay active.
func (g *Governor) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.thresholds = t
	g.mu.Unlock()
	g.logger.Info("thresholds updated",
		zap.Float64("warning_ratio", t.WarningRatio),
		zap.Float64("critical_ratio", t.CriticalRatio),
		zap.Int("warning_tokens", t.WarningTokens),
		zap.Int("critical_tokens", t.CriticalTokens),
	)
	return nil
}

// Evaluate classifies msgs without building an output history.
func (g *Governor) Evaluate(model string, msgs []message.Message) State {
	counted, existing := withoutAdvisories(msgs)
	st := g.classify(model, counted)
	st.Advisories = existing
	return st
}

// Apply returns a copy of msgs with, above the warning threshold, one
// advisory appended. Every input message is kept. No advisory is appended
// when the history already ends with one at the same level. The input
// slice and its messages are not modified.
func (g *Governor) Apply(model string, msgs []message.Message) ([]message.Message, State) {
	counted, existing := withoutAdvisories(msgs)
	st := g.classify(model, counted)
	st.Advisories = existing

	out := make([]message.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	if st.Level != LevelOK && !endsWithAdvisory(msgs, st.Level) {
		out = append(out, advisory(st))
		st.Advisory = true
		g.logger.Debug("advisory appended",
			zap.String("model", model),
			zap.String("level", string(st.Level)),
			zap.Int("tokens", st.Tokens),
			zap.Int("window", st.Window),
		)
	}
	g.metrics.Record(st)
	return out, st
}

func (g *Governor) classify(model string, msgs []message.Message) State {
	window := g.windows.ContextWindow(model)
	warning, critical := g.Thresholds().resolve(window)
	n := tokens.CountMessages(g.counter, model, msgs)

	st := State{
		Model:    model,
		Tokens:   n,
		Window:   window,
		Warning:  warning,
		Critical: critical,
		Level:    LevelOK,
	}
	if window > 0 {
		st.Used = float64(n) / float64(window)
	}
	switch {
	case n >= critical:
		st.Level = LevelCritical
	case n >= warning:
		st.Level = LevelHigh
	}
	return st
}

// IsAdvisory reports whether m was produced by a governor.
func IsAdvisory(m *message.Message) bool {
	return m.Role == message.RoleSystem && m.Meta(message.MetaAdvisory) != ""
}

// endsWithAdvisory reports whether the last message is an advisory at level.
func endsWithAdvisory(msgs []message.Message, level Level) bool {
	if len(msgs) == 0 {
		return false
	}
	last := &msgs[len(msgs)-1]
	return IsAdvisory(last) && last.Meta(message.MetaAdvisory) == string(level)
}

// withoutAdvisories returns the messages that count toward the budget and
// the number of advisories left out.
func withoutAdvisories(msgs []message.Message) ([]message.Message, int) {
	out := make([]message.Message, 0, len(msgs))
	for i := range msgs {
		if IsAdvisory(&msgs[i]) {
			continue
		}
		out = append(out, msgs[i])
	}
	return out, len(msgs) - len(out)
}

func advisory(st State) message.Message {
	pct := int(st.Used * 100)
	var text string
	if st.Level == LevelCritical {
		text = fmt.Sprintf("context budget critical: %d of %d tokens used (%d%%). "+
			"Stop reading new large outputs; summarize finished work and fetch only the exact line or byte ranges you need.",
			st.Tokens, st.Window, pct)
	} else {
		text = fmt.Sprintf("context budget high: %d of %d tokens used (%d%%). "+
			"Prefer memory_fetch with narrow ranges over re-reading offloaded content.",
			st.Tokens, st.Window, pct)
	}
	m := message.System(text)
	m.SetMeta(message.MetaAdvisory, string(st.Level))
	m.SetMeta("tokens", st.Tokens)
	m.SetMeta("window", st.Window)
	return m
}
