// Package tokens estimates token counts per model.
//
// Counts are deterministic for a given model identifier and input, which
// lets budget tests use fixed-size synthetic payloads.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memvault/internal/message"
)

// Per-message framing overhead, and the fixed cost of priming a reply.
const (
	MessageOverhead = 4
	ReplyOverhead   = 3
)

// Counter counts tokens for a model.
type Counter interface {
	// Count returns the token count of text under model's tokenizer.
	Count(model, text string) int
}

// CountMessages totals msgs under model, including framing overhead.
func CountMessages(c Counter, model string, msgs []message.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := ReplyOverhead
	for i := range msgs {
		total += CountMessage(c, model, &msgs[i])
	}
	return total
}

// CountMessage counts one message including its framing overhead.
func CountMessage(c Counter, model string, m *message.Message) int {
	return MessageOverhead + c.Count(model, m.Text())
}

// Heuristic estimates roughly four ASCII characters per token and two
// tokens per non-ASCII rune. It ignores the model.
type Heuristic struct{}

// Count implements Counter.
func (Heuristic) Count(_ string, text string) int {
	ascii, other := 0, 0
	for _, r := range text {
		if r <= 127 {
			ascii++
		} else {
			other++
		}
	}
	return (ascii+3)/4 + other*2
}

// Tiktoken counts with a BPE encoding. The encoding is loaded on first use;
// if it cannot be loaded (tiktoken fetches vocabularies over the network
// unless they are cached) the counter falls back to Heuristic for the life
// of the process.
type Tiktoken struct {
	encoding string
	logger   *zap.Logger

	once     sync.Once
	tk       *tiktoken.Tiktoken
	fallback Heuristic
}

// NewTiktoken returns a counter for encoding, cl100k_base when empty.
func NewTiktoken(encoding string, logger *zap.Logger) *Tiktoken {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiktoken{encoding: encoding, logger: logger.Named("tokens")}
}

func (t *Tiktoken) init() {
	t.once.Do(func() {
		tk, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("tiktoken unavailable, using heuristic token estimates",
				zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.tk = tk
	})
}

// Count implements Counter.
func (t *Tiktoken) Count(model, text string) int {
	t.init()
	if t.tk == nil {
		return t.fallback.Count(model, text)
	}
	return len(t.tk.Encode(text, nil, nil))
}

// New returns the counter named by encoding: "tiktoken" or "heuristic".
func New(encoding string, logger *zap.Logger) Counter {
	if encoding == "tiktoken" {
		return NewTiktoken("", logger)
	}
	return Heuristic{}
}

// Truncate cuts text so that c counts at most maxTokens for it. The cut
// falls on a rune boundary.
func Truncate(c Counter, model, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if c.Count(model, text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.Count(model, string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
