package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fyrsmithlabs/memvault/internal/compression"
	"github.com/fyrsmithlabs/memvault/internal/governor"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/message"
	"github.com/fyrsmithlabs/memvault/internal/offload"
	"github.com/fyrsmithlabs/memvault/internal/summarize"
	"github.com/fyrsmithlabs/memvault/internal/tokens"
)

const model = "claude-sonnet-4"

func newPipeline(t *testing.T) (*Pipeline, *memstore.Store) {
	t.Helper()
	s := summarize.Func(func(context.Context, string, int) (string, error) {
		return "earlier discussion summarized", nil
	})
	return newPipelineWith(t, s)
}

func newPipelineWith(t *testing.T, s summarize.Summarizer, opts ...Option) (*Pipeline, *memstore.Store) {
	t.Helper()
	counter := tokens.Heuristic{}
	store, err := memstore.New(t.TempDir())
	require.NoError(t, err)

	gate, err := offload.New(store, counter)
	require.NoError(t, err)

	comp, err := compression.New(s, counter)
	require.NoError(t, err)

	gov, err := governor.New(counter, nil, governor.WithThresholds(governor.Thresholds{WarningTokens: 300, CriticalTokens: 600}))
	require.NoError(t, err)

	p, err := New(gate, comp, gov, append([]Option{WithCounter(counter), WithDefaultModel(model)}, opts...)...)
	require.NoError(t, err)
	return p, store
}

func buildLog(lines int) string {
	var b strings.Builder
	for i := 1; i <= lines; i++ {
		fmt.Fprintf(&b, "2026-03-01T12:00:%02dZ step=%d compiling package %d done\n", i%60, i, i)
	}
	return b.String()
}

// sampleConversation has two 500-token turns, a 20 KB tool result and a short
// final question.
func sampleConversation() []message.Message {
	return []message.Message{
		message.System("You are a build assistant."),
		message.User(strings.Repeat("why does ", 222)),
		message.Assistant(strings.Repeat("because ", 250)),
		message.Tool(buildLog(400)),
		message.User("next?"),
	}
}

func TestTurn_OffloadThenCompress(t *testing.T) {
	p, store := newPipeline(t)
	in := sampleConversation()
	snapshot := message.CloneAll(in)

	res, err := p.Turn(context.Background(), TurnRequest{ConversationID: "conv-1", Messages: in})
	require.NoError(t, err)

	assert.Equal(t, snapshot, in)
	require.Len(t, res.Offload, len(in))
	assert.Equal(t, offload.OutcomeOffloaded, res.Offload[3].Outcome)
	assert.Equal(t, offload.OutcomeInline, res.Offload[0].Outcome)
	assert.Equal(t, 1, res.Offloaded)
	assert.Positive(t, res.TokensSaved)

	exists, err := store.Exists(context.Background(), res.Offload[3].Object.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	// budget defaults to the warning threshold, so the two long turns are summarized
	require.NotNil(t, res.Compression)
	require.Len(t, res.Compression.Entries, 2)
	assert.Equal(t, 300, res.Compression.Budget)
	assert.Equal(t, "earlier discussion summarized", res.Messages[1].Content)
	assert.Equal(t, "earlier discussion summarized", res.Messages[2].Content)

	tool := res.Messages[3]
	assert.True(t, tool.HasPointers())
	assert.True(t, message.HasMarker(tool.Content))
	assert.False(t, tool.Flag(message.MetaSummarized))

	assert.Equal(t, governor.LevelOK, res.Budget.Level)
	assert.Len(t, res.Messages, len(in))
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.Equal(t, 1, res.Turn)
	assert.Positive(t, res.Elapsed)
}

func TestTurn_GovernorAdvisoryWhenNotCompressed(t *testing.T) {
	p, _ := newPipeline(t)

	res, err := p.Turn(context.Background(), TurnRequest{Model: model, Messages: sampleConversation(), Budget: 100000})
	require.NoError(t, err)
	assert.Nil(t, res.Compression)
	assert.Equal(t, governor.LevelCritical, res.Budget.Level)
	require.Len(t, res.Messages, 6)
	last := res.Messages[5]
	assert.True(t, governor.IsAdvisory(&last))
	assert.True(t, strings.HasPrefix(last.Content, "context budget critical:"))
}

func TestTurn_SecondPassIsStable(t *testing.T) {
	p, _ := newPipeline(t)
	ctx := context.Background()

	first, err := p.Turn(ctx, TurnRequest{ConversationID: "c", Messages: sampleConversation(), Budget: 100000})
	require.NoError(t, err)
	history := append(first.Messages, message.User("and then?"))

	second, err := p.Turn(ctx, TurnRequest{ConversationID: "c", Messages: history, Budget: 100000})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Turn)
	assert.Zero(t, second.Offloaded)
	assert.Equal(t, offload.OutcomeSkipped, second.Offload[3].Outcome)
	assert.Equal(t, first.Messages[3].Content, second.Messages[3].Content)
	assert.Equal(t, 1, second.Budget.Advisories)
	require.Len(t, second.Messages, len(history)+1)
	assert.Equal(t, first.Messages[5], second.Messages[5])

	var advisories int
	for i := range second.Messages {
		if governor.IsAdvisory(&second.Messages[i]) {
			advisories++
		}
	}
	assert.Equal(t, 2, advisories)
}

func TestTurn_Invalid(t *testing.T) {
	p, _ := newPipeline(t)
	ctx := context.Background()

	_, err := p.Turn(ctx, TurnRequest{Messages: sampleConversation(), Budget: -1})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	_, err = p.Turn(ctx, TurnRequest{ConversationID: "bad id with spaces", Messages: sampleConversation()})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	bare, err := New(p.gate, p.compressor, p.governor)
	require.NoError(t, err)
	_, err = bare.Turn(ctx, TurnRequest{Messages: sampleConversation()})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	_, err = New(nil, p.compressor, p.governor)
	assert.Error(t, err)
}

func TestTurn_CancelledContext(t *testing.T) {
	p, _ := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Turn(ctx, TurnRequest{Messages: sampleConversation()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTurnAll_Concurrent(t *testing.T) {
	p, _ := newPipeline(t)
	ctx := context.Background()
	_, err := p.Turn(ctx, TurnRequest{ConversationID: "warmup", Messages: sampleConversation()})
	require.NoError(t, err)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reqs := make([]TurnRequest, 16)
	for i := range reqs {
		msgs := sampleConversation()
		msgs[3] = message.Tool(buildLog(300 + i))
		reqs[i] = TurnRequest{ConversationID: fmt.Sprintf("conv-%d", i), Messages: msgs}
	}

	results, err := p.TurnAll(ctx, reqs, 4)
	require.NoError(t, err)
	require.Len(t, results, len(reqs))
	ids := make(map[string]bool)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("conv-%d", i), res.ConversationID)
		assert.Equal(t, 1, res.Turn)
		require.NotNil(t, res.Offload[3].Object)
		ids[res.Offload[3].Object.ID] = true
	}
	assert.Len(t, ids, len(reqs))
}

func TestTurnAll_FirstErrorWins(t *testing.T) {
	p, _ := newPipeline(t)
	reqs := []TurnRequest{
		{ConversationID: "ok", Messages: sampleConversation()},
		{ConversationID: "bad", Messages: sampleConversation(), Budget: -5},
	}
	_, err := p.TurnAll(context.Background(), reqs, 0)
	require.ErrorIs(t, err, ErrInvalidTurn)
	assert.Contains(t, err.Error(), "turn 1")
}

// inFlight is a summarizer that records the peak number of concurrent calls.
type inFlight struct {
	cur  atomic.Int32
	peak atomic.Int32
}

func (f *inFlight) Summarize(context.Context, string, int) (string, error) {
	n := f.cur.Add(1)
	defer f.cur.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return "earlier discussion summarized", nil
}

func sameConversation(n int) []TurnRequest {
	reqs := make([]TurnRequest, n)
	for i := range reqs {
		msgs := sampleConversation()
		msgs[3] = message.Tool(buildLog(300 + i))
		reqs[i] = TurnRequest{ConversationID: "same", Messages: msgs}
	}
	return reqs
}

func TestTurnAll_SameConversationSerialized(t *testing.T) {
	s := &inFlight{}
	p, _ := newPipelineWith(t, s)

	results, err := p.TurnAll(context.Background(), sameConversation(4), 0)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, int32(1), s.peak.Load())
	for i, res := range results {
		assert.Equal(t, i+1, res.Turn)
		require.NotNil(t, res.Compression)
	}
	assert.Empty(t, p.active)
}

func TestTurn_SameConversationConcurrentCallers(t *testing.T) {
	s := &inFlight{}
	p, _ := newPipelineWith(t, s)
	reqs := sameConversation(6)

	var wg sync.WaitGroup
	turns := make([]int, len(reqs))
	for i := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Turn(context.Background(), reqs[i])
			if assert.NoError(t, err) {
				turns[i] = res.Turn
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), s.peak.Load())
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6}, turns)
	assert.Empty(t, p.active)
}

func TestTurnAll_MixedConversations(t *testing.T) {
	p, _ := newPipeline(t)
	reqs := []TurnRequest{
		{ConversationID: "a", Messages: sampleConversation()},
		{ConversationID: "b", Messages: sampleConversation()},
		{ConversationID: "a", Messages: sampleConversation()},
		{Messages: sampleConversation()},
		{ConversationID: "a", Messages: sampleConversation()},
	}
	results, err := p.TurnAll(context.Background(), reqs, 2)
	require.NoError(t, err)

	got := make([]int, len(results))
	for i, res := range results {
		got[i] = res.Turn
	}
	assert.Equal(t, []int{1, 1, 2, 0, 3}, got)
}

func TestGroupByConversation(t *testing.T) {
	reqs := []TurnRequest{
		{ConversationID: "a"},
		{ConversationID: "b"},
		{},
		{ConversationID: "a"},
		{},
		{ConversationID: "b"},
	}
	assert.Equal(t, [][]int{{0, 3}, {1, 5}, {2}, {4}}, groupByConversation(reqs))
	assert.Nil(t, groupByConversation(nil))
}

func TestTurn_WaitHonorsContext(t *testing.T) {
	p, _ := newPipeline(t)
	release, err := p.acquire(context.Background(), "busy")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Turn(ctx, TurnRequest{ConversationID: "busy", Messages: sampleConversation()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.mu.Lock()
	assert.Equal(t, 1, p.active["busy"].refs)
	p.mu.Unlock()

	release()
	assert.Empty(t, p.active)

	res, err := p.Turn(context.Background(), TurnRequest{ConversationID: "busy", Messages: sampleConversation()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Turn)
}

func TestTurn_CountersBounded(t *testing.T) {
	p, _ := newPipelineWith(t, summarize.Noop{}, WithMaxConversations(2))
	ctx := context.Background()
	turn := func(id string) int {
		res, err := p.Turn(ctx, TurnRequest{ConversationID: id, Messages: []message.Message{message.User("hi")}})
		require.NoError(t, err)
		return res.Turn
	}

	assert.Equal(t, 1, turn("a"))
	assert.Equal(t, 2, turn("a"))
	assert.Equal(t, 1, turn("b"))
	assert.Equal(t, 1, turn("c"))
	assert.Equal(t, 2, p.turns.Len())
	assert.Empty(t, p.active)

	// a was least recently used and has been evicted
	assert.Equal(t, 1, turn("a"))
	assert.Equal(t, 2, turn("c"))
}
