package fetch

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/message"
)

func numbered(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line-%d\n", i)
	}
	return b.String()
}

type fixture struct {
	gw     *Gateway
	store  *memstore.Store
	doc    *memstore.Object // 300 lines
	short  *memstore.Object // 100 lines
	binary *memstore.Object // 100000 random bytes
	raw    []byte
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := memstore.New(t.TempDir())
	require.NoError(t, err)

	f := &fixture{store: store}
	f.doc, err = store.PutText(ctx, numbered(300), memstore.PutOptions{Type: memstore.TypeLog, Title: "build log"})
	require.NoError(t, err)
	f.short, err = store.PutText(ctx, numbered(100), memstore.PutOptions{})
	require.NoError(t, err)

	f.raw = make([]byte, 100000)
	_, err = rand.Read(f.raw)
	require.NoError(t, err)
	f.binary, err = store.PutBytes(ctx, f.raw, memstore.PutOptions{MIME: "application/octet-stream"})
	require.NoError(t, err)

	f.gw, err = New(store, opts...)
	require.NoError(t, err)
	return f
}

func TestFetch_LineSlice(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.Fetch(context.Background(), Request{MemoryID: f.short.ID, LineStart: 10, LineEnd: 40})
	require.NoError(t, err)

	lines := strings.Split(res.Content, "\n")
	require.Len(t, lines, 31)
	assert.Equal(t, "line-10", lines[0])
	assert.Equal(t, "line-40", lines[30])
	assert.Equal(t, Served{Mode: ModeLines, LineStart: 10, LineEnd: 40, Lines: 31}, res.Served)
	assert.Equal(t, "mem://"+f.short.ID+"#L10-40", res.URI)
	assert.Equal(t, 100, res.TotalLines)
	assert.False(t, res.Truncated)
	assert.Empty(t, res.Notes)
	assert.False(t, res.IsBinary())
}

func TestFetch_LineCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gw.Fetch(ctx, Request{MemoryID: f.doc.ID, LineStart: 1, LineEnd: 201})
	require.ErrorIs(t, err, ErrRangeTooLarge)
	assert.Contains(t, err.Error(), "201 lines requested, maximum is 200")

	res, err := f.gw.Fetch(ctx, Request{MemoryID: f.doc.ID, LineStart: 1, LineEnd: 200})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Served.Lines)
	assert.True(t, strings.HasSuffix(res.Content, "line-200"))

	res, err = f.gw.Fetch(ctx, Request{MemoryID: f.doc.ID, LineStart: 101, LineEnd: 300})
	require.NoError(t, err)
	assert.Equal(t, numbered(300)[len(numbered(100)):], res.Content)
}

func TestFetch_ByteCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gw.Fetch(ctx, Request{MemoryID: f.binary.ID, ByteLen: 70000})
	require.ErrorIs(t, err, ErrRangeTooLarge)

	res, err := f.gw.Fetch(ctx, Request{MemoryID: f.binary.ID, ByteLen: 65536})
	require.NoError(t, err)
	assert.Equal(t, int64(65536), res.Served.ByteLen)
	assert.Equal(t, int64(100000), res.TotalBytes)

	decoded, err := base64.StdEncoding.DecodeString(res.ContentBase64)
	require.NoError(t, err)
	assert.Equal(t, f.raw[:65536], decoded)
	assert.Empty(t, res.Content)
	assert.NotEmpty(t, res.Preview)
	assert.True(t, res.IsBinary())
	assert.Equal(t, "mem://"+f.binary.ID+"?offset=0&len=65536", res.URI)
}

func TestFetch_ByteWindowClampedAtEnd(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.Fetch(context.Background(), Request{MemoryID: f.binary.ID, ByteOffset: 99000, ByteLen: 4096})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Served.ByteLen)
	assert.Equal(t, int64(99000), res.Served.ByteOffset)
	decoded, err := base64.StdEncoding.DecodeString(res.ContentBase64)
	require.NoError(t, err)
	assert.Equal(t, f.raw[99000:], decoded)
	assert.False(t, res.Truncated)
}

func TestFetch_BothRangesPrefersBytes(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.Fetch(context.Background(), Request{
		MemoryID: f.short.ID, LineStart: 1, LineEnd: 5, ByteOffset: 0, ByteLen: 14,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeBytes, res.Served.Mode)
	assert.Equal(t, "line-1\nline-2\n", res.Content)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "byte range used")
}

func TestFetch_DefaultWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gw.Fetch(ctx, Request{MemoryID: f.doc.ID})
	require.NoError(t, err)
	assert.Equal(t, Served{Mode: ModeLines, LineStart: 1, LineEnd: 200, Lines: 200}, res.Served)
	assert.Contains(t, res.Notes[0], "first 200 lines")

	res, err = f.gw.Fetch(ctx, Request{MemoryID: f.binary.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(65536), res.Served.ByteLen)
	assert.Contains(t, res.Notes[0], "first 65536 bytes")
}

func TestFetch_OpenEndedLineRange(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.Fetch(context.Background(), Request{MemoryID: f.doc.ID, LineStart: 250})
	require.NoError(t, err)
	assert.Equal(t, 250, res.Served.LineStart)
	assert.Equal(t, 300, res.Served.LineEnd)
	assert.Equal(t, 51, res.Served.Lines)
	assert.NotEmpty(t, res.Notes)
}

func TestFetch_ClampsAtContentEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gw.Fetch(ctx, Request{MemoryID: f.short.ID, LineStart: 90, LineEnd: 150})
	require.NoError(t, err)
	assert.Equal(t, 11, res.Served.Lines)
	assert.Equal(t, 100, res.Served.LineEnd)
	assert.Equal(t, "mem://"+f.short.ID+"#L90-100", res.URI)
	assert.True(t, strings.HasPrefix(res.Content, "line-90\n"))

	res, err = f.gw.Fetch(ctx, Request{MemoryID: f.short.ID, LineStart: 150, LineEnd: 160})
	require.NoError(t, err)
	assert.Empty(t, res.Content)
	assert.Zero(t, res.Served.Lines)
	assert.Contains(t, res.Notes[0], "past the last line")
	assert.Equal(t, "mem://"+f.short.ID, res.URI)
}

func TestFetch_InvalidRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"missing id", Request{LineStart: 1, LineEnd: 2}},
		{"malformed id", Request{MemoryID: "not-a-hash", LineStart: 1, LineEnd: 2}},
		{"uppercase id", Request{MemoryID: strings.ToUpper(f.doc.ID)}},
		{"line start zero", Request{MemoryID: f.doc.ID, LineEnd: 5}},
		{"negative start", Request{MemoryID: f.doc.ID, LineStart: -1, LineEnd: 5}},
		{"end before start", Request{MemoryID: f.doc.ID, LineStart: 10, LineEnd: 5}},
		{"byte offset without length", Request{MemoryID: f.doc.ID, ByteOffset: 10}},
		{"negative offset", Request{MemoryID: f.doc.ID, ByteOffset: -4, ByteLen: 10}},
		{"negative length", Request{MemoryID: f.doc.ID, ByteLen: -10}},
		{"lines on binary", Request{MemoryID: f.binary.ID, LineStart: 1, LineEnd: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gw.Fetch(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestFetch_NotFound(t *testing.T) {
	f := newFixture(t)
	id := memstore.ComputeID([]byte("never stored"))

	_, err := f.gw.Fetch(context.Background(), Request{MemoryID: id, LineStart: 1, LineEnd: 10})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), id)
}

func TestFetch_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0.01
	cfg.Burst = 1
	f := newFixture(t, WithConfig(cfg))

	_, err := f.gw.Fetch(context.Background(), Request{MemoryID: f.short.ID, LineStart: 1, LineEnd: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.gw.Fetch(ctx, Request{MemoryID: f.short.ID, LineStart: 1, LineEnd: 1})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFetch_FromPointerURI(t *testing.T) {
	f := newFixture(t)
	p, err := message.ParseURI("mem://" + f.short.ID + "#L3-4")
	require.NoError(t, err)

	res, err := f.gw.Fetch(context.Background(), RequestFromPointer(p))
	require.NoError(t, err)
	assert.Equal(t, "line-3\nline-4", res.Content)
	assert.Equal(t, p.URI, res.URI)

	p, err = message.ParseURI("mem://" + f.binary.ID + "?offset=10&len=20")
	require.NoError(t, err)
	res, err = f.gw.Fetch(context.Background(), RequestFromPointer(p))
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Served.ByteLen)
}

type brokenStore struct{ Store }

var errDisk = errors.New("disk on fire")

func (brokenStore) GetMetadata(context.Context, string) (*memstore.Object, error) {
	return nil, fmt.Errorf("%w: %w", memstore.ErrStorage, errDisk)
}

func TestFetch_StorageErrorPassesThrough(t *testing.T) {
	gw, err := New(brokenStore{})
	require.NoError(t, err)

	_, err = gw.Fetch(context.Background(), Request{MemoryID: memstore.ComputeID([]byte("x"))})
	require.ErrorIs(t, err, memstore.ErrStorage)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrInvalidRequest))
}

func TestStat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	obj, err := f.gw.Stat(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "build log", obj.Title)
	assert.Equal(t, 300, obj.LineCount)

	_, err = f.gw.Stat(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.gw.Stat(ctx, "zz")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.gw.Stat(ctx, memstore.ComputeID([]byte("absent")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEscapePreview(t *testing.T) {
	assert.Equal(t, `\x00a\n\xff`, escapePreview([]byte{0x00, 'a', '\n', 0xff}, 256))
	assert.Equal(t, "abc", escapePreview([]byte("abcdef"), 3))
	assert.Empty(t, escapePreview([]byte("abc"), 0))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxLines = 0
	cfg.Burst = 0
	_, err = New(brokenStore{}, WithConfig(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max lines")
	assert.Contains(t, err.Error(), "rate and burst")
}
