package message

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"

func TestMessage_TextAndPayload(t *testing.T) {
	text := Tool("ls output")
	assert.Equal(t, "ls output", text.Text())
	p, binary := text.Payload()
	assert.Equal(t, []byte("ls output"), p)
	assert.False(t, binary)

	data := Message{Role: RoleTool, Data: json.RawMessage(`{"a":1}`)}
	assert.Equal(t, `{"a":1}`, data.Text())
	assert.Equal(t, 7, data.Size())

	bin := Message{Role: RoleTool, Binary: []byte{1, 2, 3}}
	_, binary = bin.Payload()
	assert.True(t, binary)
	assert.Equal(t, "[binary content, 3 bytes]", bin.Text())
}

func TestMessage_HasPointers(t *testing.T) {
	m := User("plain")
	assert.False(t, m.HasPointers())

	m.Offloaded = &Offloaded{}
	assert.False(t, m.HasPointers(), "an empty ref list is not a pointer message")

	m.Offloaded.MemoryRefs = []PointerRef{NewPointer(testID, "", "")}
	assert.True(t, m.HasPointers())
}

func TestMessage_Metadata(t *testing.T) {
	var m Message
	assert.Equal(t, "", m.Meta(MetaTitle))
	assert.False(t, m.Flag(MetaSummarized))

	m.SetMeta(MetaTitle, "curl output")
	m.SetMeta(MetaSummarized, true)
	assert.Equal(t, "curl output", m.Meta(MetaTitle))
	assert.True(t, m.Flag(MetaSummarized))
}

func TestMessage_CloneIsDeep(t *testing.T) {
	orig := Message{
		Role:     RoleTool,
		Binary:   []byte{1, 2},
		Metadata: map[string]any{"k": "v"},
		Offloaded: &Offloaded{
			MemoryRefs: []PointerRef{NewPointer(testID, "t", "text/plain")},
		},
	}
	c := orig.Clone()
	c.Binary[0] = 9
	c.Metadata["k"] = "changed"
	c.Offloaded.MemoryRefs[0].Title = "other"
	c.Offloaded.TokensSaved = 42

	assert.Equal(t, byte(1), orig.Binary[0])
	assert.Equal(t, "v", orig.Metadata["k"])
	assert.Equal(t, "t", orig.Offloaded.MemoryRefs[0].Title)
	assert.Zero(t, orig.Offloaded.TokensSaved)

	all := CloneAll([]Message{orig})
	require.Len(t, all, 1)
	assert.NotSame(t, orig.Offloaded, all[0].Offloaded)
}

func TestMessage_JSONShape(t *testing.T) {
	m := Message{
		Role:    RoleTool,
		Content: "preview" + Marker(testID),
		Offloaded: &Offloaded{
			Preview:     "preview",
			MemoryRefs:  []PointerRef{NewPointer(testID, "scrape", "text/html")},
			TokensSaved: 1200,
		},
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	off := generic["offloaded"].(map[string]any)
	assert.Equal(t, "preview", off["preview_text"])
	assert.EqualValues(t, 1200, off["tokens_saved"])
	ref := off["memory_refs"].([]any)[0].(map[string]any)
	assert.Equal(t, "mem://"+testID, ref["uri"])
}

func TestFormatURI(t *testing.T) {
	assert.Equal(t, "mem://"+testID, FormatURI(testID, nil, nil))
	assert.Equal(t, "mem://"+testID+"#L10-40", FormatURI(testID, &LineRange{10, 40}, nil))
	assert.Equal(t, "mem://"+testID+"?offset=0&len=100", FormatURI(testID, nil, &ByteRange{0, 100}))
	assert.Equal(t, "mem://"+testID+"?offset=5&len=1", FormatURI(testID, &LineRange{1, 2}, &ByteRange{5, 1}))
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    PointerRef
		wantErr bool
	}{
		{name: "bare", raw: "mem://" + testID, want: PointerRef{MemoryID: testID}},
		{name: "line range", raw: "mem://" + testID + "#L10-40", want: PointerRef{MemoryID: testID, LineRange: &LineRange{10, 40}}},
		{name: "single line", raw: "mem://" + testID + "#L7", want: PointerRef{MemoryID: testID, LineRange: &LineRange{7, 7}}},
		{name: "byte range", raw: "mem://" + testID + "?offset=128&len=4096", want: PointerRef{MemoryID: testID, ByteRange: &ByteRange{128, 4096}}},
		{name: "wrong scheme", raw: "https://" + testID, wantErr: true},
		{name: "no id", raw: "mem://", wantErr: true},
		{name: "path", raw: "mem://" + testID + "/x", wantErr: true},
		{name: "reversed lines", raw: "mem://" + testID + "#L40-10", wantErr: true},
		{name: "zero line", raw: "mem://" + testID + "#L0-3", wantErr: true},
		{name: "bad fragment", raw: "mem://" + testID + "#lines", wantErr: true},
		{name: "negative offset", raw: "mem://" + testID + "?offset=-1&len=3", wantErr: true},
		{name: "missing len", raw: "mem://" + testID + "?offset=1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURI(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.MemoryID, got.MemoryID)
			assert.Equal(t, tt.want.LineRange, got.LineRange)
			assert.Equal(t, tt.want.ByteRange, got.ByteRange)
			assert.Equal(t, tt.raw, got.URI)
		})
	}
}

func TestMarker(t *testing.T) {
	m := Marker(testID)
	assert.True(t, strings.HasPrefix(m, "\n\n[content offloaded"))
	assert.True(t, strings.HasSuffix(m, testID+"]"))
	assert.True(t, HasMarker("preview"+m))
	assert.False(t, HasMarker("plain text"))
}
