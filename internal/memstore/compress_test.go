package memstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionTag_Text(t *testing.T) {
	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		text, err := tag.MarshalText()
		require.NoError(t, err)

		var back CompressionTag
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, tag, back)
	}

	var tag CompressionTag
	assert.Error(t, tag.UnmarshalText([]byte("gzip")))
	assert.Equal(t, "unknown(9)", CompressionTag(9).String())
}

func TestEncodeDecode(t *testing.T) {
	text := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 200))
	binary := []byte(strings.Repeat("\x01\x02\x03\x04\xfe", 1000))

	tests := []struct {
		name    string
		data    []byte
		mime    string
		policy  Policy
		wantTag CompressionTag
	}{
		{"text auto picks zstd", text, "text/plain", PolicyAuto, CompressionZstd},
		{"json auto picks zstd", text, "application/vnd.api+json", PolicyAuto, CompressionZstd},
		{"forced lz4", text, "text/plain", PolicyLZ4, CompressionLZ4},
		{"forced zstd on binary", binary, "application/octet-stream", PolicyZstd, CompressionZstd},
		{"none", text, "text/plain", PolicyNone, CompressionNone},
		{"empty", nil, "text/plain", PolicyAuto, CompressionNone},
		{"tiny input does not shrink", []byte("ab"), "text/plain", PolicyAuto, CompressionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, tag := encode(tt.data, tt.mime, tt.policy)
			assert.Equal(t, tt.wantTag, tag)

			raw, err := decode(stored, tag, int64(len(tt.data)))
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), len(raw))
			if len(tt.data) > 0 {
				assert.Equal(t, tt.data, raw)
			}
		})
	}

	t.Run("binary auto shrinks", func(t *testing.T) {
		stored, tag := encode(binary, "application/octet-stream", PolicyAuto)
		assert.NotEqual(t, CompressionNone, tag)
		assert.Less(t, len(stored), len(binary))
	})
}

func TestDecode_SizeMismatch(t *testing.T) {
	_, err := decode([]byte("abc"), CompressionNone, 4)
	assert.Error(t, err)

	stored, tag := encode([]byte(strings.Repeat("x", 1000)), "text/plain", PolicyZstd)
	require.Equal(t, CompressionZstd, tag)
	_, err = decode(stored, tag, 999)
	assert.Error(t, err)
}

func TestIsTextMIME(t *testing.T) {
	assert.True(t, isTextMIME("text/html; charset=utf-8"))
	assert.True(t, isTextMIME("Application/JSON"))
	assert.True(t, isTextMIME("application/ld+json"))
	assert.False(t, isTextMIME("image/png"))
	assert.False(t, isTextMIME(""))
}
