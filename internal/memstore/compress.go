package memstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies how a blob is encoded on disk.
type CompressionTag uint8

const (
	// CompressionNone stores raw bytes. Used for incompressible content
	// and for PutBytes with Compress=false.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression, tried for binary content.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level, used for text, JSON
	// and logs.
	CompressionZstd CompressionTag = 2
)

func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseCompressionTag is the inverse of String.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (tag CompressionTag) MarshalText() ([]byte, error) {
	return []byte(tag.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (tag *CompressionTag) UnmarshalText(text []byte) error {
	parsed, err := ParseCompressionTag(string(text))
	if err != nil {
		return err
	}
	*tag = parsed
	return nil
}

// Policy selects compression for new blobs.
type Policy string

const (
	// PolicyAuto uses zstd for text-like content and the smaller of lz4
	// and zstd otherwise.
	PolicyAuto Policy = "auto"
	PolicyZstd Policy = "zstd"
	PolicyLZ4  Policy = "lz4"
	PolicyNone Policy = "none"
)

// errIncompressible signals that compression did not shrink the input.
var errIncompressible = errors.New("incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("memstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("memstore: zstd decoder initialization failed: " + err.Error())
	}
}

// encode compresses data under policy and returns the bytes to store and
// their tag. Content that does not shrink is stored raw.
func encode(data []byte, mime string, policy Policy) ([]byte, CompressionTag) {
	if len(data) == 0 {
		return data, CompressionNone
	}

	var candidates []CompressionTag
	switch policy {
	case PolicyNone:
		return data, CompressionNone
	case PolicyZstd:
		candidates = []CompressionTag{CompressionZstd}
	case PolicyLZ4:
		candidates = []CompressionTag{CompressionLZ4}
	default:
		if isTextMIME(mime) {
			candidates = []CompressionTag{CompressionZstd}
		} else {
			candidates = []CompressionTag{CompressionLZ4, CompressionZstd}
		}
	}

	best, bestTag := data, CompressionNone
	for _, tag := range candidates {
		out, err := compress(data, tag)
		if err != nil {
			continue
		}
		if len(out) < len(best) {
			best, bestTag = out, tag
		}
	}
	return best, bestTag
}

func compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// decode reverses encode. rawSize is the recorded uncompressed length.
func decode(stored []byte, tag CompressionTag, rawSize int64) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if int64(len(stored)) != rawSize {
			return nil, fmt.Errorf("raw blob: size %d does not match expected %d", len(stored), rawSize)
		}
		return stored, nil
	case CompressionLZ4:
		dst := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(stored, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if int64(n) != rawSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawSize)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if int64(len(out)) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func isTextMIME(mime string) bool {
	mime = strings.ToLower(mime)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/yaml",
		"application/x-ndjson", "application/javascript", "application/toml":
		return true
	}
	return strings.HasSuffix(mime, "+json") || strings.HasSuffix(mime, "+xml")
}
