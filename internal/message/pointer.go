package message

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URIScheme is the scheme of pointer URIs.
const URIScheme = "mem"

// markerPrefix opens the fixed marker appended to every offloaded preview.
const markerPrefix = "[content offloaded: use memory_fetch with memory_id="

// ErrInvalidURI indicates a malformed pointer URI.
var ErrInvalidURI = errors.New("invalid pointer uri")

// LineRange is an inclusive, 1-indexed line span.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ByteRange is a byte window.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"len"`
}

// PointerRef references stored content, optionally narrowed to a range.
type PointerRef struct {
	MemoryID  string     `json:"memory_id"`
	Title     string     `json:"title,omitempty"`
	MIME      string     `json:"mime,omitempty"`
	LineRange *LineRange `json:"line_range,omitempty"`
	ByteRange *ByteRange `json:"byte_range,omitempty"`
	URI       string     `json:"uri"`
}

// NewPointer returns a whole-object pointer with its URI filled in.
func NewPointer(memoryID, title, mime string) PointerRef {
	p := PointerRef{MemoryID: memoryID, Title: title, MIME: mime}
	p.URI = p.BuildURI()
	return p
}

// BuildURI formats the pointer as mem://<id>, mem://<id>#L<a>-<b> or
// mem://<id>?offset=<n>&len=<n>. A byte range wins over a line range.
func (p PointerRef) BuildURI() string {
	return FormatURI(p.MemoryID, p.LineRange, p.ByteRange)
}

// FormatURI formats a pointer URI from its parts.
func FormatURI(memoryID string, lines *LineRange, bytes *ByteRange) string {
	base := URIScheme + "://" + memoryID
	switch {
	case bytes != nil:
		return fmt.Sprintf("%s?offset=%d&len=%d", base, bytes.Offset, bytes.Length)
	case lines != nil:
		return fmt.Sprintf("%s#L%d-%d", base, lines.Start, lines.End)
	}
	return base
}

// ParseURI parses a pointer URI. It checks syntax only; whether the id
// exists is the store's business.
func ParseURI(raw string) (PointerRef, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return PointerRef{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != URIScheme || u.Host == "" || (u.Path != "" && u.Path != "/") {
		return PointerRef{}, fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}
	p := PointerRef{MemoryID: u.Host}

	if u.Fragment != "" {
		lr, err := parseLineFragment(u.Fragment)
		if err != nil {
			return PointerRef{}, fmt.Errorf("%w: %q: %v", ErrInvalidURI, raw, err)
		}
		p.LineRange = lr
	}

	if u.RawQuery != "" {
		q := u.Query()
		offset, err1 := strconv.ParseInt(q.Get("offset"), 10, 64)
		length, err2 := strconv.ParseInt(q.Get("len"), 10, 64)
		if err1 != nil || err2 != nil || offset < 0 || length < 0 {
			return PointerRef{}, fmt.Errorf("%w: %q: bad byte range", ErrInvalidURI, raw)
		}
		p.ByteRange = &ByteRange{Offset: offset, Length: length}
	}

	p.URI = p.BuildURI()
	return p, nil
}

func parseLineFragment(frag string) (*LineRange, error) {
	spec, ok := strings.CutPrefix(frag, "L")
	if !ok {
		return nil, errors.New("line fragment must start with L")
	}
	a, b, found := strings.Cut(spec, "-")
	start, err := strconv.Atoi(a)
	if err != nil {
		return nil, err
	}
	end := start
	if found {
		if end, err = strconv.Atoi(b); err != nil {
			return nil, err
		}
	}
	if start < 1 || end < start {
		return nil, fmt.Errorf("bad line range %d-%d", start, end)
	}
	return &LineRange{Start: start, End: end}, nil
}

// Marker returns the fixed suffix appended to an offloaded preview.
func Marker(memoryID string) string {
	return "\n\n" + markerPrefix + memoryID + "]"
}

// HasMarker reports whether text contains an offload marker.
func HasMarker(text string) bool {
	return strings.Contains(text, markerPrefix)
}
