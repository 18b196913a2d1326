package fetch

import (
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/message"
)

// Request selects a slice of stored content. Zero range fields mean "not
// given". A byte range is given when ByteOffset or ByteLen is non-zero; a
// line range when LineStart or LineEnd is non-zero.
type Request struct {
	MemoryID   string `json:"memory_id"`
	LineStart  int    `json:"line_start,omitempty"`
	LineEnd    int    `json:"line_end,omitempty"`
	ByteOffset int64  `json:"byte_offset,omitempty"`
	ByteLen    int64  `json:"byte_len,omitempty"`
}

func (r Request) hasLines() bool { return r.LineStart != 0 || r.LineEnd != 0 }
func (r Request) hasBytes() bool { return r.ByteOffset != 0 || r.ByteLen != 0 }

// RequestFromPointer builds a request from a parsed pointer URI.
func RequestFromPointer(p message.PointerRef) Request {
	req := Request{MemoryID: p.MemoryID}
	if p.ByteRange != nil {
		req.ByteOffset = p.ByteRange.Offset
		req.ByteLen = p.ByteRange.Length
	}
	if p.LineRange != nil {
		req.LineStart = p.LineRange.Start
		req.LineEnd = p.LineRange.End
	}
	return req
}

// Mode is the range mode a request was served in.
type Mode string

const (
	ModeLines Mode = "lines"
	ModeBytes Mode = "bytes"
)

// Served is the range actually delivered, after clamping at content end.
type Served struct {
	Mode       Mode  `json:"mode"`
	LineStart  int   `json:"line_start,omitempty"`
	LineEnd    int   `json:"line_end,omitempty"`
	Lines      int   `json:"lines,omitempty"`
	ByteOffset int64 `json:"byte_offset,omitempty"`
	ByteLen    int64 `json:"byte_len,omitempty"`
}

// Result is a served slice. Text content is returned verbatim in Content;
// binary content is base64 in ContentBase64 with an escaped Preview.
type Result struct {
	MemoryID      string              `json:"memory_id"`
	URI           string              `json:"uri"`
	Type          memstore.MemoryType `json:"type"`
	Kind          memstore.Kind       `json:"kind"`
	MIME          string              `json:"mime"`
	Title         string              `json:"title,omitempty"`
	Content       string              `json:"content,omitempty"`
	ContentBase64 string              `json:"content_base64,omitempty"`
	Preview       string              `json:"preview,omitempty"`
	Served        Served              `json:"served"`
	TotalLines    int                 `json:"total_lines,omitempty"`
	TotalBytes    int64               `json:"total_bytes"`
	// Truncated is always false: oversized ranges are rejected, not cut.
	Truncated bool     `json:"truncated"`
	Notes     []string `json:"notes,omitempty"`
}

// IsBinary reports whether the result carries base64 content.
func (r *Result) IsBinary() bool {
	return r.ContentBase64 != ""
}
