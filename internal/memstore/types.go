package memstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MemoryType classifies what produced an object.
type MemoryType string

const (
	TypeToolOutput MemoryType = "TOOL_OUTPUT"
	TypeWebScrape  MemoryType = "WEB_SCRAPE"
	TypeFileList   MemoryType = "FILE_LIST"
	TypeLog        MemoryType = "LOG"
	TypeDocument   MemoryType = "DOCUMENT"
	TypeBinary     MemoryType = "BINARY"
	TypeOther      MemoryType = "OTHER"
)

// ParseMemoryType parses a type name case-insensitively. Empty yields
// TypeOther.
func ParseMemoryType(s string) (MemoryType, error) {
	if s == "" {
		return TypeOther, nil
	}
	t := MemoryType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown memory type %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known type.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeToolOutput, TypeWebScrape, TypeFileList, TypeLog, TypeDocument, TypeBinary, TypeOther:
		return true
	}
	return false
}

// Kind is the retrieval shape of an object, fixed at write time.
type Kind string

const (
	KindText  Kind = "text"
	KindJSON  Kind = "json"
	KindBytes Kind = "bytes"
)

// Object is the metadata record of one stored payload. It is written once,
// after the blob, and never modified.
type Object struct {
	ID          string         `json:"memory_id" cbor:"id"`
	Type        MemoryType     `json:"type" cbor:"type"`
	Subtype     string         `json:"subtype,omitempty" cbor:"subtype,omitempty"`
	Title       string         `json:"title,omitempty" cbor:"title,omitempty"`
	MIME        string         `json:"mime" cbor:"mime"`
	Kind        Kind           `json:"kind" cbor:"kind"`
	RawSize     int64          `json:"raw_size" cbor:"raw_size"`
	StoredSize  int64          `json:"stored_size" cbor:"stored_size"`
	Compression CompressionTag `json:"compression" cbor:"compression"`
	Path        string         `json:"path" cbor:"path"`
	CreatedAt   time.Time      `json:"created_at" cbor:"created_at"`
	LineCount   int            `json:"line_count,omitempty" cbor:"line_count,omitempty"`
}

// IsText reports whether the object supports line slicing.
func (o *Object) IsText() bool {
	return o.Kind == KindText || o.Kind == KindJSON
}

// PutOptions describes a payload being stored. Compress applies to
// PutBytes only; text is always compressed when it helps.
type PutOptions struct {
	Type     MemoryType
	Subtype  string
	Title    string
	MIME     string
	Compress bool
}

// ListFilter narrows List. A zero value lists everything.
type ListFilter struct {
	Type MemoryType
}

// Content is the tagged result of Get. Exactly one of Text, JSON or Bytes
// is set, according to Kind.
type Content struct {
	Object *Object
	Kind   Kind
	Text   string
	JSON   json.RawMessage
	Bytes  []byte
}

// Stats summarizes the store for administrative pruning.
type Stats struct {
	Objects     int            `json:"objects"`
	RawBytes    int64          `json:"raw_bytes"`
	StoredBytes int64          `json:"stored_bytes"`
	ByType      map[string]int `json:"by_type"`
	Oldest      time.Time      `json:"oldest,omitempty"`
	Newest      time.Time      `json:"newest,omitempty"`
}
