// Package message defines the conversation messages that flow through a
// turn and the pointer references that replace offloaded content.
package message

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Metadata keys shared across components.
const (
	MetaMemoryType = "memory_type"
	MetaSubtype    = "subtype"
	MetaTitle      = "title"
	MetaMIME       = "mime"
	MetaSummarized = "summarized"
	MetaAdvisory   = "advisory"
)

// Message is one entry of a conversation. At most one of Content, Data and
// Binary carries the payload. Once Offloaded is set, Content holds only the
// preview and marker and Data/Binary are empty: the full payload lives in
// the store and is reachable only through an explicit fetch.
type Message struct {
	Role      Role            `json:"role"`
	Content   string          `json:"content,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Binary    []byte          `json:"binary,omitempty"`
	Offloaded *Offloaded      `json:"offloaded,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Offloaded is the content of a message whose payload was moved to the store.
type Offloaded struct {
	Preview     string       `json:"preview_text"`
	MemoryRefs  []PointerRef `json:"memory_refs"`
	TokensSaved int          `json:"tokens_saved"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Tool returns a tool-result message.
func Tool(content string) Message { return Message{Role: RoleTool, Content: content} }

// HasPointers reports whether the message carries memory references. Such
// messages are never re-offloaded, summarized or hydrated.
func (m *Message) HasPointers() bool {
	return m.Offloaded != nil && len(m.Offloaded.MemoryRefs) > 0
}

// Text returns what the model sees for this message.
func (m *Message) Text() string {
	switch {
	case m.HasPointers(), m.Content != "":
		return m.Content
	case len(m.Data) > 0:
		return string(m.Data)
	case len(m.Binary) > 0:
		return fmt.Sprintf("[binary content, %d bytes]", len(m.Binary))
	}
	return ""
}

// Payload returns the raw payload bytes and whether they are binary.
func (m *Message) Payload() ([]byte, bool) {
	switch {
	case len(m.Binary) > 0:
		return m.Binary, true
	case len(m.Data) > 0:
		return m.Data, false
	}
	return []byte(m.Content), false
}

// Size is the serialized payload size in bytes.
func (m *Message) Size() int {
	p, _ := m.Payload()
	return len(p)
}

// Meta returns a string metadata value, or "".
func (m *Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// Flag returns a boolean metadata value.
func (m *Message) Flag(key string) bool {
	if m.Metadata == nil {
		return false
	}
	b, _ := m.Metadata[key].(bool)
	return b
}

// SetMeta sets a metadata value, allocating the map if needed.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := m
	if m.Data != nil {
		out.Data = append(json.RawMessage(nil), m.Data...)
	}
	if m.Binary != nil {
		out.Binary = append([]byte(nil), m.Binary...)
	}
	if m.Metadata != nil {
		out.Metadata = maps.Clone(m.Metadata)
	}
	if m.Offloaded != nil {
		off := *m.Offloaded
		off.MemoryRefs = append([]PointerRef(nil), m.Offloaded.MemoryRefs...)
		out.Offloaded = &off
	}
	return out
}

// CloneAll clones every message.
func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}
