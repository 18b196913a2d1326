package mcp

import (
	"slices"
	"strings"
	"sync"
)

// ToolCategory groups tools by what they touch.
type ToolCategory string

const (
	// CategoryMemory covers tools that read the content store.
	CategoryMemory ToolCategory = "memory"
	// CategoryContext covers tools that rewrite conversation history.
	CategoryContext ToolCategory = "context"
)

// ToolMetadata describes a registered tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	// ReadOnly is true when the tool never writes to the store.
	ReadOnly bool `json:"read_only"`
}

// ToolRegistry records the tools a server exposes.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// Register adds or replaces a tool. Nameless tools are ignored.
func (r *ToolRegistry) Register(tool *ToolMetadata) {
	if tool == nil || tool.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Get returns the metadata for name.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools sorted by name.
func (r *ToolRegistry) List() []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	slices.SortFunc(out, func(a, b *ToolMetadata) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// ListByCategory returns the tools in category, sorted by name.
func (r *ToolRegistry) ListByCategory(category ToolCategory) []*ToolMetadata {
	var out []*ToolMetadata
	for _, tool := range r.List() {
		if tool.Category == category {
			out = append(out, tool)
		}
	}
	return out
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
