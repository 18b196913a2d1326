package mcp

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolRegistry_Register(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&ToolMetadata{Name: "b", Category: CategoryMemory})
	r.Register(&ToolMetadata{Name: "a", Category: CategoryContext})
	r.Register(&ToolMetadata{Name: "a", Category: CategoryMemory, Description: "replaced"})
	r.Register(nil)
	r.Register(&ToolMetadata{})

	assert.Equal(t, 2, r.Count())
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "replaced", got.Description)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestToolRegistry_ListSorted(t *testing.T) {
	r := NewToolRegistry()
	for _, name := range []string{"memory_stat", "context_turn", "memory_fetch"} {
		cat := CategoryMemory
		if name == "context_turn" {
			cat = CategoryContext
		}
		r.Register(&ToolMetadata{Name: name, Category: cat})
	}

	var names []string
	for _, tool := range r.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"context_turn", "memory_fetch", "memory_stat"}, names)

	mem := r.ListByCategory(CategoryMemory)
	require.Len(t, mem, 2)
	assert.Equal(t, "memory_fetch", mem[0].Name)
	assert.Empty(t, r.ListByCategory("other"))
}

func TestToolRegistry_ConcurrentAccess(t *testing.T) {
	r := NewToolRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(&ToolMetadata{Name: fmt.Sprintf("tool_%d", i)})
		}()
		go func() {
			defer wg.Done()
			_ = r.List()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, r.Count())
}
