package tokens

import (
	"sort"
	"strings"
)

// DefaultContextWindow applies to models no entry matches.
const DefaultContextWindow = 128_000

var builtinWindows = map[string]int{
	"claude":        200_000,
	"gpt-4o":        128_000,
	"gpt-4.1":       1_047_576,
	"gpt-4-turbo":   128_000,
	"gpt-4":         8_192,
	"gpt-3.5-turbo": 16_385,
	"o1":            200_000,
	"o3":            200_000,
	"o4-mini":       200_000,
}

// Windows maps model identifiers to context window sizes. Keys match
// exactly or as the longest prefix of the model name.
type Windows struct {
	sizes map[string]int
	keys  []string
}

// NewWindows merges overrides onto the built-in table.
func NewWindows(overrides map[string]int) *Windows {
	sizes := make(map[string]int, len(builtinWindows)+len(overrides))
	for k, v := range builtinWindows {
		sizes[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			sizes[strings.ToLower(k)] = v
		}
	}
	keys := make([]string, 0, len(sizes))
	for k := range sizes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	return &Windows{sizes: sizes, keys: keys}
}

// ContextWindow returns the window size for model.
func (w *Windows) ContextWindow(model string) int {
	model = strings.ToLower(model)
	if n, ok := w.sizes[model]; ok {
		return n
	}
	for _, k := range w.keys {
		if strings.HasPrefix(model, k) {
			return w.sizes[k]
		}
	}
	return DefaultContextWindow
}
