package secrets

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Scrubber detects and redacts secrets.
type Scrubber interface {
	// Scrub returns content with every detected secret replaced.
	Scrub(content string) *Result

	// IsEnabled reports whether Scrub can change anything.
	IsEnabled() bool
}

// New returns a scrubber for cfg. A nil cfg uses DefaultConfig; a disabled
// cfg yields a NoopScrubber.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return &NoopScrubber{}, nil
	}
	if cfg.Engine == EngineGitleaks {
		return newGitleaksScrubber(cfg)
	}
	return &ruleScrubber{config: cfg}, nil
}

// MustNew is New that panics on error.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// ruleScrubber runs the compiled rule set. Compiled regexps are safe for
// concurrent use, so no locking is needed.
type ruleScrubber struct {
	config *Config
}

type redaction struct {
	start, end int
}

func (s *ruleScrubber) Scrub(content string) *Result {
	start := time.Now()
	result := unchanged(content)

	var spans []redaction
	for _, rule := range s.config.compiledRules {
		if !hasKeyword(rule.keywords, content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.config.allowed(content[m[0]:m[1]]) {
				continue
			}
			result.add(Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				StartIndex:  m[0],
				EndIndex:    m[1],
				Line:        strings.Count(content[:m[0]], "\n") + 1,
			})
			spans = append(spans, redaction{start: m[0], end: m[1]})
		}
	}

	result.Scrubbed = applyRedactions(content, spans, s.config.RedactionString)
	result.Duration = time.Since(start)
	return result
}

func (s *ruleScrubber) IsEnabled() bool { return true }

func hasKeyword(keywords []*regexp.Regexp, content string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

// applyRedactions merges overlapping spans and replaces them back to front.
func applyRedactions(content string, spans []redaction, replacement string) string {
	if len(spans) == 0 {
		return content
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := []redaction{spans[0]}
	for _, cur := range spans[1:] {
		last := &merged[len(merged)-1]
		if cur.start <= last.end {
			if cur.end > last.end {
				last.end = cur.end
			}
			continue
		}
		merged = append(merged, cur)
	}

	var b strings.Builder
	b.Grow(len(content))
	prev := 0
	for _, r := range merged {
		b.WriteString(content[prev:r.start])
		b.WriteString(replacement)
		prev = r.end
	}
	b.WriteString(content[prev:])
	return b.String()
}

// NoopScrubber returns content unchanged.
type NoopScrubber struct{}

// Scrub returns content unchanged.
func (NoopScrubber) Scrub(content string) *Result { return unchanged(content) }

// IsEnabled returns false.
func (NoopScrubber) IsEnabled() bool { return false }

var (
	_ Scrubber = (*ruleScrubber)(nil)
	_ Scrubber = (*gitleaksScrubber)(nil)
	_ Scrubber = NoopScrubber{}
)
