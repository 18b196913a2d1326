package secrets

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// gitleaksScrubber runs the gitleaks default rule pack. The detector is
// built once; scans are serialized because the detector keeps internal
// state between calls.
type gitleaksScrubber struct {
	config   *Config
	mu       sync.Mutex
	detector *detect.Detector
}

func newGitleaksScrubber(cfg *Config) (*gitleaksScrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if len(cfg.compiledAllowList) > 0 {
		applyAllowlist(&detector.Config, cfg.compiledAllowList, cfg.AllowList)
	}
	return &gitleaksScrubber{config: cfg, detector: detector}, nil
}

func (s *gitleaksScrubber) Scrub(content string) *Result {
	start := time.Now()
	result := unchanged(content)

	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	var spans []redaction
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || s.config.allowed(secret) {
			continue
		}
		// Findings carry line/column positions; locating every occurrence of
		// the secret also catches repeats gitleaks reports once.
		for from := 0; ; {
			i := strings.Index(content[from:], secret)
			if i < 0 {
				break
			}
			begin := from + i
			end := begin + len(secret)
			result.add(Finding{
				RuleID:      f.RuleID,
				Description: f.Description,
				Severity:    "high",
				StartIndex:  begin,
				EndIndex:    end,
				Line:        strings.Count(content[:begin], "\n") + 1,
			})
			spans = append(spans, redaction{start: begin, end: end})
			from = end
		}
	}

	result.Scrubbed = applyRedactions(content, spans, s.config.RedactionString)
	result.Duration = time.Since(start)
	return result
}

func (s *gitleaksScrubber) IsEnabled() bool { return true }

// applyAllowlist adds the allowlist patterns as a global gitleaks allowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, compiled []*regexp.Regexp, raw []string) {
	global := &gitleaksConfig.Allowlist{Description: "memvault allowlist"}
	for _, re := range compiled {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, raw...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}
