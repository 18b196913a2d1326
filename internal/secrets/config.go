package secrets

import (
	"fmt"
	"regexp"
)

// Engine names.
const (
	EngineRules    = "rules"
	EngineGitleaks = "gitleaks"
)

// Config configures the scrubber.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// Engine is EngineRules or EngineGitleaks.
	Engine string `koanf:"engine"`

	// Rules are used by the rules engine. DefaultRules when empty.
	Rules []Rule `koanf:"rules"`

	// RedactionString replaces each detected secret.
	RedactionString string `koanf:"redaction_string"`

	// AllowList holds patterns whose matches are left in place.
	AllowList []string `koanf:"allow_list"`

	compiledRules     []*compiledRule
	compiledAllowList []*regexp.Regexp
}

// Rule is one detection pattern.
type Rule struct {
	ID          string `koanf:"id"`
	Description string `koanf:"description"`
	Pattern     string `koanf:"pattern"`

	// Keywords gate the rule: at least one must appear (case-insensitive)
	// somewhere in the content for the pattern to run.
	Keywords []string `koanf:"keywords"`
	Severity string   `koanf:"severity"`
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig returns an enabled rules-engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		Engine:          EngineRules,
		RedactionString: "[REDACTED]",
		Rules:           DefaultRules(),
	}
}

// Validate fills defaults and compiles patterns.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Engine == "" {
		c.Engine = EngineRules
	}
	if c.Engine != EngineRules && c.Engine != EngineGitleaks {
		return fmt.Errorf("%w: %q", ErrUnknownEngine, c.Engine)
	}
	if c.RedactionString == "" {
		c.RedactionString = "[REDACTED]"
	}
	if len(c.Rules) == 0 {
		c.Rules = DefaultRules()
	}

	c.compiledRules = make([]*compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("%w: rule %s: %v", ErrInvalidRegex, rule.ID, err)
		}
		compiled := &compiledRule{Rule: rule, pattern: pattern}
		for _, kw := range rule.Keywords {
			compiled.keywords = append(compiled.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		c.compiledRules = append(c.compiledRules, compiled)
	}

	c.compiledAllowList = make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, pattern := range c.AllowList {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: allow_list %d: %v", ErrInvalidRegex, i, err)
		}
		c.compiledAllowList = append(c.compiledAllowList, compiled)
	}
	return nil
}

func (c *Config) allowed(match string) bool {
	for _, pattern := range c.compiledAllowList {
		if pattern.MatchString(match) {
			return true
		}
	}
	return false
}
