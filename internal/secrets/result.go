package secrets

import "time"

// Result is the outcome of one scrub.
type Result struct {
	Scrubbed      string         `json:"scrubbed"`
	Findings      []Finding      `json:"findings,omitempty"`
	TotalFindings int            `json:"total_findings"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
	Duration      time.Duration  `json:"duration"`
}

// Finding locates one detected secret. The secret itself is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
	Line        int    `json:"line,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return r.TotalFindings > 0
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	r.ByRule[f.RuleID]++
	r.TotalFindings++
}

func unchanged(content string) *Result {
	return &Result{Scrubbed: content, ByRule: map[string]int{}}
}
