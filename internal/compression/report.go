package compression

import "time"

// Method records how a message was shortened.
type Method string

const (
	MethodSummary   Method = "summary"
	MethodTruncated Method = "truncated"
)

// Report records one compression pass.
type Report struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Budget       int       `json:"budget"`
	TokensBefore int       `json:"tokens_before"`
	TokensAfter  int       `json:"tokens_after"`
	WithinBudget bool      `json:"within_budget"`
	Entries      []Entry   `json:"entries,omitempty"`
	Pointers     int       `json:"pointer_messages"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Entry describes one shortened message.
type Entry struct {
	Index        int    `json:"index"`
	Role         string `json:"role"`
	TokensBefore int    `json:"tokens_before"`
	TokensAfter  int    `json:"tokens_after"`
	Method       Method `json:"method"`
	Attempts     int    `json:"attempts"`
	// Error is the last summarizer error when Method is truncated.
	Error string `json:"error,omitempty"`
}

// Saved returns the total tokens removed.
func (r *Report) Saved() int {
	return r.TokensBefore - r.TokensAfter
}
