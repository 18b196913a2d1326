package governor

import "fmt"

// Thresholds configure when advisories are emitted. Absolute token values
// win over ratios when both are set.
type Thresholds struct {
	WarningRatio   float64 `json:"warning_ratio,omitempty"`
	CriticalRatio  float64 `json:"critical_ratio,omitempty"`
	WarningTokens  int     `json:"warning_tokens,omitempty"`
	CriticalTokens int     `json:"critical_tokens,omitempty"`
}

// DefaultThresholds warns at 70% and escalates at 85% of the context window.
func DefaultThresholds() Thresholds {
	return Thresholds{WarningRatio: 0.70, CriticalRatio: 0.85}
}

func (t Thresholds) absolute() bool {
	return t.WarningTokens > 0 || t.CriticalTokens > 0
}

// Validate checks 0 < warning < critical for the active mode. Ratios must
// also not exceed 1.
func (t Thresholds) Validate() error {
	if t.absolute() {
		if t.WarningTokens <= 0 || t.CriticalTokens <= t.WarningTokens {
			return fmt.Errorf("%w: need 0 < warning_tokens < critical_tokens, got %d/%d",
				ErrInvalidThresholds, t.WarningTokens, t.CriticalTokens)
		}
		return nil
	}
	if t.WarningRatio <= 0 || t.CriticalRatio <= t.WarningRatio || t.CriticalRatio > 1 {
		return fmt.Errorf("%w: need 0 < warning_ratio < critical_ratio <= 1, got %.2f/%.2f",
			ErrInvalidThresholds, t.WarningRatio, t.CriticalRatio)
	}
	return nil
}

// resolve returns the token thresholds for a context window.
func (t Thresholds) resolve(window int) (warning, critical int) {
	if t.absolute() {
		return t.WarningTokens, t.CriticalTokens
	}
	warning = int(t.WarningRatio * float64(window))
	critical = int(t.CriticalRatio * float64(window))
	if warning < 1 {
		warning = 1
	}
	if critical <= warning {
		critical = warning + 1
	}
	return warning, critical
}
