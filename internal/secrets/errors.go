package secrets

import "errors"

var (
	// ErrInvalidRegex indicates a rule or allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")

	// ErrUnknownEngine indicates an engine name other than rules or gitleaks.
	ErrUnknownEngine = errors.New("unknown scrubber engine")
)
