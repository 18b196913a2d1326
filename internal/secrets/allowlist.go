package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/memvault/internal/config"
)

// LoadAllowlist reads content patterns from a gitleaks-style TOML file:
//
//	[allowlist]
//	regexes = ['''EXAMPLE-[0-9]+''']
//
// A missing file yields no patterns and no error.
func LoadAllowlist(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var file struct {
		Allowlist struct {
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return file.Allowlist.Regexes, nil
}

// FromSection builds a scrubber configuration from the config file section.
func FromSection(sec config.SecretsConfig) (*Config, error) {
	cfg := DefaultConfig()
	if sec.Engine != "" {
		cfg.Engine = sec.Engine
	}
	if sec.RedactionString != "" {
		cfg.RedactionString = sec.RedactionString
	}
	allow, err := LoadAllowlist(sec.AllowlistFile)
	if err != nil {
		return nil, err
	}
	cfg.AllowList = append(cfg.AllowList, allow...)
	return cfg, nil
}
