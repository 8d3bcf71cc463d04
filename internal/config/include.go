package config

import (
	"fmt"
	"path/filepath"
	"sort"
)

// ResolveIncludes loads every file matched by the include patterns and
// merges its programs into cfg. Relative patterns are taken from
// configDir. Patterns that match nothing produce warnings.
func ResolveIncludes(cfg *Config, configDir string) ([]string, error) {
	if len(cfg.Include) == 0 {
		return nil, nil
	}

	var warnings []string
	seen := make(map[string]bool)

	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(configDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return warnings, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			warnings = append(warnings, fmt.Sprintf("include pattern %q matched no files", pattern))
			continue
		}
		sort.Strings(matches)

		for _, path := range matches {
			abs, err := filepath.Abs(path)
			if err != nil {
				return warnings, fmt.Errorf("cannot resolve include path %q: %w", path, err)
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true

			included, incWarnings, err := Load(abs)
			if err != nil {
				return warnings, fmt.Errorf("include %s: %w", abs, err)
			}
			warnings = append(warnings, incWarnings...)
			if len(included.Include) > 0 {
				warnings = append(warnings, fmt.Sprintf("%s: nested include ignored", abs))
			}
			if err := mergePrograms(cfg, included, abs); err != nil {
				return warnings, err
			}
		}
	}

	cfg.Include = nil
	return warnings, nil
}

func mergePrograms(dst, src *Config, srcPath string) error {
	for name, prog := range src.Programs {
		if _, ok := dst.Programs[name]; ok {
			return fmt.Errorf("duplicate program name %q: defined in both main config and %s", name, srcPath)
		}
		if dst.Programs == nil {
			dst.Programs = make(map[string]ProgramConfig)
		}
		dst.Programs[name] = prog
	}
	return nil
}

// LoadWithIncludes loads a config file and merges its includes.
func LoadWithIncludes(path string) (*Config, []string, error) {
	cfg, warnings, err := Load(path)
	if err != nil {
		return nil, warnings, err
	}
	incWarnings, err := ResolveIncludes(cfg, filepath.Dir(path))
	warnings = append(warnings, incWarnings...)
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}
