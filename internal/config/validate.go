package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kahiteam/exofork/internal/kern"
	"github.com/kahiteam/exofork/internal/progs"
)

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Kernel.Frames < 16 {
		errs = append(errs, fmt.Errorf("kernel: frames must be >= 16, got %d", cfg.Kernel.Frames))
	}
	if cfg.Kernel.MaxEnvs < 1 || cfg.Kernel.MaxEnvs > kern.NENV {
		errs = append(errs, fmt.Errorf("kernel: max_envs must be between 1 and %d, got %d", kern.NENV, cfg.Kernel.MaxEnvs))
	}
	if cfg.Kernel.Timeout < 0 {
		errs = append(errs, fmt.Errorf("kernel: timeout must be >= 0, got %d", cfg.Kernel.Timeout))
	}

	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, fmt.Errorf("log: invalid level %q", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log: format must be json or text, got %q", cfg.Log.Format))
	}

	if cfg.Metrics.Listen != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics: path must start with /, got %q", cfg.Metrics.Path))
	}

	names := make([]string, 0, len(cfg.Programs))
	for name := range cfg.Programs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := cfg.Programs[name]
		prefix := fmt.Sprintf("programs.%s", name)

		if !validKind(p.Kind) {
			errs = append(errs, fmt.Errorf("%s: kind must be one of %s, got %q", prefix, strings.Join(progs.Kinds(), ", "), p.Kind))
		}
		if p.Instances < 1 {
			errs = append(errs, fmt.Errorf("%s: instances must be >= 1, got %d", prefix, p.Instances))
		}
		if d := p.DepthValue(); d < 0 || d > 8 {
			errs = append(errs, fmt.Errorf("%s: depth must be between 0 and 8, got %d", prefix, d))
		}
	}

	return errs
}

func validKind(kind string) bool {
	for _, k := range progs.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}
