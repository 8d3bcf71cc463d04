package config

import "github.com/kahiteam/exofork/internal/kern"

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	// Kernel defaults.
	if cfg.Kernel.Frames == 0 {
		cfg.Kernel.Frames = 1024
	}
	if cfg.Kernel.MaxEnvs == 0 {
		cfg.Kernel.MaxEnvs = kern.NENV
	}
	if cfg.Kernel.Timeout == 0 {
		cfg.Kernel.Timeout = 30
	}

	// Log defaults.
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Program defaults.
	for name, p := range cfg.Programs {
		if p.Kind == "" {
			p.Kind = name
		}
		if p.Instances == 0 {
			p.Instances = 1
		}
		if p.Depth == nil {
			d := 0
			if p.Kind == "forktree" {
				d = 3
			}
			p.Depth = &d
		}
		if p.Autostart == nil {
			t := true
			p.Autostart = &t
		}
		cfg.Programs[name] = p
	}
}
