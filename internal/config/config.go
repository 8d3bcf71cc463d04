// Package config handles loading and validating exofork configuration.
package config

// Config is the top-level exofork configuration.
type Config struct {
	Kernel   KernelConfig             `toml:"kernel"`
	Log      LogConfig                `toml:"log"`
	Metrics  MetricsConfig            `toml:"metrics"`
	Programs map[string]ProgramConfig `toml:"programs"`
	Include  []string                 `toml:"include"`
}

// KernelConfig sizes the simulated machine.
type KernelConfig struct {
	Frames             int  `toml:"frames"`
	MaxEnvs            int  `toml:"max_envs"`
	SyscallArgsOnStack bool `toml:"syscall_args_on_stack"`
	Timeout            int  `toml:"timeout"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds the Prometheus listener settings. An empty Listen
// disables the endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
}

// ProgramConfig describes one bundled user program to boot.
type ProgramConfig struct {
	Kind        string `toml:"kind"`
	Depth       *int   `toml:"depth"`
	Instances   int    `toml:"instances"`
	Autostart   *bool  `toml:"autostart"`
	Description string `toml:"description"`
}

// DepthValue returns the configured depth, or 0 when none is set.
func (p ProgramConfig) DepthValue() int {
	if p.Depth == nil {
		return 0
	}
	return *p.Depth
}
