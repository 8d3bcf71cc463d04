package config

// DefaultConfigTOML is a complete, commented sample exofork.toml.
const DefaultConfigTOML = `# exofork configuration file

[kernel]
# frames = 1024                 # physical frames, frame 0 included
# max_envs = 1024               # live environment limit (1-1024)
# syscall_args_on_stack = false # push syscall arguments on the user stack
# timeout = 30                  # seconds before a run is abandoned

[log]
# level = "info"                # debug, info, warn, error
# format = ""                   # json, text (default: text on a terminal)

[metrics]
# listen = ""                   # Prometheus listen address, e.g. 127.0.0.1:9464
# path = "/metrics"             # HTTP path

# include = ["conf.d/*.toml"]   # merge programs from more files

# Program definitions
# [programs.tree]
# kind = "forktree"             # forktree, cowcheck, sharecheck, sfork
# depth = 3                     # forktree depth (0 runs the root alone)
# instances = 1                 # number of copies to boot
# autostart = true              # boot on run
# description = ""
`
