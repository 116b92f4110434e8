// Package config loads procctl settings.
//
// Settings come from three sources, later ones overriding earlier ones:
//
//  1. Built-in defaults (Default)
//  2. A TOML file, by default $XDG_CONFIG_HOME/procctl/config.toml
//  3. PROCCTL_* environment variables
//
// # File Format
//
//	[log]
//	level = "info"      # trace, debug, info, warn, error, disabled
//	format = "console"  # console or json
//
//	[process]
//	read_buffer_size = 4096
//	max_processes = 0   # 0 = unlimited
//
//	# Applied when a still-running process is released.
//	[[process.destroy_sequence]]
//	action = "terminate"
//	timeout_ms = 2000
//
//	[[process.destroy_sequence]]
//	action = "kill"
//	timeout_ms = -1     # wait until exit
//
//	[script]
//	capabilities = ["process"]       # process, process.spawn, process.signal, unsafe
//	allow_executables = ["git", "make"]
//	block_executables = ["rm"]
//	allow_dirs = ["/src"]
//	timeout_ms = 0                   # 0 = unlimited
//
// # Environment Variables
//
//	PROCCTL_LOG_LEVEL         log.level
//	PROCCTL_LOG_FORMAT        log.format
//	PROCCTL_READ_BUFFER_SIZE  process.read_buffer_size
//	PROCCTL_MAX_PROCESSES     process.max_processes
//	PROCCTL_SCRIPT_TIMEOUT_MS script.timeout_ms
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	seq, _ := cfg.Process.StopSequence()
package config
