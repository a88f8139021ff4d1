// Package config handles HCL configuration parsing and validation.
//
// # Overview
//
// Warden reads a single HCL file (default /etc/warden/warden.hcl). Environment
// variables are reachable from expressions through the env object:
//
//	state_dir = env.WARDEN_DATA
//
// # Configuration Blocks
//
//   - supervisor: liveness probe cadence, heartbeat timeout, stop grace period
//   - ipc: channel transport (auto, unix, tcp), socket directory, TCP port range
//   - workflow: proxy call timeout, executor heartbeat, per-instance log buffer
//   - api: HTTP status API listener
//   - process: a supervised process definition, with nested backoff and limits
//
// Example:
//
//	log_level = "debug"
//
//	supervisor {
//	  check_interval    = "2s"
//	  heartbeat_timeout = "30s"
//	}
//
//	process "worker" {
//	  command      = "/usr/local/bin/worker"
//	  args         = ["--queue", "default"]
//	  auto_restart = true
//	  max_restarts = 5
//	  autostart    = true
//
//	  backoff {
//	    initial_delay = "1s"
//	    max_delay     = "30s"
//	    multiplier    = 2
//	  }
//
//	  limits {
//	    max_runtime = "1h"
//	  }
//	}
//
// Durations are Go duration strings. Empty values fall back to the defaults in
// [DefaultConfig].
package config
