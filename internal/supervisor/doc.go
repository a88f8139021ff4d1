// Package supervisor spawns, monitors, restarts and kills local child
// processes.
//
// # Overview
//
// A [Definition] is a named template registered once. Each [Supervisor.Spawn]
// creates a new process record (id prefixed "proc_") in the state store and
// launches the command. Records move through
//
//	spawning -> running -> stopped | crashed | orphaned
//	crashed  -> dead     (restart budget exhausted)
//	orphaned -> stopped | crashed
//
// # Crash vs. stop
//
// Termination requested through Stop, Kill or the runtime limit yields
// "stopped". A non-zero exit the supervisor did not ask for yields "crashed",
// increments consecutive failures and, when the definition has auto-restart
// enabled, schedules a replacement process after an exponential backoff. Once
// consecutive failures reach MaxRestarts the crashed record becomes "dead".
//
// # Liveness
//
// Children are reaped through exec.Cmd.Wait. A periodic check additionally
// probes PIDs with signal 0 (needed for orphans adopted at boot, which are
// not our children) and enforces the heartbeat timeout.
//
// Lifecycle changes are published on the events hub as process.* events.
package supervisor
