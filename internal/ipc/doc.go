// Package ipc carries newline-delimited JSON messages between the
// orchestrator and isolated workflow executors.
//
// The orchestrator side is a [Server] that opens one channel per workflow
// instance: a Unix domain socket named workflow_<instanceID>.sock, or a
// loopback TCP port where Unix sockets are unavailable. Executors reach
// their channel with [Dial].
//
// Incoming proxy.call messages are answered through the ProxyHandler; all
// other messages go to the EventHandler. Both see a connection's messages in
// arrival order, one at a time.
package ipc
