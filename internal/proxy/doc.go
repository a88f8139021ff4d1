// Package proxy lets an isolated workflow executor call services that live in
// the orchestrator process.
//
// A [Client] sends proxy.call messages over the executor's IPC connection and
// matches proxy.result / proxy.error replies by request id. Calls that get no
// reply within the timeout fail with [ErrTimeout]; when the connection drops
// every pending call fails with [ErrConnectionClosed]. Errors raised by the
// remote service arrive as *[RemoteError].
//
// Workflow code does not build calls by hand. [Core] and [Plugins] wrap the
// client in typed stubs:
//
//	core := proxy.NewCore(client)
//	err := core.Cache.Set(ctx, "order:42", order, time.Hour)
//	err = proxy.NewPlugins(client).Service("payments").Call(ctx, "charge", &receipt, order)
package proxy
