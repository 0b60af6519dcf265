// Package replybus turns a publish/subscribe broker connection into a
// request/response RPC channel. A Client multiplexes many concurrent
// logical requests and one-way events over a small number of shared broker
// channels, tracking the broker connection lifecycle as an explicit state
// machine.
//
// Responsibilities
//   - Correlation: each request gets a transport-assigned id; inbound
//     replies are routed to the exact caller waiting on that id.
//   - Subscription accounting: at most one live broker subscription exists
//     per distinct reply channel, reference-counted across requests.
//   - Lifecycle: connect/reconnect/offline/close events from the broker
//     client become a small status enum observable through a latest-value
//     broadcaster.
//
// Construction
//
//	hub := memory.NewHub()
//	client := replybus.New(hub)
//	if err := client.Connect(ctx); err != nil { ... }
//	teardown := client.Publish(ctx, &codec.Packet{Pattern: "sum", Data: []int{1, 2}}, func(r replybus.Response) {
//	    // r.IsDisposed marks the final delivery.
//	})
//	defer teardown()
//
// Channel naming
//
// A request publishes to its pattern channel and listens on
// pattern + "/reply". One-way events publish to the pattern channel only.
//
// # Error handling
//
// Nothing here is fatal: connection failures surface through the status
// broadcaster and the Connect outcome, request failures always arrive
// through the per-request callback, and an offline broker leaves the
// transport in a recoverable state that clears on the next connect event.
package replybus
