// Package driver implements the Aeron-style publication/subscription
// contract (MessagePublication, MessageSubscription, Image lifecycle,
// session-id rendezvous and MDC dynamic registration) on top of the
// wire-level Transport abstraction in pkg/transport.
//
// Types here correspond directly to the spec's component B
// (MessagePublication), C (MessageSubscription/Inbound) and the wire
// fragment format referenced throughout. Pinning a Publication or
// Subscription to a single EventLoop and driving its tick from there is
// the caller's responsibility (pkg/eventloop); nothing in this package
// spawns its own polling goroutine for the send/poll algorithms.
package driver
