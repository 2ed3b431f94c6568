// Package node implements the top-level routing node: a single logical loop
// that consumes frames off the transport, screens them through the validation
// filter, and dispatches them to the churn engine, the message accumulator,
// or the next hop. It also serves bootstrap requests so joining nodes can
// catch up with a verifiable chain suffix.
package node
