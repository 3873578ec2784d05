// Package transport implements the delivery channel between the catcher and
// the collector.
//
// The Transport:
//   - Accepts opaque payloads and returns a PendingSend per message
//   - Hands messages straight to the writer while the channel is open and
//     the queue is empty
//   - Queues messages otherwise, and drains them in sequence order
//     exactly once per transition into Open
//   - Reconnects after unexpected loss with a constant delay and a
//     bounded (or unlimited) number of attempts
//   - Rejects queued messages only when reconnection is exhausted or the
//     caller closes the transport
//
// All state is serialized behind one mutex. Socket writes happen outside it,
// on a single writer goroutine per open channel with at most one message in
// flight, so Send never waits on the network.
package transport
