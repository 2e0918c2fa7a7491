// Package stream is the transport-agnostic streaming contract.
//
// Device-control code opens a [Stream] with [Initialize] (or
// [CreateStream] for sample-format based sizing) against any [Transport].
// Receive streams hand out filled buffers through [Stream.RecvWait] and
// take them back with [Stream.RecvRelease]. Transmit streams hand out
// writable buffers through [Stream.SendGet] and post them with
// [Stream.SendCommit]. [Stream.Deinitialize] stops the transport, waits
// for every in-flight transfer and only then frees the buffer memory.
//
// Transports implement [Transport] and [Engine] and report progress
// through the [Binding] they receive at start. The engine's pump
// goroutine is the only caller of Binding methods that make a slot Ready.
package stream
