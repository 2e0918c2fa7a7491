// Package event turns transport completions and hardware interrupts into
// per-event-id signals that consumer goroutines can wait on.
//
// A [Signal] is a counting signal raised directly by a completion path.
// A [Channel] groups one Signal per event id. A [Bucket] is the PCIe
// coalescing ring: one interrupt drains many hardware-written entries and
// demultiplexes each into the Channel, so downstream code never knows
// whether its signal came from a callback or from a bucket scan.
//
// On Linux a Signal can mirror its count into a [PollFD] (an eventfd in
// semaphore mode) so callers can multiplex waits with other descriptors.
package event
