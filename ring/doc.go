// Package ring implements the per-stream buffer ring pool.
//
// A [Pool] owns one contiguous, page-rounded memory region split into a
// power-of-two number of equally sized slots, plus one extra drop slot at
// index [Pool.DummyIndex] that a transport can target when no credit is
// available. Every slot carries an ownership [State]; the only legal
// changes are compare-and-swap transitions through [Pool.Transition],
// [Pool.MarkReady] and [Pool.MarkDiscarded].
//
// Flow control is a single atomic credit counter. For every pool,
//
//	available + posted + held == capacity
//
// where held counts slots that are Ready or Consumed (see [Pool.Counts]).
package ring
