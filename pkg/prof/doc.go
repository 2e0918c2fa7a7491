// Package prof captures runtime profiles of a streaming session.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/sdrstream
//
// Without the tag, [Start] accepts an empty [Options] and rejects any
// requested output with [pkg.ErrNotSupported], so callers can keep the
// flags wired unconditionally.
//
// A session starts CPU profiling immediately and writes the snapshot
// profiles when stopped:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//		return err
//	}
//	defer s.Stop()
//
// Block and mutex profiles are sampled only while a session that requested
// them is active; the sampling rates are restored by [Session.Stop].
//
// [Options.Listen] additionally serves the live /debug/pprof/ handlers on
// the given address until the session stops.
package prof
