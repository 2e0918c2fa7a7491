package stream

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Stats is a snapshot of stream counters.
type Stats struct {
	Completed uint64 // rx buffers made Ready, tx buffers returned
	Dropped   uint64 // rx buffers lost for lack of a free slot
	Discarded uint64 // rx transfers rejected as bogus
	Faults    uint64

	Available int
	Posted    int
	Held      int

	// Wait latency of RecvWait/SendGet calls that returned a buffer.
	WaitCount int64
	WaitP50   time.Duration
	WaitP99   time.Duration
	WaitMax   time.Duration
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	st := Stats{
		Completed: s.completed.Load(),
		Dropped:   s.dropped.Load(),
		Discarded: s.discarded.Load(),
		Faults:    s.faults.Load(),
	}
	st.Available, st.Posted, st.Held = s.pool.Counts()
	s.latency.fill(&st)
	return st
}

// latency records wait durations in microseconds.
type latency struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

const maxLatency = int64(time.Minute / time.Microsecond)

func newLatency() *latency {
	return &latency{hist: hdrhistogram.New(1, maxLatency, 3)}
}

func (l *latency) record(d time.Duration) {
	if l == nil {
		return
	}
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > maxLatency {
		us = maxLatency
	}
	l.mu.Lock()
	_ = l.hist.RecordValue(us)
	l.mu.Unlock()
}

func (l *latency) fill(st *Stats) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st.WaitCount = l.hist.TotalCount()
	st.WaitP50 = time.Duration(l.hist.ValueAtQuantile(50)) * time.Microsecond
	st.WaitP99 = time.Duration(l.hist.ValueAtQuantile(99)) * time.Microsecond
	st.WaitMax = time.Duration(l.hist.Max()) * time.Microsecond
}
