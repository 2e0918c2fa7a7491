package prof

// Profile names a runtime/pprof profile.
type Profile string

// Profiles written by a session.
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

// Options selects the profiles of a session. Empty paths are skipped.
type Options struct {
	CPU       string
	Heap      string
	Allocs    string
	Goroutine string
	Block     string
	Mutex     string
	// Listen serves /debug/pprof/ on this address, e.g. localhost:6060.
	Listen string
}

// Empty reports whether no profile is requested.
func (o Options) Empty() bool {
	return o == Options{}
}

// snapshots lists the profiles written on Stop with their paths.
func (o Options) snapshots() []struct {
	profile Profile
	path    string
} {
	all := []struct {
		profile Profile
		path    string
	}{
		{ProfileHeap, o.Heap},
		{ProfileAllocs, o.Allocs},
		{ProfileGoroutine, o.Goroutine},
		{ProfileBlock, o.Block},
		{ProfileMutex, o.Mutex},
	}
	out := all[:0]
	for _, s := range all {
		if s.path != "" {
			out = append(out, s)
		}
	}
	return out
}
