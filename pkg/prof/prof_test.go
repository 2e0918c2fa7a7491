//go:build profile

package prof

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionWritesProfiles(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		CPU:       filepath.Join(dir, "cpu.prof"),
		Heap:      filepath.Join(dir, "heap.prof"),
		Goroutine: filepath.Join(dir, "goroutine.prof"),
		Mutex:     filepath.Join(dir, "mutex.prof"),
	}
	s, err := Start(opts)
	require.NoError(t, err)

	_, err = Start(Options{})
	require.ErrorIs(t, err, ErrActive)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	for _, p := range []string{opts.CPU, opts.Heap, opts.Goroutine, opts.Mutex} {
		fi, err := os.Stat(p)
		require.NoError(t, err, p)
		assert.NotZero(t, fi.Size(), p)
	}

	s, err = Start(Options{})
	require.NoError(t, err, "a new session may start after stop")
	require.NoError(t, s.Stop())
}

func TestSessionBadPath(t *testing.T) {
	_, err := Start(Options{CPU: "/nonexistent/directory/cpu.prof"})
	require.Error(t, err)

	s, err := Start(Options{})
	require.NoError(t, err, "failed start leaves no session behind")
	require.NoError(t, s.Stop())
}

func TestSessionListen(t *testing.T) {
	s, err := Start(Options{Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "goroutine")
}
