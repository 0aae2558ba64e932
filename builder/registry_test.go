package builder

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterIsExclusive(t *testing.T) {
	r := NewRegistry()
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		busy    atomic.Int32
		winners sync.Map
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := &Manage{}
			err := r.register("web", m)
			switch {
			case err == nil:
				won.Add(1)
				winners.Store(m, true)
			case errors.Is(err, ErrAlreadyRunning):
				busy.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(49), busy.Load())

	m, ok := r.Get("web")
	require.True(t, ok)
	_, isWinner := winners.Load(m)
	assert.True(t, isWinner)
}

func TestRegistryReleaseOnlyOwnEntry(t *testing.T) {
	r := NewRegistry()
	old, current := &Manage{}, &Manage{}

	require.NoError(t, r.register("web", old))
	r.release("web", old)
	require.NoError(t, r.register("web", current))

	// a late release of the previous run keeps the newer one
	r.release("web", old)
	got, ok := r.Get("web")
	require.True(t, ok)
	assert.Same(t, current, got)

	r.release("web", current)
	r.release("web", current)
	_, ok = r.Get("web")
	assert.False(t, ok)
}

func TestRegistryRunning(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.register("b", &Manage{}))
	require.NoError(t, r.register("a", &Manage{}))
	assert.Equal(t, []string{"a", "b"}, r.Running())
	assert.False(t, r.Cancel("c"))
}

func TestLayout(t *testing.T) {
	l := NewLayout("/data")
	assert.Equal(t, filepath.FromSlash("/data/build/web/source"), l.SourceDir("web"))
	assert.Equal(t, filepath.FromSlash("/data/build/web/history/#3"), l.HistoryDir("web", 3))
	assert.Equal(t, filepath.FromSlash("/data/build/web/history/#3/info.log"), l.LogFile("web", 3))
	assert.Equal(t, filepath.FromSlash("/data/build/web/history/#3/result/a/out.zip"), l.HistoryPackageFile("web", 3, "/a/out.zip"))
	assert.Equal(t, filepath.FromSlash("/data/build/web/history/#3/result/out.txt"), l.HistoryPackageFile("web", 3, "out.txt"))
	assert.Equal(t, filepath.FromSlash("/data/build/web/history/#3/result/other/source/Makefile"),
		l.HistoryPackageFile("web", 3, "../../../../other/source/Makefile"))
}
