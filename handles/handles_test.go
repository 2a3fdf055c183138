package handles

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"greybridge/rpcerr"
	"greybridge/value"
)

type window struct{ title string }

func TestExportIsIdempotent(t *testing.T) {
	table := NewTable()
	w := &window{title: "Inbox"}

	h1, err := table.Export(w, WithAffinity(AffinityMain))
	require.NoError(t, err)
	h2, err := table.Export(w)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.NotZero(t, h1)

	entry, err := table.Resolve(h1)
	require.NoError(t, err)
	require.Same(t, w, entry.Object)
	require.Equal(t, "window", entry.Class)
	require.Equal(t, AffinityMain, entry.Affinity)
	require.Equal(t, 1, table.Len())
}

func TestDistinctObjectsGetDistinctHandles(t *testing.T) {
	table := NewTable()
	h1, err := table.Export(&window{}, WithClass("Window"))
	require.NoError(t, err)
	h2, err := table.Export(&window{}, WithClass("Window"))
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	entry, err := table.Resolve(h2)
	require.NoError(t, err)
	require.Equal(t, "Window", entry.Class)
}

func TestExportRejectsValuesWithoutIdentity(t *testing.T) {
	table := NewTable()
	_, err := table.Export(window{})
	require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)
	_, err = table.Export(nil)
	require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)
	_, err = table.Export(map[string]int{})
	require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)
}

func TestReleaseThenResolveFails(t *testing.T) {
	table := NewTable()
	w := &window{}
	h, err := table.Export(w)
	require.NoError(t, err)

	entry, done, err := table.Acquire(h)
	require.NoError(t, err)
	require.Same(t, w, entry.Object)
	done()

	table.Release(h)
	_, err = table.Resolve(h)
	require.ErrorIs(t, err, rpcerr.ErrUnknownHandle)
	require.Equal(t, 0, table.Len())

	// Double release and unknown handles are tolerated.
	table.Release(h)
	table.Release(9999)
	table.Release(0)
}

func TestResolveUnknownHandle(t *testing.T) {
	table := NewTable()
	_, err := table.Resolve(0)
	require.ErrorIs(t, err, rpcerr.ErrUnknownHandle)
	_, err = table.Resolve(17)
	require.ErrorIs(t, err, rpcerr.ErrUnknownHandle)
	require.Equal(t, rpcerr.KindResolution, rpcerr.KindOf(err))
}

func TestHandlesAreNeverReused(t *testing.T) {
	table := NewTable()
	w := &window{}
	h1, err := table.Export(w)
	require.NoError(t, err)
	table.Release(h1)

	h2, err := table.Export(w)
	require.NoError(t, err)
	require.Greater(t, h2, h1)

	_, err = table.Resolve(h1)
	require.ErrorIs(t, err, rpcerr.ErrUnknownHandle)
	entry, err := table.Resolve(h2)
	require.NoError(t, err)
	require.Same(t, w, entry.Object)
}

func TestReleaseWhilePinnedDefersCleanup(t *testing.T) {
	table := NewTable()
	w := &window{}
	h, err := table.Export(w)
	require.NoError(t, err)

	_, done, err := table.Acquire(h)
	require.NoError(t, err)

	table.Release(h)
	_, err = table.Resolve(h)
	require.ErrorIs(t, err, rpcerr.ErrUnknownHandle)
	require.Equal(t, 1, table.Stats().Pinned)

	// Re-exporting while the old slot is still pinned issues a new handle.
	h2, err := table.Export(w)
	require.NoError(t, err)
	require.NotEqual(t, h, h2)

	done()
	done()
	require.Equal(t, 0, table.Stats().Pinned)

	entry, err := table.Resolve(h2)
	require.NoError(t, err)
	require.Same(t, w, entry.Object)
}

func TestConcurrentExportAndRelease(t *testing.T) {
	table := NewTable()
	objs := make([]*window, 64)
	for i := range objs {
		objs[i] = &window{}
	}

	var wg sync.WaitGroup
	handles := make([]Handle, len(objs))
	for i := range objs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := table.Export(objs[i])
			if err != nil {
				t.Errorf("export %d: %v", i, err)
				return
			}
			handles[i] = h
			if _, done, err := table.Acquire(h); err == nil {
				done()
			}
		}(i)
	}
	wg.Wait()

	seen := map[Handle]bool{}
	for _, h := range handles {
		require.False(t, seen[h], "handle %d issued twice", h)
		seen[h] = true
	}

	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			table.Release(h)
		}(h)
	}
	wg.Wait()
	require.Equal(t, 0, table.Len())
	require.Equal(t, uint64(len(objs)), table.Stats().Released)
}

func TestRef(t *testing.T) {
	table := NewTable()
	obj := &struct{ n int }{n: 1}

	ref, err := table.Ref(value.SideApp, obj, WithClass("Window"))
	require.NoError(t, err)
	require.Equal(t, value.SideApp, ref.Owner)
	require.Equal(t, "Window", ref.Class)

	again, err := table.Ref(value.SideApp, obj)
	require.NoError(t, err)
	require.Equal(t, ref, again)
}
