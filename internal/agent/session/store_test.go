package session

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFileStore_AppendLoad(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	lines, err := store.Load("t1")
	require.NoError(t, err)
	assert.Nil(t, lines)

	require.NoError(t, store.Append("t1", `{"a":1}`))
	require.NoError(t, store.Append("t1", "{\"b\":2}\n"))
	lines, err = store.Load("t1")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, lines)

	info, err := os.Stat(store.LogPath("t1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_SessionID(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.LoadSessionID("t1")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, store.SaveSessionID("t1", "sess-1"))
	require.NoError(t, store.SaveSessionID("t1", "sess-2"))
	id, err = store.LoadSessionID("t1")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", id)

	require.NoError(t, store.Append("t1", "line"))
	require.NoError(t, store.Delete("t1"))
	require.NoError(t, store.Delete("t1"))

	id, err = store.LoadSessionID("t1")
	require.NoError(t, err)
	assert.Empty(t, id)
	lines, err := store.Load("t1")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestFileStore_RejectsUnsafeTaskIDs(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../x", "a/b", ".hidden"} {
		assert.Error(t, store.Append(id, "x"), id)
		assert.Error(t, store.SaveSessionID(id, "x"), id)
		_, err := store.Load(id)
		assert.Error(t, err, id)
	}
}

func TestFileStore_ConcurrentAppendsStayWhole(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				_ = store.Append("t1", fmt.Sprintf(`{"writer":%d,"seq":%d}`, w, i))
			}
		}()
	}
	wg.Wait()

	lines, err := store.Load("t1")
	require.NoError(t, err)
	assert.Len(t, lines, 400)
	for _, l := range lines {
		assert.Regexp(t, `^\{"writer":\d,"seq":\d+\}$`, l)
	}
}

// Replaying a log yields exactly the appended lines in order, however many
// times it is loaded.
func TestFileStore_ReplayProperty(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	run := 0

	rapid.Check(t, func(t *rapid.T) {
		run++
		taskID := fmt.Sprintf("task-%d", run)
		lines := rapid.SliceOf(rapid.StringMatching(`[a-zA-Z0-9{}":,\[\] ]{1,40}`)).Draw(t, "lines")

		for _, l := range lines {
			if err := store.Append(taskID, l); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		for range 2 {
			got, err := store.Load(taskID)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(got) != len(lines) {
				t.Fatalf("loaded %d lines, appended %d", len(got), len(lines))
			}
			for i := range lines {
				if got[i] != lines[i] {
					t.Fatalf("line %d: got %q want %q", i, got[i], lines[i])
				}
			}
		}
	})
}
