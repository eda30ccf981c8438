package feed

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFeed(name string) Feed {
	return Feed{
		Name:         name,
		APIRoot:      "https://taxii.example.com/api1",
		CollectionID: "91a7b528-80eb-42ed-a74d-c6fbd5a26116",
		Username:     "user",
		Password:     "pass",
	}
}

func TestAddDuplicateName(t *testing.T) {
	r, err := Open("", nil)
	require.NoError(t, err)

	require.NoError(t, r.Add(testFeed("f1")))
	err = r.Add(testFeed("f1"))
	require.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, 1, r.Len())

	// Names are compared after trimming.
	require.ErrorIs(t, r.Add(testFeed("  f1 ")), ErrDuplicateName)
}

func TestAddNormalizes(t *testing.T) {
	r, err := Open("", nil)
	require.NoError(t, err)
	require.NoError(t, r.Add(testFeed(" f1 ")))

	f, err := r.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, "https://taxii.example.com/api1/", f.APIRoot)
	assert.False(t, f.Added.IsZero())
	assert.Equal(t, "user", f.Credentials().Username)
}

func TestAddInvalid(t *testing.T) {
	r, err := Open("", nil)
	require.NoError(t, err)

	bad := []Feed{
		{Name: "", APIRoot: "https://x/", CollectionID: "c"},
		{Name: "a", APIRoot: "https://x/", CollectionID: ""},
		{Name: "a", APIRoot: "taxii.example.com", CollectionID: "c"},
	}
	for _, f := range bad {
		assert.ErrorIs(t, r.Add(f), ErrInvalid)
	}
	assert.Zero(t, r.Len())
}

func TestRemove(t *testing.T) {
	r, err := Open("", nil)
	require.NoError(t, err)
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, r.Add(testFeed(n)))
	}

	require.NoError(t, r.Remove("b"))
	require.ErrorIs(t, r.Remove("b"), ErrNotFound)

	var names []string
	for _, f := range r.List() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"a", "c"}, names)

	_, err = r.Get("b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListReturnsCopy(t *testing.T) {
	r, err := Open("", nil)
	require.NoError(t, err)
	require.NoError(t, r.Add(testFeed("a")))

	list := r.List()
	list[0].Name = "mutated"
	f, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", f.Name)
}

func TestReadsDoNotShareMatchTypes(t *testing.T) {
	r, err := Open("", nil)
	require.NoError(t, err)
	f := testFeed("a")
	f.MatchTypes = []string{"indicator", "malware"}
	require.NoError(t, r.Add(f))

	r.List()[0].MatchTypes[0] = "mutated"
	got, err := r.Get("a")
	require.NoError(t, err)
	got.MatchTypes[1] = "mutated"

	again, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"indicator", "malware"}, again.MatchTypes)
}

func TestAddedAfterBound(t *testing.T) {
	r, err := Open("", nil)
	require.NoError(t, err)

	f := testFeed("a")
	f.AddedAfter = "2024-03-01T12:00:00+02:00"
	require.NoError(t, r.Add(f))
	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T10:00:00Z", got.AddedAfter)

	bad := testFeed("b")
	bad.AddedAfter = "last week"
	assert.ErrorIs(t, r.Add(bad), ErrInvalid)
}

func TestReloadDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxii_feeds.json")

	r, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, r.Add(testFeed("a")))
	require.NoError(t, r.Add(testFeed("b")))
	require.NoError(t, r.Remove("a"))
	before := r.List()

	reloaded, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, before, reloaded.List())
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taxii_feeds.json")

	r, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, r.Add(testFeed("a")))

	// Replace the directory with a file so the next save cannot create its
	// temp file.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o600))
	t.Cleanup(func() { os.Remove(dir) })

	require.Error(t, r.Add(testFeed("b")))
	assert.Equal(t, 1, r.Len())
}

func TestConcurrentAdds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxii_feeds.json")
	r, err := Open(path, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Add(testFeed(fmt.Sprintf("f%d", i))))
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, r.Len())

	reloaded, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, reloaded.Len())
}
