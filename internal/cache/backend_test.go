package cache

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEntry(status int, body string) *Entry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &Entry{
		StatusCode:  status,
		Header:      h,
		Body:        []byte(body),
		ContentType: "text/plain",
		StoredAt:    time.Now(),
	}
}

func getID(t *testing.T, rawPath string) Identity {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://origin.test"+rawPath, nil)
	require.NoError(t, err)
	id, ok := Policy{}.Identify(req)
	require.True(t, ok)
	return id
}

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend {
			return NewMemoryBackend()
		},
		"filesystem": func(t *testing.T) Backend {
			return NewFilesystemBackend(memfs.New())
		},
		"disk": func(t *testing.T) Backend {
			b, err := NewDiskBackend(filepath.Join(t.TempDir(), "stores"))
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "cache.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestBackend_OpenIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		s1, err := b.Open(ctx, "app-03")
		require.NoError(t, err)
		require.NoError(t, s1.PutAll(ctx, []Record{{Identity: getID(t, "/"), Entry: makeEntry(200, "root")}}))

		s2, err := b.Open(ctx, "app-03")
		require.NoError(t, err)
		assert.Equal(t, "app-03", s2.Name())

		e, ok, err := s2.Match(ctx, getID(t, "/"))
		require.NoError(t, err)
		require.True(t, ok, "reopened store lost its entries")
		assert.Equal(t, "root", string(e.Body))

		names, err := b.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-03"}, names)
	})
}

func TestBackend_PutAllAndMatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		s, err := b.Open(ctx, "app-03")
		require.NoError(t, err)

		css := makeEntry(200, "body { color: red }")
		css.Header.Set("Content-Type", "text/css")
		css.ContentType = "text/css"

		err = s.PutAll(ctx, []Record{
			{Identity: getID(t, "/index.html"), Entry: makeEntry(200, "<html>")},
			{Identity: getID(t, "/css/main.css"), Entry: css},
		})
		require.NoError(t, err)

		got, ok, err := s.Match(ctx, getID(t, "/css/main.css"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, http.StatusOK, got.StatusCode)
		assert.Equal(t, "body { color: red }", string(got.Body))
		assert.Equal(t, "text/css", got.ContentType)
		assert.Equal(t, "text/css", got.Header.Get("Content-Type"))
		assert.WithinDuration(t, css.StoredAt, got.StoredAt, time.Millisecond)

		_, ok, err = s.Match(ctx, getID(t, "/api/unlisted"))
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestBackend_PutAllOverwrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		s, err := b.Open(ctx, "app-03")
		require.NoError(t, err)

		id := getID(t, "/data/items.json")
		require.NoError(t, s.PutAll(ctx, []Record{{Identity: id, Entry: makeEntry(200, "v1")}}))
		require.NoError(t, s.PutAll(ctx, []Record{{Identity: id, Entry: makeEntry(203, "v2")}}))

		got, ok, err := s.Match(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 203, got.StatusCode)
		assert.Equal(t, "v2", string(got.Body))

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestBackend_RejectsNonGetIdentities(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		s, err := b.Open(ctx, "app-03")
		require.NoError(t, err)

		err = s.PutAll(ctx, []Record{
			{Identity: getID(t, "/ok"), Entry: makeEntry(200, "ok")},
			{Identity: Identity("POST /form"), Entry: makeEntry(200, "nope")},
		})
		require.Error(t, err)
		assert.True(t, IsInvalidEntry(err), "got %v", err)

		// The batch is rejected as a whole.
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestBackend_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		for _, name := range []string{"app-03", "app-04", "other-01"} {
			s, err := b.Open(ctx, name)
			require.NoError(t, err)
			require.NoError(t, s.PutAll(ctx, []Record{{Identity: getID(t, "/"), Entry: makeEntry(200, name)}}))
		}

		deleted, err := b.Delete(ctx, "app-03")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = b.Delete(ctx, "app-03")
		require.NoError(t, err)
		assert.False(t, deleted, "second delete must report absence")

		names, err := b.Names(ctx)
		require.NoError(t, err)
		sort.Strings(names)
		assert.Equal(t, []string{"app-04", "other-01"}, names)

		// Reopening a deleted store yields an empty store.
		s, err := b.Open(ctx, "app-03")
		require.NoError(t, err)
		_, ok, err := s.Match(ctx, getID(t, "/"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestBackend_PutAllAfterDeleteFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		s, err := b.Open(ctx, "app-05")
		require.NoError(t, err)

		_, err = b.Delete(ctx, "app-05")
		require.NoError(t, err)

		err = s.PutAll(ctx, []Record{{Identity: getID(t, "/"), Entry: makeEntry(200, "late")}})
		require.Error(t, err)
		assert.True(t, IsStorageUnavailable(err), "got %v", err)

		names, err := b.Names(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})
}

func TestBackend_MatchReturnsCopy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		s, err := b.Open(ctx, "app-03")
		require.NoError(t, err)

		id := getID(t, "/")
		require.NoError(t, s.PutAll(ctx, []Record{{Identity: id, Entry: makeEntry(200, "original")}}))

		first, _, err := s.Match(ctx, id)
		require.NoError(t, err)
		first.Body[0] = 'X'
		first.Header.Set("Content-Type", "changed")

		second, _, err := s.Match(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "original", string(second.Body))
		assert.Equal(t, "text/plain", second.Header.Get("Content-Type"))
	})
}

func TestBackend_ConcurrentReads(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		s, err := b.Open(ctx, "app-03")
		require.NoError(t, err)

		var records []Record
		for i := 0; i < 10; i++ {
			records = append(records, Record{
				Identity: getID(t, fmt.Sprintf("/img/%d.jpg", i)),
				Entry:    makeEntry(200, fmt.Sprintf("image-%d", i)),
			})
		}
		require.NoError(t, s.PutAll(ctx, records))

		var wg sync.WaitGroup
		errs := make(chan error, 20*len(records))
		for g := 0; g < 20; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i, r := range records {
					e, ok, err := s.Match(ctx, r.Identity)
					if err != nil {
						errs <- err
						continue
					}
					if !ok || string(e.Body) != fmt.Sprintf("image-%d", i) {
						errs <- fmt.Errorf("bad read for %s", r.Identity)
					}
				}
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Error(err)
		}
	})
}

func TestBackend_CanceledContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := b.Open(ctx, "app-03")
		require.Error(t, err)
		assert.True(t, IsStorageUnavailable(err), "got %v", err)
	})
}
