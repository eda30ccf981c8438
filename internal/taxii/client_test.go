package taxii

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser = "alice"
	testPass = "s3cret"
)

// fakeServer is a minimal TAXII 2.1 server with one API root ("/api1/")
// holding one collection of objects served in pages of pageSize.
type fakeServer struct {
	*httptest.Server
	objects  []map[string]any
	pageSize int

	mu      sync.Mutex
	queries []string
}

func (fs *fakeServer) Queries() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.queries...)
}

func newFakeServer(t *testing.T, nObjects, pageSize int) *fakeServer {
	t.Helper()
	fs := &fakeServer{pageSize: pageSize}
	for i := range nObjects {
		fs.objects = append(fs.objects, map[string]any{
			"type":    "indicator",
			"id":      fmt.Sprintf("indicator--%04d", i),
			"pattern": fmt.Sprintf("[ipv4-addr:value = '10.0.0.%d']", i),
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/taxii2/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"title":     "Fake TAXII",
			"default":   "/api1/",
			"api_roots": []string{fs.URL + "/api1/", "/api2/"},
		})
	})
	mux.HandleFunc("/api1/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api1/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"title": "API 1", "versions": []string{MediaType}, "max_content_length": 1 << 20})
	})
	mux.HandleFunc("/api1/collections/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api1/collections/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"collections": []map[string]any{
			{"id": "c1", "title": "Indicators", "can_read": true},
			{"id": "c2", "title": "Malware", "can_read": true},
		}})
	})
	mux.HandleFunc("/api1/collections/c1/objects/", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.queries = append(fs.queries, r.URL.RawQuery)
		fs.mu.Unlock()
		start := 0
		if next := r.URL.Query().Get("next"); next != "" {
			start, _ = strconv.Atoi(next)
		}
		end := min(start+fs.pageSize, len(fs.objects))
		env := map[string]any{"objects": fs.objects[start:end], "more": end < len(fs.objects)}
		if end < len(fs.objects) {
			env["next"] = strconv.Itoa(end)
		}
		writeJSON(w, env)
	})
	// An API root that exists but has no collections endpoint.
	mux.HandleFunc("/bare/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bare/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"title": "Bare"})
	})

	fs.Server = httptest.NewServer(requireAuth(mux))
	t.Cleanup(fs.Close)
	return fs
}

func requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != testUser || p != testPass {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Accept") != MediaType {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", MediaType)
	json.NewEncoder(w).Encode(v)
}

var creds = Credentials{Username: testUser, Password: testPass}

func TestDiscoverServer(t *testing.T) {
	fs := newFakeServer(t, 0, 1)
	c := NewClient()

	for _, base := range []string{fs.URL, fs.URL + "/", fs.URL + "/taxii2/", fs.URL + "/taxii2"} {
		d, err := c.DiscoverServer(context.Background(), base, creds)
		require.NoError(t, err, base)
		assert.Equal(t, "Fake TAXII", d.Title)
		assert.Equal(t, []string{fs.URL + "/api1/", fs.URL + "/api2/"}, d.APIRoots)
		assert.Equal(t, fs.URL+"/api1/", d.Default)
	}
}

func TestDiscoverServerErrors(t *testing.T) {
	fs := newFakeServer(t, 0, 1)
	c := NewClient()
	ctx := context.Background()

	_, err := c.DiscoverServer(ctx, fs.URL, Credentials{Username: "mallory", Password: "x"})
	require.ErrorIs(t, err, ErrAuth)

	_, err = c.DiscoverServer(ctx, "not a url", creds)
	require.ErrorIs(t, err, ErrInvalidURL)

	// A reachable endpoint that is not a discovery document.
	junk := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hello":"world"}`))
	}))
	defer junk.Close()
	_, err = c.DiscoverServer(ctx, junk.URL, creds)
	require.ErrorIs(t, err, ErrProtocol)

	html := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html></html>`))
	}))
	defer html.Close()
	_, err = c.DiscoverServer(ctx, html.URL, creds)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestNetworkErrors(t *testing.T) {
	ctx := context.Background()

	// Nothing listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	_, err = NewClient().DiscoverServer(ctx, "http://"+addr, creds)
	require.ErrorIs(t, err, ErrNetwork)

	// Slow server.
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)
	_, err = NewClient(WithTimeout(50*time.Millisecond)).DiscoverServer(ctx, slow.URL, creds)
	require.ErrorIs(t, err, ErrNetwork)

	// Server errors are transient.
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	_, err = NewClient().DiscoverServer(ctx, failing.URL, creds)
	require.ErrorIs(t, err, ErrNetwork)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
}

func TestGetAPIRoot(t *testing.T) {
	fs := newFakeServer(t, 0, 1)
	root, err := NewClient().GetAPIRoot(context.Background(), fs.URL+"/api1", creds)
	require.NoError(t, err)
	assert.Equal(t, "API 1", root.Title)
	assert.Equal(t, fs.URL+"/api1/", root.URL)
	assert.EqualValues(t, 1<<20, root.MaxContentLength)
}

func TestListCollections(t *testing.T) {
	fs := newFakeServer(t, 0, 1)
	c := NewClient()
	ctx := context.Background()

	cols, err := c.ListCollections(ctx, fs.URL+"/api1/", creds)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "c1", cols[0].ID)
	assert.Equal(t, "Indicators", cols[0].Title)
	assert.True(t, cols[0].CanRead)

	_, err = c.ListCollections(ctx, fs.URL+"/bare/", creds)
	require.ErrorIs(t, err, ErrProtocol)

	_, err = c.ListCollections(ctx, fs.URL+"/missing/", creds)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchObjectsPage(t *testing.T) {
	fs := newFakeServer(t, 5, 2)
	c := NewClient()
	req := ObjectsRequest{APIRoot: fs.URL + "/api1/", CollectionID: "c1", Credentials: creds, Limit: 2, Types: []string{"indicator", "malware"}}

	page, err := c.FetchObjectsPage(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Len(t, page.Objects, 2)
	assert.True(t, page.More)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "2", page.NextCursor.Next)
	q := fs.Queries()
	assert.Contains(t, q[0], "limit=2")
	assert.Contains(t, q[0], "match%5Btype%5D=indicator%2Cmalware")

	_, err = c.FetchObjectsPage(context.Background(), ObjectsRequest{APIRoot: fs.URL + "/api1/", CollectionID: "nope", Credentials: creds}, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWalkAgainstServer(t *testing.T) {
	fs := newFakeServer(t, 7, 3)
	c := NewClient()
	req := ObjectsRequest{APIRoot: fs.URL + "/api1/", CollectionID: "c1", Credentials: creds}

	got, err := Collect(Walk(context.Background(), Pager(c, req)))
	require.NoError(t, err)
	require.Len(t, got, 7)
	for i, o := range got {
		assert.Equal(t, fmt.Sprintf("indicator--%04d", i), o.ID())
	}
	q := fs.Queries()
	require.Len(t, q, 3)
	assert.True(t, strings.Contains(q[2], "next=6"))
}

func TestFetchObjectsPageDateAddedCursor(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Query().Get("added_after"))
		n := len(seen)
		mu.Unlock()
		w.Header().Set(headerDateAddedLast, "2024-05-01T00:00:00.000Z")
		writeJSON(w, map[string]any{
			"more":    n == 1,
			"objects": []map[string]any{{"type": "indicator", "id": fmt.Sprintf("indicator--%d", n)}},
		})
	}))
	defer srv.Close()

	req := ObjectsRequest{APIRoot: srv.URL + "/root/", CollectionID: "c1", AddedAfter: "2024-01-01T00:00:00Z"}
	got, err := Collect(Walk(context.Background(), Pager(NewClient(), req)))
	require.NoError(t, err)
	assert.Len(t, got, 2)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"2024-01-01T00:00:00Z", "2024-05-01T00:00:00.000Z"}, seen)
}

func TestFetchObjectsPageRejectsInvalidObjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"objects": []map[string]any{{"type": "indicator"}}})
	}))
	defer srv.Close()

	_, err := NewClient().FetchObjectsPage(context.Background(), ObjectsRequest{APIRoot: srv.URL + "/", CollectionID: "c1"}, nil)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestNoAuthHeaderWithoutUsername(t *testing.T) {
	authSeen := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		authSeen <- ok
		writeJSON(w, map[string]any{"title": "open"})
	}))
	defer srv.Close()

	_, err := NewClient().DiscoverServer(context.Background(), srv.URL, Credentials{})
	require.NoError(t, err)
	assert.False(t, <-authSeen)
}

func TestNormalizeRoot(t *testing.T) {
	got, err := NormalizeRoot(" https://taxii.example.com/api1?x=1 ")
	require.NoError(t, err)
	assert.Equal(t, "https://taxii.example.com/api1/", got)

	_, err = NormalizeRoot("ftp://example.com/")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestClientOptions(t *testing.T) {
	agents := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.UserAgent()
		writeJSON(w, map[string]any{"title": "API 1"})
	}))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()), WithUserAgent("feed-loader/2.0"))
	_, err := c.GetAPIRoot(context.Background(), srv.URL+"/api1/", Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "feed-loader/2.0", <-agents)
}
