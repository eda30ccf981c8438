// Package feed holds the user-configured TAXII feeds.
package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BedeschiL/Taxii-client/internal/logging"
	"github.com/BedeschiL/Taxii-client/internal/persist"
	"github.com/BedeschiL/Taxii-client/internal/taxii"
)

var (
	ErrDuplicateName = errors.New("feed name already exists")
	ErrNotFound      = errors.New("feed not found")
	ErrInvalid       = errors.New("invalid feed")
)

// Feed is one configured collection. Name is its identity.
//
// AddedAfter is an optional RFC 3339 lower bound on the objects fetched.
// Password is persisted in plaintext.
type Feed struct {
	Name            string    `json:"name"`
	APIRoot         string    `json:"api_root"`
	CollectionID    string    `json:"collection_id"`
	CollectionTitle string    `json:"collection_title,omitempty"`
	Username        string    `json:"username,omitempty"`
	Password        string    `json:"password,omitempty"`
	MatchTypes      []string  `json:"match_types,omitempty"`
	AddedAfter      string    `json:"added_after,omitempty"`
	Added           time.Time `json:"added"`
}

// Credentials returns the feed's basic auth credentials.
func (f Feed) Credentials() taxii.Credentials {
	return taxii.Credentials{Username: f.Username, Password: f.Password}
}

func (f Feed) clone() Feed {
	f.MatchTypes = slices.Clone(f.MatchTypes)
	return f
}

// normalize trims the name, validates required fields, and gives the API
// root a trailing slash.
func (f Feed) normalize() (Feed, error) {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return f, fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if strings.TrimSpace(f.CollectionID) == "" {
		return f, fmt.Errorf("%w: %s: empty collection id", ErrInvalid, f.Name)
	}
	root, err := taxii.NormalizeRoot(f.APIRoot)
	if err != nil {
		return f, fmt.Errorf("%w: %s: %v", ErrInvalid, f.Name, err)
	}
	f.APIRoot = root
	if f.AddedAfter = strings.TrimSpace(f.AddedAfter); f.AddedAfter != "" {
		t, err := time.Parse(time.RFC3339Nano, f.AddedAfter)
		if err != nil {
			return f, fmt.Errorf("%w: %s: added_after: %v", ErrInvalid, f.Name, err)
		}
		f.AddedAfter = t.UTC().Format(time.RFC3339Nano)
	}
	f.MatchTypes = slices.Clone(f.MatchTypes)
	return f, nil
}

// Registry is the ordered set of feeds. Every successful mutation is
// written to disk before it becomes visible. An empty path keeps the
// registry in memory only.
type Registry struct {
	path   string
	logger *slog.Logger

	// wmu serializes mutations; mu guards feeds.
	wmu   sync.Mutex
	mu    sync.RWMutex
	feeds []Feed
}

// Open loads the registry stored at path, starting empty if the file does
// not exist yet.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		path:   path,
		logger: logging.Default(logger).With("component", "feed-registry"),
	}
	if path == "" {
		return r, nil
	}
	feeds, found, err := persist.Load[[]Feed](path)
	if err != nil {
		return nil, fmt.Errorf("load feeds: %w", err)
	}
	if found {
		r.feeds = feeds
	}
	r.logger.Info("feeds loaded", "path", path, "count", len(r.feeds))
	return r, nil
}

// Add appends f. It fails with ErrDuplicateName when the name is taken.
func (r *Registry) Add(f Feed) error {
	f, err := f.normalize()
	if err != nil {
		return err
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()

	current := r.snapshot()
	if slices.ContainsFunc(current, func(e Feed) bool { return e.Name == f.Name }) {
		return fmt.Errorf("%w: %s", ErrDuplicateName, f.Name)
	}
	if f.Added.IsZero() {
		f.Added = time.Now().UTC()
	}

	if err := r.commit(append(current, f)); err != nil {
		return err
	}
	r.logger.Info("feed added", "feed", f.Name, "api_root", f.APIRoot, "collection", f.CollectionID)
	return nil
}

// Remove deletes the named feed.
func (r *Registry) Remove(name string) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	current := r.snapshot()
	i := slices.IndexFunc(current, func(e Feed) bool { return e.Name == name })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := r.commit(slices.Delete(current, i, i+1)); err != nil {
		return err
	}
	r.logger.Info("feed removed", "feed", name)
	return nil
}

// List returns the feeds in insertion order.
func (r *Registry) List() []Feed {
	return r.snapshot()
}

// Get returns the named feed.
func (r *Registry) Get(name string) (Feed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.feeds {
		if f.Name == name {
			return f.clone(), nil
		}
	}
	return Feed{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.feeds)
}

// snapshot returns a deep copy of the feed list.
func (r *Registry) snapshot() []Feed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Feed, len(r.feeds))
	for i, f := range r.feeds {
		out[i] = f.clone()
	}
	return out
}

// commit persists next and then publishes it. Callers hold wmu.
func (r *Registry) commit(next []Feed) error {
	if next == nil {
		next = []Feed{}
	}
	if r.path != "" {
		if err := persist.Save(r.path, next); err != nil {
			return fmt.Errorf("save feeds: %w", err)
		}
	}
	r.mu.Lock()
	r.feeds = next
	r.mu.Unlock()
	return nil
}
