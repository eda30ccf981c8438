package threat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BedeschiL/Taxii-client/internal/feed"
	"github.com/BedeschiL/Taxii-client/internal/indicator"
	"github.com/BedeschiL/Taxii-client/internal/logging"
	"github.com/BedeschiL/Taxii-client/internal/taxii"
)

// Service is the set of operations offered to the HTTP API and the CLI.
type Service struct {
	client Client
	feeds  *feed.Registry
	store  *indicator.Store
	sync   *SyncController
	logger *slog.Logger
}

// NewService wires a service. sync must share feeds and store.
func NewService(client Client, feeds *feed.Registry, store *indicator.Store, sync *SyncController, logger *slog.Logger) *Service {
	return &Service{
		client: client,
		feeds:  feeds,
		store:  store,
		sync:   sync,
		logger: logging.Default(logger).With("component", "service"),
	}
}

// ServerInfo is a discovery document with details for each API root.
type ServerInfo struct {
	taxii.Discovery
	Roots []taxii.APIRoot `json:"roots"`
}

// DiscoverServer runs TAXII discovery against baseURL. Root details are
// best effort: a root that cannot be described is listed by URL alone.
func (s *Service) DiscoverServer(ctx context.Context, baseURL string, creds taxii.Credentials) (*ServerInfo, error) {
	d, err := s.client.DiscoverServer(ctx, baseURL, creds)
	if err != nil {
		return nil, err
	}
	info := &ServerInfo{Discovery: *d, Roots: make([]taxii.APIRoot, 0, len(d.APIRoots))}
	for _, u := range d.APIRoots {
		root, err := s.client.GetAPIRoot(ctx, u, creds)
		if err != nil {
			s.logger.Debug("api root lookup failed", "url", u, "err", err)
			info.Roots = append(info.Roots, taxii.APIRoot{URL: u, Title: u})
			continue
		}
		info.Roots = append(info.Roots, *root)
	}
	return info, nil
}

// ListCollections lists the collections under one API root.
func (s *Service) ListCollections(ctx context.Context, apiRoot string, creds taxii.Credentials) ([]taxii.Collection, error) {
	return s.client.ListCollections(ctx, apiRoot, creds)
}

// RootCollection is a collection tagged with the API root it lives under.
type RootCollection struct {
	APIRoot string `json:"api_root"`
	taxii.Collection
}

// DiscoverCollections lists the collections of every API root on a server.
func (s *Service) DiscoverCollections(ctx context.Context, baseURL string, creds taxii.Credentials) ([]RootCollection, error) {
	d, err := s.client.DiscoverServer(ctx, baseURL, creds)
	if err != nil {
		return nil, err
	}
	var out []RootCollection
	for _, root := range d.APIRoots {
		cols, err := s.client.ListCollections(ctx, root, creds)
		if err != nil {
			return nil, err
		}
		for _, c := range cols {
			out = append(out, RootCollection{APIRoot: root, Collection: c})
		}
	}
	return out, nil
}

// FeedRequest describes a feed to add. Either CollectionID or
// CollectionTitle must be set; a title is resolved against the API root.
type FeedRequest struct {
	Name            string   `json:"name"`
	APIRoot         string   `json:"api_root"`
	CollectionID    string   `json:"collection_id,omitempty"`
	CollectionTitle string   `json:"collection_title,omitempty"`
	Username        string   `json:"username,omitempty"`
	Password        string   `json:"password,omitempty"`
	MatchTypes      []string `json:"match_types,omitempty"`
	AddedAfter      string   `json:"added_after,omitempty"`
}

// AddFeed resolves the requested collection and registers the feed.
func (s *Service) AddFeed(ctx context.Context, req FeedRequest) (feed.Feed, error) {
	name := strings.TrimSpace(req.Name)
	if _, err := s.feeds.Get(name); err == nil {
		return feed.Feed{}, fmt.Errorf("%w: %s", feed.ErrDuplicateName, name)
	}
	if req.CollectionID == "" && req.CollectionTitle == "" {
		return feed.Feed{}, fmt.Errorf("%w: %s: collection id or title required", feed.ErrInvalid, name)
	}

	creds := taxii.Credentials{Username: req.Username, Password: req.Password}
	cols, err := s.client.ListCollections(ctx, req.APIRoot, creds)
	if err != nil {
		return feed.Feed{}, err
	}
	col, err := resolveCollection(cols, req.CollectionID, req.CollectionTitle)
	if err != nil {
		return feed.Feed{}, fmt.Errorf("%s: %w", req.APIRoot, err)
	}

	f := feed.Feed{
		Name:            name,
		APIRoot:         req.APIRoot,
		CollectionID:    col.ID,
		CollectionTitle: col.Title,
		Username:        req.Username,
		Password:        req.Password,
		MatchTypes:      req.MatchTypes,
		AddedAfter:      req.AddedAfter,
	}
	if err := s.feeds.Add(f); err != nil {
		return feed.Feed{}, err
	}
	return s.feeds.Get(name)
}

// resolveCollection finds a collection by id, or by title when id is
// empty. Titles match exactly first, then case-insensitively; more than one
// match is an error.
func resolveCollection(cols []taxii.Collection, id, title string) (taxii.Collection, error) {
	if id != "" {
		for _, c := range cols {
			if c.ID == id {
				return c, nil
			}
		}
		return taxii.Collection{}, fmt.Errorf("collection %q: %w", id, taxii.ErrNotFound)
	}

	for _, match := range []func(string) bool{
		func(t string) bool { return t == title },
		func(t string) bool { return strings.EqualFold(t, title) },
	} {
		var found []taxii.Collection
		for _, c := range cols {
			if match(c.Title) {
				found = append(found, c)
			}
		}
		switch len(found) {
		case 0:
			continue
		case 1:
			return found[0], nil
		default:
			return taxii.Collection{}, fmt.Errorf("%w: title %q matches %d collections; choose by id", feed.ErrInvalid, title, len(found))
		}
	}
	return taxii.Collection{}, fmt.Errorf("collection titled %q: %w", title, taxii.ErrNotFound)
}

func (s *Service) RemoveFeed(name string) error { return s.feeds.Remove(name) }

func (s *Service) ListFeeds() []feed.Feed { return s.feeds.List() }

// RefreshAll refreshes every feed.
func (s *Service) RefreshAll(ctx context.Context) Report { return s.sync.RefreshAll(ctx) }

// RefreshOne refreshes the named feed.
func (s *Service) RefreshOne(ctx context.Context, name string) (FeedResult, error) {
	return s.sync.RefreshOne(ctx, name)
}

func (s *Service) ListIndicators() []indicator.Record { return s.store.List() }

func (s *Service) SearchIndicators(query, typ string) []indicator.Record {
	return s.store.Search(query, typ)
}

func (s *Service) GetIndicator(id string) (indicator.Record, error) { return s.store.Get(id) }

func (s *Service) ClearIndicators() error { return s.store.Clear() }
