package threat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/BedeschiL/Taxii-client/internal/taxii"
)

// ObjectSource fetches pages from a collection's objects endpoint.
type ObjectSource = taxii.PageFetcher

// Discoverer answers the one-shot discovery calls behind feed setup.
type Discoverer interface {
	DiscoverServer(ctx context.Context, baseURL string, creds taxii.Credentials) (*taxii.Discovery, error)
	GetAPIRoot(ctx context.Context, apiRootURL string, creds taxii.Credentials) (*taxii.APIRoot, error)
	ListCollections(ctx context.Context, apiRootURL string, creds taxii.Credentials) ([]taxii.Collection, error)
}

// Client is everything the service needs from a TAXII client.
type Client interface {
	ObjectSource
	Discoverer
}

var _ Client = (*taxii.Client)(nil)

// FeedResult is the outcome of refreshing one feed. Err is set only on
// failure; Fetched then counts the objects read before it, none of which
// were merged.
type FeedResult struct {
	Feed     string        `json:"feed"`
	Fetched  int           `json:"fetched_count"`
	Inserted int           `json:"new_count"`
	Replaced int           `json:"updated_count"`
	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

func (r FeedResult) OK() bool { return r.Err == nil }

// Report aggregates one RefreshAll run, keyed by feed name.
type Report struct {
	RunID    uuid.UUID             `json:"run_id"`
	Started  time.Time             `json:"started"`
	Finished time.Time             `json:"finished"`
	Feeds    map[string]FeedResult `json:"feeds"`
}

// Failed returns the names of the feeds that failed.
func (r Report) Failed() []string {
	var out []string
	for name, res := range r.Feeds {
		if !res.OK() {
			out = append(out, name)
		}
	}
	return out
}

// Fetched sums the objects merged by successful feeds.
func (r Report) Fetched() int {
	n := 0
	for _, res := range r.Feeds {
		if res.OK() {
			n += res.Fetched
		}
	}
	return n
}

// Observer is told about every finished feed refresh.
type Observer interface {
	FeedRefreshed(res FeedResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(FeedResult)

func (f ObserverFunc) FeedRefreshed(res FeedResult) { f(res) }
