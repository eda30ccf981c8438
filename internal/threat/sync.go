// Package threat synchronizes configured TAXII feeds into the indicator
// store and exposes the operations the HTTP layer and CLI build on.
package threat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BedeschiL/Taxii-client/internal/feed"
	"github.com/BedeschiL/Taxii-client/internal/indicator"
	"github.com/BedeschiL/Taxii-client/internal/logging"
	"github.com/BedeschiL/Taxii-client/internal/metrics"
	"github.com/BedeschiL/Taxii-client/internal/taxii"
)

const DefaultWorkers = 4

// SyncController walks every feed's collection and merges the results into
// the store. A failing feed is recorded in the report and never stops the
// others.
type SyncController struct {
	source   ObjectSource
	feeds    *feed.Registry
	store    *indicator.Store
	workers  int
	pageSize int
	lookback time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

// SyncOption configures a SyncController.
type SyncOption func(*SyncController)

// WithWorkers bounds how many feeds refresh at once.
func WithWorkers(n int) SyncOption {
	return func(c *SyncController) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithPageSize sets the TAXII limit parameter; zero leaves it to the server.
func WithPageSize(n int) SyncOption {
	return func(c *SyncController) { c.pageSize = n }
}

// WithLookback only fetches objects added within d before each refresh. A
// feed's own AddedAfter still applies when it is the later bound. Zero
// disables it.
func WithLookback(d time.Duration) SyncOption {
	return func(c *SyncController) {
		if d > 0 {
			c.lookback = d
		}
	}
}

func WithSyncLogger(logger *slog.Logger) SyncOption {
	return func(c *SyncController) { c.logger = logger }
}

// NewSyncController creates a controller.
func NewSyncController(source ObjectSource, feeds *feed.Registry, store *indicator.Store, opts ...SyncOption) *SyncController {
	c := &SyncController{
		source:  source,
		feeds:   feeds,
		store:   store,
		workers: DefaultWorkers,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logging.Default(c.logger).With("component", "sync")
	return c
}

// Register adds an observer of feed refresh outcomes.
func (c *SyncController) Register(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// RefreshAll refreshes every registered feed, at most workers at a time.
func (c *SyncController) RefreshAll(ctx context.Context) Report {
	feeds := c.feeds.List()
	report := Report{
		RunID:   uuid.New(),
		Started: c.now().UTC(),
		Feeds:   make(map[string]FeedResult, len(feeds)),
	}
	c.logger.Info("refresh started", "run", report.RunID, "feeds", len(feeds))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.workers)
	for _, f := range feeds {
		g.Go(func() error {
			res := c.refresh(ctx, f)
			mu.Lock()
			report.Feeds[f.Name] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	report.Finished = c.now().UTC()
	c.logger.Info("refresh finished", "run", report.RunID,
		"feeds", len(feeds), "failed", len(report.Failed()), "fetched", report.Fetched(),
		"duration", report.Finished.Sub(report.Started))
	return report
}

// RefreshOne refreshes a single feed. The error is non-nil only when the
// feed does not exist; refresh failures are reported in the result.
func (c *SyncController) RefreshOne(ctx context.Context, name string) (FeedResult, error) {
	f, err := c.feeds.Get(name)
	if err != nil {
		return FeedResult{}, err
	}
	return c.refresh(ctx, f), nil
}

func (c *SyncController) refresh(ctx context.Context, f feed.Feed) FeedResult {
	start := c.now()
	res := FeedResult{Feed: f.Name}
	logger := c.logger.With("feed", f.Name)

	req := taxii.ObjectsRequest{
		APIRoot:      f.APIRoot,
		CollectionID: f.CollectionID,
		Credentials:  f.Credentials(),
		Limit:        c.pageSize,
		Types:        f.MatchTypes,
		AddedAfter:   c.addedAfter(f, start),
	}

	objs, err := taxii.Collect(taxii.Walk(ctx, taxii.Pager(c.source, req)))
	res.Fetched = len(objs)
	if err == nil {
		retrieved := c.now().UTC()
		recs := make([]indicator.Record, len(objs))
		for i, o := range objs {
			recs[i] = indicator.Record{Object: o, Source: f.Name, Retrieved: retrieved}
		}
		var merged indicator.MergeResult
		merged, err = c.store.UpsertMany(recs)
		res.Inserted, res.Replaced = merged.Inserted, merged.Replaced
	}
	res.Duration = c.now().Sub(start)
	metrics.RefreshDuration.WithLabelValues(f.Name).Observe(res.Duration.Seconds())

	if err != nil {
		res.Err = err
		res.Error = err.Error()
		metrics.RefreshTotal.WithLabelValues(f.Name, metrics.OutcomeFailure).Inc()
		logger.Error("feed refresh failed", "fetched", res.Fetched, "err", err)
	} else {
		metrics.RefreshTotal.WithLabelValues(f.Name, metrics.OutcomeSuccess).Inc()
		metrics.RefreshObjects.WithLabelValues(f.Name).Add(float64(res.Fetched))
		logger.Info("feed refreshed", "fetched", res.Fetched, "new", res.Inserted, "updated", res.Replaced)
	}

	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()
	for _, o := range observers {
		o.FeedRefreshed(res)
	}
	return res
}

// addedAfter is the later of the feed's own bound and the lookback window.
func (c *SyncController) addedAfter(f feed.Feed, now time.Time) string {
	if c.lookback <= 0 {
		return f.AddedAfter
	}
	bound := now.Add(-c.lookback).UTC()
	if f.AddedAfter != "" {
		if t, err := time.Parse(time.RFC3339Nano, f.AddedAfter); err == nil && t.After(bound) {
			return f.AddedAfter
		}
	}
	return bound.Format(time.RFC3339Nano)
}
