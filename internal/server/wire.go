package server

import (
	"fmt"
	"log/slog"

	"github.com/BedeschiL/Taxii-client/internal/feed"
	"github.com/BedeschiL/Taxii-client/internal/indicator"
	"github.com/BedeschiL/Taxii-client/internal/taxii"
	"github.com/BedeschiL/Taxii-client/internal/threat"
)

// Components is the object graph shared by the daemon and the CLI.
type Components struct {
	Client  *taxii.Client
	Feeds   *feed.Registry
	Store   *indicator.Store
	Sync    *threat.SyncController
	Service *threat.Service
}

// Assemble opens the persisted registry and store under cfg and wires them
// to a TAXII client. opts are applied to the client after those derived
// from cfg.
func Assemble(cfg *Config, logger *slog.Logger, opts ...taxii.Option) (*Components, error) {
	feeds, err := feed.Open(cfg.FeedsPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open feed registry: %w", err)
	}
	store, err := indicator.Open(cfg.IndicatorsPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open indicator store: %w", err)
	}

	client := taxii.NewClient(append([]taxii.Option{
		taxii.WithTimeout(cfg.RequestTimeout),
		taxii.WithRateLimit(cfg.RequestsPerSecond, 1),
		taxii.WithLogger(logger),
	}, opts...)...)
	sync := threat.NewSyncController(client, feeds, store,
		threat.WithWorkers(cfg.Workers),
		threat.WithPageSize(cfg.PageSize),
		threat.WithLookback(cfg.Lookback),
		threat.WithSyncLogger(logger),
	)
	return &Components{
		Client:  client,
		Feeds:   feeds,
		Store:   store,
		Sync:    sync,
		Service: threat.NewService(client, feeds, store, sync, logger),
	}, nil
}
