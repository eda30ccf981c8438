// Package indicator is the deduplicated store of STIX objects merged from
// every feed.
//
// Records are keyed by STIX id alone. Two versions of the same object
// (same id, different "modified") collapse into one record and the last
// write wins; the store raises no conflict for it.
package indicator

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/willf/bloom"

	"github.com/BedeschiL/Taxii-client/internal/logging"
	"github.com/BedeschiL/Taxii-client/internal/metrics"
	"github.com/BedeschiL/Taxii-client/internal/persist"
	"github.com/BedeschiL/Taxii-client/internal/stix"
)

var ErrNotFound = errors.New("indicator not found")

// Bloom sizing for the known-id filter. Past this many ids the false
// positive rate grows and more lookups fall through to the index.
const (
	bloomCapacity = 200_000
	bloomFPRate   = 0.01
)

// Record is a stored STIX object plus where and when it was fetched.
type Record struct {
	Object    stix.Object `json:"object"`
	Source    string      `json:"source,omitempty"`
	Retrieved time.Time   `json:"retrieved"`
}

func (r Record) ID() string { return r.Object.ID() }

// MergeResult counts what a batch did to the store.
type MergeResult struct {
	Inserted int `json:"inserted"`
	Replaced int `json:"replaced"`
}

// Store holds at most one record per id. Batches are applied copy-on-write:
// the next state is built aside, persisted, and then swapped in, so readers
// see either none or all of a batch.
type Store struct {
	path   string
	logger *slog.Logger

	// wmu serializes writers and guards known.
	wmu   sync.Mutex
	known *bloom.BloomFilter

	mu      sync.RWMutex
	records []Record
	index   map[string]int
}

// Open loads the store at path. An empty path keeps it in memory only.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logging.Default(logger).With("component", "indicator-store"),
		known:  bloom.NewWithEstimates(bloomCapacity, bloomFPRate),
		index:  make(map[string]int),
	}
	if path == "" {
		return s, nil
	}

	records, found, err := persist.Load[[]Record](path)
	if err != nil {
		return nil, fmt.Errorf("load indicators: %w", err)
	}
	if found {
		// Tolerate files written by hand with repeated ids.
		for _, rec := range records {
			if err := rec.Object.Validate(); err != nil {
				return nil, fmt.Errorf("load indicators: %w", err)
			}
			id := rec.ID()
			if i, ok := s.index[id]; ok {
				s.records[i] = rec
				continue
			}
			s.index[id] = len(s.records)
			s.records = append(s.records, rec)
			s.known.Add([]byte(id))
		}
	}
	metrics.StoreIndicators.Set(float64(len(s.records)))
	s.logger.Info("indicators loaded", "path", path, "count", len(s.records))
	return s, nil
}

// Upsert stores rec, replacing any record with the same id.
func (s *Store) Upsert(rec Record) error {
	_, err := s.UpsertMany([]Record{rec})
	return err
}

// UpsertMany applies recs in order as one batch. Every record is validated
// first; an invalid record rejects the whole batch.
func (s *Store) UpsertMany(recs []Record) (MergeResult, error) {
	var res MergeResult
	for _, rec := range recs {
		if err := rec.Object.Validate(); err != nil {
			return res, err
		}
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	records := slices.Clone(s.records)
	index := make(map[string]int, len(s.index)+len(recs))
	for k, v := range s.index {
		index[k] = v
	}
	s.mu.RUnlock()

	for _, rec := range recs {
		id := rec.ID()
		key := []byte(id)
		// A negative from the filter means the id is certainly new.
		if s.known.Test(key) {
			if i, ok := index[id]; ok {
				records[i] = rec
				res.Replaced++
				continue
			}
			metrics.BloomFalsePositives.Inc()
		}
		index[id] = len(records)
		records = append(records, rec)
		s.known.Add(key)
		res.Inserted++
	}

	if err := s.commit(records, index); err != nil {
		// known may now hold ids that were never committed; that only
		// costs extra index lookups.
		return MergeResult{}, err
	}
	return res, nil
}

// List returns every record. The order is insertion order of first
// appearance, but callers should not rely on it across restarts.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.records[i], nil
}

// Search filters records by a case-insensitive substring of the display
// value, description, or type, and by a substring of the type. Empty
// arguments match everything.
func (s *Store) Search(query, typ string) []Record {
	query = strings.ToLower(strings.TrimSpace(query))
	typ = strings.ToLower(strings.TrimSpace(typ))

	s.mu.RLock()
	defer s.mu.RUnlock()
	if query == "" && typ == "" {
		return slices.Clone(s.records)
	}

	var out []Record
	for _, rec := range s.records {
		o := rec.Object
		otype := strings.ToLower(o.Type())
		if typ != "" && !strings.Contains(otype, typ) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(o.Value()), query) &&
			!strings.Contains(strings.ToLower(o.Description()), query) &&
			!strings.Contains(otype, query) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear empties the store and persists the empty state.
func (s *Store) Clear() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.commit(nil, make(map[string]int)); err != nil {
		return err
	}
	s.known.ClearAll()
	s.logger.Info("indicators cleared")
	return nil
}

// commit persists records and then publishes them. Callers hold wmu.
func (s *Store) commit(records []Record, index map[string]int) error {
	if records == nil {
		records = []Record{}
	}
	if s.path != "" {
		if err := persist.Save(s.path, records); err != nil {
			return fmt.Errorf("save indicators: %w", err)
		}
	}
	s.mu.Lock()
	s.records = records
	s.index = index
	s.mu.Unlock()
	metrics.StoreIndicators.Set(float64(len(records)))
	return nil
}
