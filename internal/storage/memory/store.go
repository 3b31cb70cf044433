// Package memory keeps collector state in process memory. It backs dry runs
// (db.driver: memory) and tests, and mirrors the Postgres store's semantics.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

var _ collector.Store = (*Store)(nil)

// Store implements collector.Store.
type Store struct {
	mu         sync.RWMutex
	sources    []collector.Source
	sourceKeys map[string]struct{}
	identities []collector.Identity
	byURL      map[string]int
	runs       []collector.Run
	usage      []collector.UsageRecord
	now        func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sourceKeys: make(map[string]struct{}),
		byURL:      make(map[string]int),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// EnsureSource inserts source unless its key exists.
func (s *Store) EnsureSource(_ context.Context, source collector.Source) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sourceKeys[source.Key]; ok {
		return false, nil
	}
	source.ID = int64(len(s.sources) + 1)
	if source.CreatedAt.IsZero() {
		source.CreatedAt = s.now()
	}
	s.sources = append(s.sources, source)
	s.sourceKeys[source.Key] = struct{}{}
	return true, nil
}

// ListSources returns sources in insertion order.
func (s *Store) ListSources(context.Context) ([]collector.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sources), nil
}

// OpenRun allocates the next run id.
func (s *Store) OpenRun(_ context.Context, collectedAt time.Time) (collector.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := collector.Run{ID: int64(len(s.runs) + 1), CollectedAt: collectedAt}
	s.runs = append(s.runs, run)
	return run, nil
}

// LatestRun returns the run with the highest id.
func (s *Store) LatestRun(context.Context) (collector.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.runs) == 0 {
		return collector.Run{}, collector.ErrNotFound
	}
	return s.runs[len(s.runs)-1], nil
}

// ListIdentityURLs returns every stored URL.
func (s *Store) ListIdentityURLs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	urls := make([]string, 0, len(s.identities))
	for _, id := range s.identities {
		urls = append(urls, id.URL)
	}
	return urls, nil
}

// InsertIdentities adds identities whose URL is new.
func (s *Store) InsertIdentities(_ context.Context, identities []collector.Identity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, id := range identities {
		if _, exists := s.byURL[id.URL]; exists {
			continue
		}
		id.ID = int64(len(s.identities) + 1)
		if id.CreatedAt.IsZero() {
			id.CreatedAt = s.now()
		}
		id.UpdatedAt = id.CreatedAt
		id.Description = cloneString(id.Description)
		id.Category = cloneCategory(id.Category)
		id.TokensUsed = cloneString(id.TokensUsed)
		s.byURL[id.URL] = len(s.identities)
		s.identities = append(s.identities, id)
		inserted++
	}
	return inserted, nil
}

// RefreshAmounts updates the last-seen amount of known URLs; unknown URLs are ignored.
func (s *Store) RefreshAmounts(_ context.Context, updates []collector.AmountUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		idx, ok := s.byURL[u.URL]
		if !ok {
			continue
		}
		amount := u.TokensUsed
		s.identities[idx].TokensUsed = &amount
		s.identities[idx].UpdatedAt = u.UpdatedAt
	}
	return nil
}

// ListIdentitiesMissing returns identities eligible under policy.
func (s *Store) ListIdentitiesMissing(_ context.Context, policy collector.BackfillPolicy) ([]collector.Identity, error) {
	if _, err := collector.ParseBackfillPolicy(string(policy)); err != nil {
		return nil, fmt.Errorf("list identities missing: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []collector.Identity
	for _, id := range s.identities {
		if policy.Needs(id) {
			out = append(out, cloneIdentity(id))
		}
	}
	return out, nil
}

// ListIdentities returns a copy of every identity.
func (s *Store) ListIdentities(context.Context) ([]collector.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collector.Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, cloneIdentity(id))
	}
	return out, nil
}

// UpdateIdentityMetadata fills null fields only.
func (s *Store) UpdateIdentityMetadata(_ context.Context, id int64, update collector.MetadataUpdate) error {
	if update.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || int(id) > len(s.identities) {
		return fmt.Errorf("update identity %d: %w", id, collector.ErrNotFound)
	}
	target := &s.identities[id-1]
	if target.Description == nil {
		target.Description = cloneString(update.Description)
	}
	if target.Category == nil {
		target.Category = cloneCategory(update.Category)
	}
	target.UpdatedAt = update.UpdatedAt
	return nil
}

// AppendUsage appends history rows.
func (s *Store) AppendUsage(_ context.Context, records []collector.UsageRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, records...)
	return len(records), nil
}

// ListUsageByRun returns one run's history rows in insertion order.
func (s *Store) ListUsageByRun(_ context.Context, runID int64) ([]collector.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []collector.UsageRecord
	for _, r := range s.usage {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func cloneIdentity(id collector.Identity) collector.Identity {
	id.Description = cloneString(id.Description)
	id.Category = cloneCategory(id.Category)
	id.TokensUsed = cloneString(id.TokensUsed)
	return id
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneCategory(v *collector.Category) *collector.Category {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
