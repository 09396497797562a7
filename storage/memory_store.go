package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"carwatch/models"
)

// MemoryStore is an in-process Store and ReadStore. It backs STORE=memory
// runs and the tests. WithListingTx does not roll back on error.
type MemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	listings   map[int64]*models.Listing
	byExternal map[string]int64
	history    map[int64][]*models.PriceHistoryEntry
	alerts     map[int64]*models.Alert
	matches    map[[2]int64]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:   make(map[int64]*models.Listing),
		byExternal: make(map[string]int64),
		history:    make(map[int64][]*models.PriceHistoryEntry),
		alerts:     make(map[int64]*models.Alert),
		matches:    make(map[[2]int64]time.Time),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) WithListingTx(ctx context.Context, fn func(tx ListingTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s)
}

func (s *MemoryStore) UpsertListing(ctx context.Context, l *models.Listing, now time.Time, reactivate bool) (int64, decimal.NullDecimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byExternal[l.ExternalID]; ok {
		cur := s.listings[id]
		cur.Price = l.Price
		cur.LastSeen = now
		cur.UpdatedAt = now
		if reactivate {
			cur.IsActive = true
		}
		return id, cur.Price, nil
	}

	row := *l
	row.ID = s.id()
	row.FirstSeen = now
	row.LastSeen = now
	row.CreatedAt = now
	row.UpdatedAt = now
	row.IsActive = true
	s.listings[row.ID] = &row
	s.byExternal[row.ExternalID] = row.ID
	return row.ID, row.Price, nil
}

func (s *MemoryStore) AppendPriceHistory(ctx context.Context, listingID int64, price decimal.NullDecimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[listingID]; !ok {
		return ErrNotFound
	}
	s.history[listingID] = append(s.history[listingID], &models.PriceHistoryEntry{
		ID:         s.id(),
		ListingID:  listingID,
		Price:      price,
		RecordedAt: at,
	})
	return nil
}

func (s *MemoryStore) LastHistoryPrice(ctx context.Context, listingID int64) (decimal.NullDecimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[listingID]
	if len(h) == 0 {
		return decimal.NullDecimal{}, false, nil
	}
	return h[len(h)-1].Price, true, nil
}

func (s *MemoryStore) HasHistory(ctx context.Context, listingID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history[listingID]) > 0, nil
}

func (s *MemoryStore) MarkStaleInactive(ctx context.Context, cutoff time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id, l := range s.listings {
		if l.IsActive && l.LastSeen.Before(cutoff) {
			l.IsActive = false
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Alert
	for _, a := range s.sortedAlerts() {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindUnmatchedActiveListings(ctx context.Context, alert *models.Alert) ([]*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := FilterFromCriteria(alert.ID, alert.Criteria)
	var out []*models.Listing
	for _, l := range s.sortedListings() {
		if _, matched := s.matches[[2]int64{alert.ID, l.ID}]; matched {
			continue
		}
		if f.Matches(l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordMatch(ctx context.Context, alertID, listingID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]int64{alertID, listingID}
	if _, ok := s.matches[key]; ok {
		return false, nil
	}
	s.matches[key] = at
	return true, nil
}

// MatchCount returns the number of recorded (alert, listing) pairs for an alert.
func (s *MemoryStore) MatchCount(alertID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for k := range s.matches {
		if k[0] == alertID {
			n++
		}
	}
	return n
}

// ListingByExternalID returns a copy of the stored listing, or nil.
func (s *MemoryStore) ListingByExternalID(externalID string) *models.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil
	}
	cp := *s.listings[id]
	return &cp
}

// SetLastSeen overrides a listing's last_seen. Used to age listings in tests.
func (s *MemoryStore) SetLastSeen(externalID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byExternal[externalID]; ok {
		s.listings[id].LastSeen = t
	}
}

func (s *MemoryStore) SearchListings(ctx context.Context, q ListingQuery) ([]*models.Listing, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Listing
	for _, l := range s.sortedListings() {
		if q.Filter.Matches(l) {
			matched = append(matched, l)
		}
	}

	col, dir := normaliseSort(q.SortBy, q.SortOrder)
	sort.SliceStable(matched, func(i, j int) bool {
		if ni, nj := nullAt(col, matched[i]), nullAt(col, matched[j]); ni != nj {
			return nj
		}
		if dir == "DESC" {
			return lessBy(col, matched[j], matched[i])
		}
		return lessBy(col, matched[i], matched[j])
	})

	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) PriceHistory(ctx context.Context, listingID int64) ([]*models.PriceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.listings[listingID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*models.PriceHistoryEntry, 0, len(s.history[listingID]))
	for _, e := range s.history[listingID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = s.id()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedAlerts(), nil
}

func (s *MemoryStore) UpdateAlert(ctx context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.alerts[a.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Email = a.Email
	cur.Criteria = a.Criteria
	cur.IsActive = a.IsActive
	a.CreatedAt = cur.CreatedAt
	return nil
}

func (s *MemoryStore) DeleteAlert(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[id]; !ok {
		return ErrNotFound
	}
	delete(s.alerts, id)
	for k := range s.matches {
		if k[0] == id {
			delete(s.matches, k)
		}
	}
	return nil
}

// sortedListings returns copies ordered by id. Callers hold the lock.
func (s *MemoryStore) sortedListings() []*models.Listing {
	out := make([]*models.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sortedAlerts returns copies ordered by id. Callers hold the lock.
func (s *MemoryStore) sortedAlerts() []*models.Alert {
	out := make([]*models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// nullAt reports whether the sort column is NULL; NULLs sort last in
// either direction, like NULLS LAST.
func nullAt(col string, l *models.Listing) bool {
	switch col {
	case "price":
		return !l.Price.Valid
	case "year":
		return l.Year == nil
	case "mileage":
		return l.Mileage == nil
	}
	return false
}

// lessBy orders two listings by a sort column.
func lessBy(col string, a, b *models.Listing) bool {
	switch col {
	case "price":
		if !a.Price.Valid || !b.Price.Valid {
			return a.Price.Valid && !b.Price.Valid
		}
		return a.Price.Decimal.LessThan(b.Price.Decimal)
	case "year":
		return lessIntPtr(a.Year, b.Year)
	case "mileage":
		return lessIntPtr(a.Mileage, b.Mileage)
	case "first_seen":
		return a.FirstSeen.Before(b.FirstSeen)
	default:
		return a.UpdatedAt.Before(b.UpdatedAt)
	}
}

func lessIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a != nil && b == nil
	}
	return *a < *b
}
