package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"carwatch/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func car(ext string, price int64, year, mileage *int) *models.Listing {
	l := &models.Listing{
		ExternalID: ext,
		Source:     "craigslist",
		URL:        "https://x.test/" + ext,
		Title:      "car " + ext,
		Make:       models.StringPtr("Honda"),
		Year:       year,
		Mileage:    mileage,
	}
	if price > 0 {
		l.Price = decimal.NewNullDecimal(decimal.NewFromInt(price))
	}
	return l
}

func TestUpsertListing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, price, err := s.UpsertListing(ctx, car("a", 10000, nil, nil), t0, false)
	if err != nil {
		t.Fatal(err)
	}
	if !price.Decimal.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("price = %s", price.Decimal)
	}

	later := t0.Add(24 * time.Hour)
	id2, price, err := s.UpsertListing(ctx, car("a", 9000, nil, nil), later, false)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id {
		t.Errorf("second upsert id = %d; want %d", id2, id)
	}
	if !price.Decimal.Equal(decimal.NewFromInt(9000)) {
		t.Errorf("price after update = %s", price.Decimal)
	}

	got := s.ListingByExternalID("a")
	if !got.FirstSeen.Equal(t0) || !got.LastSeen.Equal(later) || !got.IsActive {
		t.Errorf("first_seen=%v last_seen=%v active=%v", got.FirstSeen, got.LastSeen, got.IsActive)
	}
}

func TestUpsertReactivate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, _, err := s.UpsertListing(ctx, car("a", 1, nil, nil), t0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkStaleInactive(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		reactivate bool
		want       bool
	}{
		{false, false},
		{true, true},
	}
	for _, tt := range tests {
		if _, _, err := s.UpsertListing(ctx, car("a", 1, nil, nil), t0, tt.reactivate); err != nil {
			t.Fatal(err)
		}
		if got := s.ListingByExternalID("a").IsActive; got != tt.want {
			t.Errorf("reactivate=%v: active = %v; want %v", tt.reactivate, got, tt.want)
		}
	}
}

func TestPriceHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, _, _ := s.UpsertListing(ctx, car("a", 0, nil, nil), t0, false)
	if ok, _ := s.HasHistory(ctx, id); ok {
		t.Fatal("new listing should have no history")
	}
	if _, ok, _ := s.LastHistoryPrice(ctx, id); ok {
		t.Fatal("LastHistoryPrice ok on empty history")
	}

	if err := s.AppendPriceHistory(ctx, id, decimal.NullDecimal{}, t0); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPriceHistory(ctx, id, decimal.NewNullDecimal(decimal.NewFromInt(8000)), t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	last, ok, err := s.LastHistoryPrice(ctx, id)
	if err != nil || !ok || !last.Decimal.Equal(decimal.NewFromInt(8000)) {
		t.Errorf("last = %v ok=%v err=%v", last, ok, err)
	}
	h, err := s.PriceHistory(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 2 || h[0].Price.Valid {
		t.Errorf("history = %d rows, first valid=%v; want 2 with a null first", len(h), h[0].Price.Valid)
	}

	if err := s.AppendPriceHistory(ctx, 999, decimal.NullDecimal{}, t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("append for unknown listing = %v; want ErrNotFound", err)
	}
}

func TestRecordMatchIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.RecordMatch(ctx, 1, 2, t0)
	if err != nil || !first {
		t.Fatalf("first RecordMatch = %v, %v", first, err)
	}
	again, err := s.RecordMatch(ctx, 1, 2, t0.Add(time.Hour))
	if err != nil || again {
		t.Fatalf("second RecordMatch = %v, %v; want false", again, err)
	}
	if n := s.MatchCount(1); n != 1 {
		t.Errorf("MatchCount = %d; want 1", n)
	}
}

func TestMarkStaleInactive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, ext := range []string{"old", "fresh", "edge"} {
		if _, _, err := s.UpsertListing(ctx, car(ext, 1, nil, nil), t0, false); err != nil {
			t.Fatal(err)
		}
	}
	cutoff := t0.Add(-7 * 24 * time.Hour)
	s.SetLastSeen("old", cutoff.Add(-time.Second))
	s.SetLastSeen("edge", cutoff)

	ids, err := s.MarkStaleInactive(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != s.ListingByExternalID("old").ID {
		t.Errorf("deactivated = %v; want only the old listing", ids)
	}
	if !s.ListingByExternalID("edge").IsActive {
		t.Error("a listing seen exactly at the cutoff stays active")
	}

	ids, _ = s.MarkStaleInactive(ctx, cutoff)
	if len(ids) != 0 {
		t.Errorf("second run deactivated %v; want none", ids)
	}
}

func TestFindUnmatchedActiveListings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, _, _ := s.UpsertListing(ctx, car("a", 9000, nil, nil), t0, false)
	s.UpsertListing(ctx, car("b", 20000, nil, nil), t0, false)
	s.UpsertListing(ctx, car("c", 0, nil, nil), t0, false)

	alert := &models.Alert{IsActive: true, Criteria: models.AlertCriteria{
		Make:     models.StringPtr("honda"),
		MaxPrice: decimal.NewNullDecimal(decimal.NewFromInt(15000)),
	}}
	if err := s.CreateAlert(ctx, alert); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindUnmatchedActiveListings(ctx, alert)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != a {
		t.Fatalf("candidates = %d; want only listing a", len(got))
	}

	s.RecordMatch(ctx, alert.ID, a, t0)
	got, _ = s.FindUnmatchedActiveListings(ctx, alert)
	if len(got) != 0 {
		t.Errorf("matched listing returned again")
	}
}

func TestSearchListingsSortAndPage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.UpsertListing(ctx, car("mid", 15000, models.IntPtr(2016), models.IntPtr(80000)), t0, false)
	s.UpsertListing(ctx, car("none", 0, nil, nil), t0, false)
	s.UpsertListing(ctx, car("low", 5000, models.IntPtr(2008), models.IntPtr(150000)), t0, false)
	s.UpsertListing(ctx, car("high", 30000, models.IntPtr(2022), models.IntPtr(10000)), t0, false)

	tests := []struct {
		sortBy, order string
		want          []string
	}{
		{"price", "asc", []string{"low", "mid", "high", "none"}},
		{"price", "desc", []string{"high", "mid", "low", "none"}},
		{"year", "desc", []string{"high", "mid", "low", "none"}},
		{"mileage", "asc", []string{"high", "mid", "low", "none"}},
	}
	for _, tt := range tests {
		ls, total, err := s.SearchListings(ctx, ListingQuery{SortBy: tt.sortBy, SortOrder: tt.order})
		if err != nil {
			t.Fatal(err)
		}
		if total != 4 {
			t.Errorf("total = %d; want 4", total)
		}
		if got := externalIDs(ls); !equalStrings(got, tt.want) {
			t.Errorf("%s %s = %v; want %v", tt.sortBy, tt.order, got, tt.want)
		}
	}

	ls, total, _ := s.SearchListings(ctx, ListingQuery{SortBy: "price", SortOrder: "asc", Limit: 2, Offset: 2})
	if total != 4 || !equalStrings(externalIDs(ls), []string{"high", "none"}) {
		t.Errorf("page 2 = %v (total %d)", externalIDs(ls), total)
	}
	ls, _, _ = s.SearchListings(ctx, ListingQuery{Offset: 10})
	if len(ls) != 0 {
		t.Errorf("offset past end returned %d rows", len(ls))
	}
}

func TestAlertCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := &models.Alert{Email: "a@example.org", IsActive: true}
	if err := s.CreateAlert(ctx, a); err != nil {
		t.Fatal(err)
	}
	s.RecordMatch(ctx, a.ID, 42, t0)

	a.IsActive = false
	if err := s.UpdateAlert(ctx, a); err != nil {
		t.Fatal(err)
	}
	active, _ := s.ListActiveAlerts(ctx)
	if len(active) != 0 {
		t.Errorf("active alerts = %d; want 0", len(active))
	}

	if err := s.DeleteAlert(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if s.MatchCount(a.ID) != 0 {
		t.Error("deleting an alert should drop its matches")
	}
	if _, err := s.GetAlert(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAlert after delete = %v; want ErrNotFound", err)
	}
	if err := s.UpdateAlert(ctx, a); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateAlert after delete = %v; want ErrNotFound", err)
	}
}

func externalIDs(ls []*models.Listing) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.ExternalID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
