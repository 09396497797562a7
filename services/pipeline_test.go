package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"carwatch/models"
	"carwatch/scraper"
	"carwatch/storage"
)

// scriptedAdapter serves one fixed page of fragments and can block until
// released.
type scriptedAdapter struct {
	mu        sync.Mutex
	fragments []*models.RawListing
	started   chan struct{}
	release   chan struct{}
}

func (a *scriptedAdapter) Source() string { return "test" }

func (a *scriptedAdapter) FetchPage(ctx context.Context, page int) (scraper.PageResult, error) {
	if a.started != nil {
		close(a.started)
		a.started = nil
		select {
		case <-a.release:
		case <-ctx.Done():
			return scraper.PageResult{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if page > 1 {
		return scraper.PageResult{}, nil
	}
	return scraper.PageResult{Fragments: a.fragments}, nil
}

func (a *scriptedAdapter) serve(frags ...*models.RawListing) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fragments = frags
}

func raw(ext, price string) *models.RawListing {
	return &models.RawListing{
		ExternalID: ext,
		Source:     "test",
		URL:        "https://example.org/listing/" + ext,
		Title:      "2018 Honda Civic LX",
		RawPrice:   price,
		RawMileage: "65k miles",
	}
}

type recordingWriter struct {
	rows int
}

func (w *recordingWriter) WriteRaw(l []*models.RawListing) error { w.rows += len(l); return nil }
func (w *recordingWriter) Close() error                        { return nil }

func newTestPipeline(store storage.Store, adapter scraper.SourceAdapter, transport Transport, opts ...PipelineOption) *Pipeline {
	fetcher := scraper.NewFetcher([]scraper.SourceAdapter{adapter}, 1, 0, 1)
	reconciler := NewReconciler(store, 7*24*time.Hour, false)
	matcher := NewAlertMatcher(store, NewDispatcher(transport))
	return NewPipeline(store, fetcher, reconciler, matcher, newTestLogger(), opts...)
}

func TestRunPassEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	adapter := &scriptedAdapter{}
	transport := &fakeTransport{}
	snapshot := &recordingWriter{}
	p := newTestPipeline(store, adapter, transport, WithSnapshot(snapshot))

	alert := &models.Alert{
		Email:    "buyer@example.org",
		IsActive: true,
		Criteria: models.AlertCriteria{Make: models.StringPtr("Honda"), MaxPrice: decimal.NewNullDecimal(decimal.NewFromInt(12000))},
	}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatal(err)
	}

	adapter.serve(raw("x1", "$10,000"), &models.RawListing{ExternalID: "broken", Title: "no url"})
	sum, err := p.RunPass(ctx, 1)
	if err != nil {
		t.Fatalf("pass 1: %v", err)
	}
	if sum.PassID == "" || sum.FinishedAt.IsZero() {
		t.Error("summary should carry a pass id and finish time")
	}
	if sum.Reconcile.New != 1 || sum.Canonical != 1 {
		t.Errorf("pass 1: new=%d canonical=%d; want 1 and 1", sum.Reconcile.New, sum.Canonical)
	}
	if sum.Errors[models.ErrFragmentParse] != 1 {
		t.Errorf("fragment_parse errors = %d; want 1", sum.Errors[models.ErrFragmentParse])
	}
	if sum.Match.NewMatches != 1 || len(transport.sent) != 1 {
		t.Errorf("pass 1: matches=%d sent=%d; want 1 and 1", sum.Match.NewMatches, len(transport.sent))
	}
	if snapshot.rows != 2 {
		t.Errorf("snapshot rows = %d; want 2", snapshot.rows)
	}

	stored := store.ListingByExternalID("x1")
	if stored == nil || stored.Mileage == nil || *stored.Mileage != 65000 {
		t.Fatalf("stored listing = %+v; want mileage 65000", stored)
	}

	adapter.serve(raw("x1", "$9,500"))
	sum, err = p.RunPass(ctx, 1)
	if err != nil {
		t.Fatalf("pass 2: %v", err)
	}
	res := sum.Reconcile.Results[0]
	if res.Classification != models.ClassPriceChanged || res.Direction != models.DirectionDecrease {
		t.Errorf("pass 2 = %s/%s; want price_changed/decrease", res.Classification, res.Direction)
	}
	if !res.Delta.Decimal.Equal(decimal.NewFromInt(-500)) {
		t.Errorf("delta = %s; want -500", res.Delta.Decimal)
	}
	history, err := store.PriceHistory(ctx, stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || !history[1].Price.Decimal.Equal(decimal.NewFromInt(9500)) {
		t.Errorf("history = %d rows; want 2 ending at 9500", len(history))
	}
	if sum.Match.NewMatches != 0 || len(transport.sent) != 1 {
		t.Error("an already matched listing must not notify again")
	}
	if sum.TotalErrors() != 0 {
		t.Errorf("pass 2 errors = %v; want none", sum.Errors)
	}
}

func TestRunPassRejectsOverlap(t *testing.T) {
	store := storage.NewMemoryStore()
	adapter := &scriptedAdapter{started: make(chan struct{}), release: make(chan struct{})}
	adapter.serve(raw("x1", "$1"))
	p := newTestPipeline(store, adapter, &fakeTransport{})

	started := adapter.started
	done := make(chan error, 1)
	go func() {
		_, err := p.RunPass(context.Background(), 1)
		done <- err
	}()
	<-started

	if _, err := p.RunPass(context.Background(), 1); !errors.Is(err, ErrPassInProgress) {
		t.Errorf("overlapping RunPass = %v; want ErrPassInProgress", err)
	}

	close(adapter.release)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if _, err := p.RunPass(context.Background(), 1); err != nil {
		t.Errorf("pass after release = %v; want nil", err)
	}
}

type unreachableStore struct {
	*storage.MemoryStore
}

func (unreachableStore) Ping(ctx context.Context) error { return errors.New("dial tcp: connection refused") }

func TestRunPassFailsWhenStoreUnreachable(t *testing.T) {
	adapter := &scriptedAdapter{}
	adapter.serve(raw("x1", "$1"))
	store := unreachableStore{storage.NewMemoryStore()}
	p := newTestPipeline(store, adapter, &fakeTransport{})

	if _, err := p.RunPass(context.Background(), 1); err == nil {
		t.Fatal("expected a fatal error")
	}
	if store.ListingByExternalID("x1") != nil {
		t.Error("nothing should be reconciled when the store is unreachable")
	}
}

func TestRunPassCancelled(t *testing.T) {
	adapter := &scriptedAdapter{}
	adapter.serve(raw("x1", "$1"))
	store := storage.NewMemoryStore()
	p := newTestPipeline(store, adapter, &fakeTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := p.RunPass(ctx, 1)
	if err == nil && !sum.Cancelled {
		t.Error("a cancelled pass should report Cancelled or an error")
	}
	if store.ListingByExternalID("x1") != nil {
		t.Error("cancelled pass should not reconcile")
	}
}
