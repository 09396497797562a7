package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"carwatch/mailer"
	"carwatch/models"
	"carwatch/storage"
)

type sentMessage struct {
	to, subject, body string
}

// fakeTransport records messages and fails when err is set.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeTransport) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to, subject, body})
	return nil
}

func seedListings(t *testing.T, store *storage.MemoryStore, batch ...*models.Listing) {
	t.Helper()
	now := baseTime
	r := newTestReconciler(store, &now)
	if _, err := r.Reconcile(context.Background(), newTestLogger(), batch); err != nil {
		t.Fatal(err)
	}
}

func hondaAlert(t *testing.T, store *storage.MemoryStore, maxPrice int64) *models.Alert {
	t.Helper()
	a := &models.Alert{
		Email:    "buyer@example.org",
		IsActive: true,
		Criteria: models.AlertCriteria{
			Make:     models.StringPtr("honda"),
			MaxPrice: decimal.NewNullDecimal(decimal.NewFromInt(maxPrice)),
		},
	}
	if err := store.CreateAlert(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestCheckAlertsMatchesEachPairOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedListings(t, store, listing("h1", "9000"), listing("h2", "20000"))
	alert := hondaAlert(t, store, 15000)

	transport := &fakeTransport{}
	m := NewAlertMatcher(store, NewDispatcher(transport))

	sum, err := m.CheckAlerts(ctx, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sum.NewMatches != 1 || sum.NotificationsSent != 1 {
		t.Fatalf("first check = %+v; want 1 match, 1 notification", sum)
	}

	// Price drops into range for h2; h1 was already matched.
	seedListings(t, store, listing("h1", "8000"), listing("h2", "14000"))
	sum, err = m.CheckAlerts(ctx, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sum.NewMatches != 1 {
		t.Errorf("second check NewMatches = %d; want 1 (only h2)", sum.NewMatches)
	}

	sum, err = m.CheckAlerts(ctx, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sum.NewMatches != 0 || sum.NotificationsSent != 0 {
		t.Errorf("third check = %+v; want nothing new", sum)
	}
	if got := store.MatchCount(alert.ID); got != 2 {
		t.Errorf("MatchCount = %d; want 2", got)
	}
	if len(transport.sent) != 2 {
		t.Errorf("sent %d messages; want 2", len(transport.sent))
	}
}

func TestCheckAlertsBatchesOneNotificationPerAlert(t *testing.T) {
	store := storage.NewMemoryStore()
	var batch []*models.Listing
	for i := 0; i < 12; i++ {
		batch = append(batch, listing(fmt.Sprintf("h%d", i), "5000"))
	}
	seedListings(t, store, batch...)
	hondaAlert(t, store, 10000)

	transport := &fakeTransport{}
	sum, err := NewAlertMatcher(store, NewDispatcher(transport)).CheckAlerts(context.Background(), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sum.NewMatches != 12 {
		t.Errorf("NewMatches = %d; want 12", sum.NewMatches)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d messages; want 1", len(transport.sent))
	}
	if !strings.Contains(transport.sent[0].body, "+2 more") {
		t.Error("body should end with +2 more")
	}
}

func TestCheckAlertsSkipsInactiveAlertsAndListings(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedListings(t, store, listing("h1", "5000"))
	store.SetLastSeen("h1", baseTime.AddDate(0, 0, -10))
	now := baseTime
	if _, err := newTestReconciler(store, &now).Housekeeping(ctx, newTestLogger()); err != nil {
		t.Fatal(err)
	}

	off := hondaAlert(t, store, 10000)
	off.IsActive = false
	if err := store.UpdateAlert(ctx, off); err != nil {
		t.Fatal(err)
	}
	hondaAlert(t, store, 10000)

	sum, err := NewAlertMatcher(store, NewDispatcher(&fakeTransport{})).CheckAlerts(ctx, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sum.AlertsChecked != 1 {
		t.Errorf("AlertsChecked = %d; want 1", sum.AlertsChecked)
	}
	if sum.NewMatches != 0 {
		t.Errorf("inactive listing matched: %+v", sum)
	}
}

func TestCheckAlertsCountsTransportFailureAndKeepsMatch(t *testing.T) {
	store := storage.NewMemoryStore()
	seedListings(t, store, listing("h1", "5000"))
	alert := hondaAlert(t, store, 10000)
	hondaAlert(t, store, 10000)

	transport := &fakeTransport{err: errors.New("421 service not available")}
	sum, err := NewAlertMatcher(store, NewDispatcher(transport)).CheckAlerts(context.Background(), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sum.TransportErrors != 2 || sum.AlertsChecked != 2 {
		t.Errorf("summary = %+v; want 2 transport errors over 2 alerts", sum)
	}
	if got := store.MatchCount(alert.ID); got != 1 {
		t.Errorf("match should be recorded before dispatch; MatchCount = %d", got)
	}
}

func TestCheckAlertsSkipsUnconfiguredTransport(t *testing.T) {
	store := storage.NewMemoryStore()
	seedListings(t, store, listing("h1", "5000"))
	hondaAlert(t, store, 10000)

	transport := &fakeTransport{err: mailer.ErrNotConfigured}
	sum, err := NewAlertMatcher(store, NewDispatcher(transport)).CheckAlerts(context.Background(), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sum.NotificationsSkipped != 1 || sum.ConfigurationErrors != 1 || sum.TransportErrors != 0 {
		t.Errorf("summary = %+v; want one configuration skip", sum)
	}
}
