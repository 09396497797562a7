package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"carwatch/models"
)

// ErrNotFound is returned by the read API for unknown ids.
var ErrNotFound = errors.New("storage: not found")

// ListingTx is the set of operations one listing's reconcile step runs
// inside a single short transaction.
type ListingTx interface {
	// UpsertListing inserts by external id (first_seen = last_seen = now,
	// is_active = true) or updates price, last_seen and updated_at of the
	// existing row. When reactivate is set an existing row is also marked
	// active. It returns the row id and the price now stored.
	UpsertListing(ctx context.Context, l *models.Listing, now time.Time, reactivate bool) (int64, decimal.NullDecimal, error)
	AppendPriceHistory(ctx context.Context, listingID int64, price decimal.NullDecimal, at time.Time) error
	// LastHistoryPrice returns the most recent history price; ok is false
	// when the listing has no history at all.
	LastHistoryPrice(ctx context.Context, listingID int64) (price decimal.NullDecimal, ok bool, err error)
	HasHistory(ctx context.Context, listingID int64) (bool, error)
}

// Store is the persistent store consumed by the ingestion pipeline.
type Store interface {
	ListingTx

	Ping(ctx context.Context) error
	// WithListingTx runs fn in one transaction scoped to a single listing.
	WithListingTx(ctx context.Context, fn func(tx ListingTx) error) error
	// MarkStaleInactive deactivates active listings last seen before cutoff
	// and returns their ids.
	MarkStaleInactive(ctx context.Context, cutoff time.Time) ([]int64, error)
	ListActiveAlerts(ctx context.Context) ([]*models.Alert, error)
	// FindUnmatchedActiveListings returns active listings that satisfy the
	// alert's criteria and have no AlertMatch row for this alert.
	FindUnmatchedActiveListings(ctx context.Context, alert *models.Alert) ([]*models.Listing, error)
	// RecordMatch inserts the (alert, listing) marker. It reports false when
	// the pair was already recorded.
	RecordMatch(ctx context.Context, alertID, listingID int64, at time.Time) (bool, error)
	Close() error
}

// ListingQuery is a paginated listing search for the read API.
type ListingQuery struct {
	Filter    ListingFilter
	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

// ReadStore backs the web/CRUD surface.
type ReadStore interface {
	SearchListings(ctx context.Context, q ListingQuery) ([]*models.Listing, int, error)
	GetListing(ctx context.Context, id int64) (*models.Listing, error)
	PriceHistory(ctx context.Context, listingID int64) ([]*models.PriceHistoryEntry, error)
	CreateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id int64) (*models.Alert, error)
	ListAlerts(ctx context.Context) ([]*models.Alert, error)
	UpdateAlert(ctx context.Context, a *models.Alert) error
	DeleteAlert(ctx context.Context, id int64) error
}

// RawListingWriter persists unprocessed scraped fragments.
type RawListingWriter interface {
	WriteRaw(listings []*models.RawListing) error
	Close() error
}

// sortColumns whitelists the columns a listing search may sort by.
var sortColumns = map[string]string{
	"price":      "price",
	"year":       "year",
	"mileage":    "mileage",
	"updated_at": "updated_at",
	"first_seen": "first_seen",
}

// normaliseSort returns a whitelisted column and direction.
func normaliseSort(by, order string) (string, string) {
	col, ok := sortColumns[by]
	if !ok {
		col = "updated_at"
	}
	if order == "asc" || order == "ASC" {
		return col, "ASC"
	}
	return col, "DESC"
}
