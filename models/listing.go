package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawListing is one listing fragment as scraped from a search results page.
// All text fields are unprocessed; the canonicalizer owns every parsing rule.
type RawListing struct {
	ExternalID  string
	Source      string
	URL         string
	Title       string
	RawPrice    string
	Location    string
	RawMileage  string
	Description string
	ScrapedAt   time.Time
}

// Listing is the canonical vehicle record. Fields that could not be parsed
// from the source text are nil (or an invalid NullDecimal for Price).
type Listing struct {
	ID          int64               `json:"id"`
	ExternalID  string              `json:"external_id"`
	Source      string              `json:"source"`
	URL         string              `json:"url"`
	Title       string              `json:"title"`
	Price       decimal.NullDecimal `json:"price"`
	Year        *int                `json:"year"`
	Make        *string             `json:"make"`
	Model       *string             `json:"model"`
	Mileage     *int                `json:"mileage"`
	Location    string              `json:"location"`
	Description string              `json:"description"`
	FirstSeen   time.Time           `json:"first_seen"`
	LastSeen    time.Time           `json:"last_seen"`
	IsActive    bool                `json:"is_active"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// PriceHistoryEntry is one row of a listing's append-only price log.
type PriceHistoryEntry struct {
	ID         int64               `json:"id"`
	ListingID  int64               `json:"listing_id"`
	Price      decimal.NullDecimal `json:"price"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// MarketReport holds aggregate figures over a set of listings.
type MarketReport struct {
	TotalListings      int             `json:"total_listings"`
	ActiveListings     int             `json:"active_listings"`
	PricedListings     int             `json:"priced_listings"`
	AveragePrice       decimal.Decimal `json:"avg_price"`
	MedianPrice        decimal.Decimal `json:"median_price"`
	MinPrice           decimal.Decimal `json:"min_price"`
	MaxPrice           decimal.Decimal `json:"max_price"`
	MostExpensive      *Listing        `json:"most_expensive,omitempty"`
	TopMakes           []MakeCount     `json:"top_makes"`
	ListingsBySource   map[string]int  `json:"listings_by_source"`
	ListingsByLocation map[string]int  `json:"listings_by_location"`
}

// MakeCount pairs a manufacturer with its listing count.
type MakeCount struct {
	Make  string `json:"make"`
	Count int    `json:"count"`
}

// IntPtr and StringPtr are small helpers for optional fields.
func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }
