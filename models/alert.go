package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AlertCriteria is a saved search. Unset fields are wildcards.
type AlertCriteria struct {
	Make       *string             `json:"make,omitempty"`
	Model      *string             `json:"model,omitempty"`
	MinYear    *int                `json:"min_year,omitempty"`
	MaxYear    *int                `json:"max_year,omitempty"`
	MaxPrice   decimal.NullDecimal `json:"max_price"`
	MaxMileage *int                `json:"max_mileage,omitempty"`
}

// Alert is a subscriber's saved search.
type Alert struct {
	ID        int64         `json:"id"`
	Email     string        `json:"email"`
	Criteria  AlertCriteria `json:"criteria"`
	IsActive  bool          `json:"is_active"`
	CreatedAt time.Time     `json:"created_at"`
}

// AlertMatch marks an (alert, listing) pair that has already been notified.
type AlertMatch struct {
	AlertID   int64     `json:"alert_id"`
	ListingID int64     `json:"listing_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Describe renders the criteria as a short human-readable line,
// e.g. "Honda Civic, 2015-2020, under $15,000".
func (c AlertCriteria) Describe() string {
	var parts []string

	var name []string
	if c.Make != nil && strings.TrimSpace(*c.Make) != "" {
		name = append(name, strings.TrimSpace(*c.Make))
	}
	if c.Model != nil && strings.TrimSpace(*c.Model) != "" {
		name = append(name, strings.TrimSpace(*c.Model))
	}
	if len(name) > 0 {
		parts = append(parts, strings.Join(name, " "))
	}

	switch {
	case c.MinYear != nil && c.MaxYear != nil:
		parts = append(parts, fmt.Sprintf("%d-%d", *c.MinYear, *c.MaxYear))
	case c.MinYear != nil:
		parts = append(parts, fmt.Sprintf("%d or newer", *c.MinYear))
	case c.MaxYear != nil:
		parts = append(parts, fmt.Sprintf("%d or older", *c.MaxYear))
	}

	if c.MaxPrice.Valid {
		parts = append(parts, "under "+FormatMoney(c.MaxPrice.Decimal))
	}
	if c.MaxMileage != nil {
		parts = append(parts, fmt.Sprintf("under %s miles", groupDigits(int64(*c.MaxMileage))))
	}

	if len(parts) == 0 {
		return "any vehicle"
	}
	return strings.Join(parts, ", ")
}

// FormatMoney renders a whole-dollar amount with grouping separators.
func FormatMoney(d decimal.Decimal) string {
	return "$" + groupDigits(d.Round(0).IntPart())
}

// FormatMileage renders an optional mileage, "N/A" when unknown.
func FormatMileage(m *int) string {
	if m == nil {
		return "N/A"
	}
	return groupDigits(int64(*m)) + " mi"
}

func groupDigits(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
