package storage

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"carwatch/models"
)

// ListingFilter is a structured listing predicate. Every set field is ANDed;
// a nil or blank field does not constrain. A listing whose column is NULL
// never satisfies a bound on that column.
type ListingFilter struct {
	ActiveOnly bool
	Search     string
	Make       *string
	Model      *string
	MinYear    *int
	MaxYear    *int
	MinPrice   decimal.NullDecimal
	MaxPrice   decimal.NullDecimal
	MaxMileage *int
	// UnmatchedFor excludes listings already matched to this alert id.
	UnmatchedFor int64
}

// FilterFromCriteria builds the active-listing filter for an alert.
func FilterFromCriteria(alertID int64, c models.AlertCriteria) ListingFilter {
	return ListingFilter{
		ActiveOnly:   true,
		Make:         c.Make,
		Model:        c.Model,
		MinYear:      c.MinYear,
		MaxYear:      c.MaxYear,
		MaxPrice:     c.MaxPrice,
		MaxMileage:   c.MaxMileage,
		UnmatchedFor: alertID,
	}
}

// whereBuilder collects AND-ed clauses with positional parameters.
type whereBuilder struct {
	clauses []string
	args    []any
}

// add appends a clause; every "?" in it refers to the single bound arg.
func (b *whereBuilder) add(clause string, arg any) {
	b.args = append(b.args, arg)
	b.clauses = append(b.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(b.args))))
}

func (b *whereBuilder) addRaw(clause string) {
	b.clauses = append(b.clauses, clause)
}

func (b *whereBuilder) sql() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(b.clauses, " AND ")
}

// Where translates the filter into a WHERE clause over the listings table
// and its bound arguments. Criteria values are only ever bound, never
// spliced into the SQL text.
func (f ListingFilter) Where() (string, []any) {
	b := &whereBuilder{}
	if f.ActiveOnly {
		b.addRaw("is_active = TRUE")
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		b.add("(title ILIKE ? OR make ILIKE ? OR model ILIKE ?)", likePattern(s))
	}
	if s, ok := set(f.Make); ok {
		b.add("make ILIKE ?", likePattern(s))
	}
	if s, ok := set(f.Model); ok {
		b.add("model ILIKE ?", likePattern(s))
	}
	if f.MinYear != nil {
		b.add("year >= ?", *f.MinYear)
	}
	if f.MaxYear != nil {
		b.add("year <= ?", *f.MaxYear)
	}
	if f.MinPrice.Valid {
		b.add("price >= ?", f.MinPrice.Decimal)
	}
	if f.MaxPrice.Valid {
		b.add("price <= ?", f.MaxPrice.Decimal)
	}
	if f.MaxMileage != nil {
		b.add("mileage <= ?", *f.MaxMileage)
	}
	if f.UnmatchedFor != 0 {
		b.add("NOT EXISTS (SELECT 1 FROM alert_matches m WHERE m.alert_id = ? AND m.listing_id = listings.id)", f.UnmatchedFor)
	}
	return b.sql(), b.args
}

// Matches evaluates the filter in memory with the same semantics as Where,
// except UnmatchedFor, which needs the match table and is left to the caller.
func (f ListingFilter) Matches(l *models.Listing) bool {
	if f.ActiveOnly && !l.IsActive {
		return false
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		if !containsFold(l.Title, s) && !containsFoldPtr(l.Make, s) && !containsFoldPtr(l.Model, s) {
			return false
		}
	}
	if s, ok := set(f.Make); ok && !containsFoldPtr(l.Make, s) {
		return false
	}
	if s, ok := set(f.Model); ok && !containsFoldPtr(l.Model, s) {
		return false
	}
	if f.MinYear != nil && (l.Year == nil || *l.Year < *f.MinYear) {
		return false
	}
	if f.MaxYear != nil && (l.Year == nil || *l.Year > *f.MaxYear) {
		return false
	}
	if f.MinPrice.Valid && (!l.Price.Valid || l.Price.Decimal.LessThan(f.MinPrice.Decimal)) {
		return false
	}
	if f.MaxPrice.Valid && (!l.Price.Valid || l.Price.Decimal.GreaterThan(f.MaxPrice.Decimal)) {
		return false
	}
	if f.MaxMileage != nil && (l.Mileage == nil || *l.Mileage > *f.MaxMileage) {
		return false
	}
	return true
}

func set(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	v := strings.TrimSpace(*s)
	return v, v != ""
}

// likePattern wraps s for substring ILIKE matching, escaping LIKE metacharacters.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func containsFoldPtr(haystack *string, needle string) bool {
	return haystack != nil && containsFold(*haystack, needle)
}
