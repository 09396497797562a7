package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrorKind classifies a skipped unit of work within a pass.
type ErrorKind string

const (
	ErrFetch         ErrorKind = "fetch"
	ErrFragmentParse ErrorKind = "fragment_parse"
	ErrPersistence   ErrorKind = "persistence"
	ErrConfiguration ErrorKind = "configuration"
	ErrTransport     ErrorKind = "transport"
)

// Classification is the reconcile outcome for one canonical record.
type Classification string

const (
	ClassNew          Classification = "new"
	ClassUnchanged    Classification = "unchanged"
	ClassPriceChanged Classification = "price_changed"
	ClassFailed       Classification = "failed"
)

// PriceDirection sub-classifies a price change by the sign of the delta.
// DirectionUnknown covers changes to or from an absent price.
type PriceDirection string

const (
	DirectionNone     PriceDirection = ""
	DirectionIncrease PriceDirection = "increase"
	DirectionDecrease PriceDirection = "decrease"
	DirectionUnknown  PriceDirection = "unknown"
)

// ReconcileResult is the per-record outcome of a reconcile step.
type ReconcileResult struct {
	ExternalID     string
	ListingID      int64
	Title          string
	Classification Classification
	Direction      PriceDirection
	PreviousPrice  decimal.NullDecimal
	CurrentPrice   decimal.NullDecimal
	Delta          decimal.NullDecimal
	Err            error
}

// ReconcileSummary aggregates the results of one reconcile call.
type ReconcileSummary struct {
	Results        []ReconcileResult
	New            int
	Unchanged      int
	PriceChanged   int
	PriceIncreases int
	PriceDecreases int
	Failed         int
	Deactivated    []int64
}

// Add folds one result into the counters.
func (s *ReconcileSummary) Add(r ReconcileResult) {
	s.Results = append(s.Results, r)
	switch r.Classification {
	case ClassNew:
		s.New++
	case ClassUnchanged:
		s.Unchanged++
	case ClassPriceChanged:
		s.PriceChanged++
		switch r.Direction {
		case DirectionIncrease:
			s.PriceIncreases++
		case DirectionDecrease:
			s.PriceDecreases++
		}
	case ClassFailed:
		s.Failed++
	}
}

// MatchSummary aggregates one alert-check step.
type MatchSummary struct {
	AlertsChecked        int
	NewMatches           int
	NotificationsSent    int
	NotificationsSkipped int
	PersistenceErrors    int
	TransportErrors      int
	ConfigurationErrors  int
}

// PassSummary is the report of one complete pass.
type PassSummary struct {
	PassID       string
	StartedAt    time.Time
	FinishedAt   time.Time
	Cancelled    bool
	PagesFetched int
	Fragments    int
	Canonical    int
	Reconcile    ReconcileSummary
	Match        MatchSummary
	Errors       map[ErrorKind]int
}

// NewPassSummary returns an empty summary for the given pass id.
func NewPassSummary(passID string, startedAt time.Time) *PassSummary {
	return &PassSummary{
		PassID:    passID,
		StartedAt: startedAt,
		Errors:    make(map[ErrorKind]int),
	}
}

// CountError increments the per-kind skip counter by n.
func (p *PassSummary) CountError(kind ErrorKind, n int) {
	if n <= 0 {
		return
	}
	p.Errors[kind] += n
}

// TotalErrors sums every per-kind counter.
func (p *PassSummary) TotalErrors() int {
	total := 0
	for _, n := range p.Errors {
		total += n
	}
	return total
}

// ErrorKinds returns the kinds with a non-zero count in stable order.
func (p *PassSummary) ErrorKinds() []ErrorKind {
	kinds := make([]ErrorKind, 0, len(p.Errors))
	for k, n := range p.Errors {
		if n > 0 {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Duration of the pass; zero until it has finished.
func (p *PassSummary) Duration() time.Duration {
	if p.FinishedAt.IsZero() {
		return 0
	}
	return p.FinishedAt.Sub(p.StartedAt)
}
