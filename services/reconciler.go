package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"carwatch/models"
	"carwatch/storage"
	"carwatch/utils"
)

// recordTimeout bounds one listing's transaction once it has started.
const recordTimeout = 30 * time.Second

// Reconciler persists canonical listings, diffs their price against the
// history log and runs staleness housekeeping.
type Reconciler struct {
	store      storage.Store
	clock      func() time.Time
	staleAfter time.Duration
	reactivate bool
}

// NewReconciler creates a Reconciler. A non-positive staleAfter defaults to 7 days.
func NewReconciler(store storage.Store, staleAfter time.Duration, reactivate bool) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 7 * 24 * time.Hour
	}
	return &Reconciler{
		store:      store,
		clock:      time.Now,
		staleAfter: staleAfter,
		reactivate: reactivate,
	}
}

// Reconcile processes the batch in order, one short transaction per listing.
// A failed record is counted and the batch continues. Cancellation is checked
// between records; when ctx is done the remaining records are left untouched
// and ctx.Err() is returned with the partial summary.
func (r *Reconciler) Reconcile(ctx context.Context, log *utils.Logger, batch []*models.Listing) (models.ReconcileSummary, error) {
	var summary models.ReconcileSummary

	for i, l := range batch {
		if err := ctx.Err(); err != nil {
			log.Warn("[reconciler] Cancelled after %d/%d records", i, len(batch))
			return summary, err
		}

		res := r.reconcileOne(ctx, l)
		summary.Add(res)

		switch res.Classification {
		case models.ClassFailed:
			log.Error("[reconciler] %s: %v", l.ExternalID, res.Err)
		case models.ClassPriceChanged:
			log.Info("[reconciler] Price %s for %s: %s → %s",
				res.Direction, l.ExternalID, formatPrice(res.PreviousPrice), formatPrice(res.CurrentPrice))
		default:
			log.Debug("[reconciler] %s: %s", l.ExternalID, res.Classification)
		}
	}

	log.Info("[reconciler] Reconciled %d records: %d new, %d unchanged, %d price changes (%d up, %d down), %d failed",
		len(batch), summary.New, summary.Unchanged, summary.PriceChanged,
		summary.PriceIncreases, summary.PriceDecreases, summary.Failed)
	return summary, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, l *models.Listing) models.ReconcileResult {
	res := models.ReconcileResult{ExternalID: l.ExternalID, Title: l.Title}
	now := r.clock()

	// A record that has started runs to completion even if the pass is
	// cancelled meanwhile; cancellation is honored between records.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	err := r.store.WithListingTx(ctx, func(tx storage.ListingTx) error {
		id, price, err := tx.UpsertListing(ctx, l, now, r.reactivate)
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		res.ListingID = id
		res.CurrentPrice = price

		has, err := tx.HasHistory(ctx, id)
		if err != nil {
			return fmt.Errorf("has history: %w", err)
		}
		if !has {
			if err := tx.AppendPriceHistory(ctx, id, price, now); err != nil {
				return fmt.Errorf("append first history row: %w", err)
			}
			res.Classification = models.ClassNew
			return nil
		}

		last, _, err := tx.LastHistoryPrice(ctx, id)
		if err != nil {
			return fmt.Errorf("last history price: %w", err)
		}
		res.PreviousPrice = last

		changed, dir, delta := comparePrices(last, price)
		if !changed {
			res.Classification = models.ClassUnchanged
			return nil
		}
		if err := tx.AppendPriceHistory(ctx, id, price, now); err != nil {
			return fmt.Errorf("append history row: %w", err)
		}
		res.Classification = models.ClassPriceChanged
		res.Direction = dir
		res.Delta = delta
		return nil
	})
	if err != nil {
		return models.ReconcileResult{
			ExternalID:     l.ExternalID,
			Title:          l.Title,
			Classification: models.ClassFailed,
			Err:            err,
		}
	}
	return res
}

// comparePrices reports whether current differs from previous. Two absent
// prices are equal; a change to or from an absent price has no direction.
func comparePrices(previous, current decimal.NullDecimal) (bool, models.PriceDirection, decimal.NullDecimal) {
	switch {
	case !previous.Valid && !current.Valid:
		return false, models.DirectionNone, decimal.NullDecimal{}
	case !previous.Valid || !current.Valid:
		return true, models.DirectionUnknown, decimal.NullDecimal{}
	case previous.Decimal.Equal(current.Decimal):
		return false, models.DirectionNone, decimal.NullDecimal{}
	}

	delta := current.Decimal.Sub(previous.Decimal)
	dir := models.DirectionIncrease
	if delta.IsNegative() {
		dir = models.DirectionDecrease
	}
	return true, dir, decimal.NewNullDecimal(delta)
}

// Housekeeping deactivates every active listing whose last_seen is older
// than the staleness threshold. It runs once per pass, after Reconcile.
func (r *Reconciler) Housekeeping(ctx context.Context, log *utils.Logger) ([]int64, error) {
	cutoff := r.clock().Add(-r.staleAfter)
	ids, err := r.store.MarkStaleInactive(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reconciler: mark stale: %w", err)
	}
	if len(ids) > 0 {
		log.Info("[reconciler] Marked %d stale listings inactive (last seen before %s)",
			len(ids), cutoff.Format(time.RFC3339))
	}
	return ids, nil
}

func formatPrice(p decimal.NullDecimal) string {
	if !p.Valid {
		return "N/A"
	}
	return models.FormatMoney(p.Decimal)
}
