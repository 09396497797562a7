package services

import (
	"context"
	"time"

	"carwatch/models"
	"carwatch/storage"
	"carwatch/utils"
)

// AlertMatcher evaluates active alerts against the persisted active listings
// and hands each alert's new matches to the dispatcher as one batch.
type AlertMatcher struct {
	store      storage.Store
	dispatcher *Dispatcher
	clock      func() time.Time
}

// NewAlertMatcher creates an AlertMatcher.
func NewAlertMatcher(store storage.Store, dispatcher *Dispatcher) *AlertMatcher {
	return &AlertMatcher{store: store, dispatcher: dispatcher, clock: time.Now}
}

// CheckAlerts runs once per pass after reconciliation. Each new match is
// recorded before dispatch so a failed send never causes a second
// notification for the same pair. Per-alert failures are counted and the
// remaining alerts are still checked.
func (m *AlertMatcher) CheckAlerts(ctx context.Context, log *utils.Logger) (models.MatchSummary, error) {
	var summary models.MatchSummary

	alerts, err := m.store.ListActiveAlerts(ctx)
	if err != nil {
		summary.PersistenceErrors++
		log.Error("[matcher] Failed to list active alerts: %v", err)
		return summary, nil
	}

	for _, alert := range alerts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.AlertsChecked++

		candidates, err := m.store.FindUnmatchedActiveListings(ctx, alert)
		if err != nil {
			summary.PersistenceErrors++
			log.Error("[matcher] Alert %d: query failed: %v", alert.ID, err)
			continue
		}

		now := m.clock()
		var matched []*models.Listing
		for _, l := range candidates {
			inserted, err := m.store.RecordMatch(ctx, alert.ID, l.ID, now)
			if err != nil {
				summary.PersistenceErrors++
				log.Error("[matcher] Alert %d: record match for listing %d: %v", alert.ID, l.ID, err)
				continue
			}
			if inserted {
				matched = append(matched, l)
			}
		}
		if len(matched) == 0 {
			continue
		}
		summary.NewMatches += len(matched)
		log.Info("[matcher] Alert %d (%s): %d new matches", alert.ID, alert.Criteria.Describe(), len(matched))

		outcome, err := m.dispatcher.Notify(ctx, log, alert, matched)
		switch outcome {
		case NotifySent:
			summary.NotificationsSent++
		case NotifySkipped:
			summary.NotificationsSkipped++
			summary.ConfigurationErrors++
		case NotifyFailed:
			summary.TransportErrors++
			log.Error("[matcher] Alert %d: %v", alert.ID, err)
		}
	}

	log.Info("[matcher] Checked %d alerts: %d new matches, %d notifications sent, %d skipped",
		summary.AlertsChecked, summary.NewMatches, summary.NotificationsSent, summary.NotificationsSkipped)
	return summary, nil
}
