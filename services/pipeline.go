package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carwatch/models"
	"carwatch/scraper"
	"carwatch/storage"
	"carwatch/utils"
)

// ErrPassInProgress is returned by RunPass while another pass holds the guard.
var ErrPassInProgress = errors.New("pipeline: a pass is already running")

// PassLock is a non-blocking mutual-exclusion guard around a pass.
// utils.PassGuard and storage.RedisPassLock implement it.
type PassLock interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Pipeline runs one complete pass: fetch, canonicalize, reconcile,
// housekeeping, alert match and notify. It owns no timer; the caller
// decides when RunPass is invoked.
type Pipeline struct {
	store         storage.Store
	fetcher       *scraper.Fetcher
	canonicalizer *Canonicalizer
	reconciler    *Reconciler
	matcher       *AlertMatcher
	snapshot      storage.RawListingWriter
	locks         []PassLock
	logger        *utils.Logger
	clock         func() time.Time
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithSnapshot writes every pass's raw fragments before canonicalization.
func WithSnapshot(w storage.RawListingWriter) PipelineOption {
	return func(p *Pipeline) { p.snapshot = w }
}

// WithPassLock adds a guard acquired after the in-process one, e.g. a lock
// shared by several processes.
func WithPassLock(l PassLock) PipelineOption {
	return func(p *Pipeline) { p.locks = append(p.locks, l) }
}

// NewPipeline wires the pass stages together.
func NewPipeline(store storage.Store, fetcher *scraper.Fetcher, reconciler *Reconciler, matcher *AlertMatcher, logger *utils.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:         store,
		fetcher:       fetcher,
		canonicalizer: NewCanonicalizer(),
		reconciler:    reconciler,
		matcher:       matcher,
		locks:         []PassLock{&utils.PassGuard{}},
		logger:        logger,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunPass executes one pass over maxPages pages per source. It returns
// ErrPassInProgress when a previous pass is still running and a wrapped
// error when the store is unreachable at pass start. Every other failure is
// counted in the summary. When ctx is cancelled the pass stops between
// records and the partial summary is returned with Cancelled set.
func (p *Pipeline) RunPass(ctx context.Context, maxPages int) (*models.PassSummary, error) {
	for _, l := range p.locks {
		release, ok, err := l.TryAcquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("pipeline: acquire pass lock: %w", err)
		}
		if !ok {
			return nil, ErrPassInProgress
		}
		defer release()
	}

	id := uuid.NewString()
	log := p.logger.With("pass", id)
	summary := models.NewPassSummary(id, p.clock())
	defer func() { summary.FinishedAt = p.clock() }()

	if err := p.store.Ping(ctx); err != nil {
		log.Error("[pipeline] Store unreachable, aborting pass: %v", err)
		return summary, fmt.Errorf("pipeline: store unreachable: %w", err)
	}

	log.Info("[pipeline] Pass started (max %d pages per source)", maxPages)

	fetched := p.fetcher.Fetch(ctx, log, maxPages)
	summary.PagesFetched = fetched.PagesFetched
	summary.Fragments = len(fetched.Fragments)
	summary.CountError(models.ErrFetch, fetched.PageErrors)
	summary.CountError(models.ErrFragmentParse, fetched.Skipped)
	if p.cancelled(ctx, log, summary, "fetch") {
		return summary, nil
	}

	if p.snapshot != nil && len(fetched.Fragments) > 0 {
		if err := p.snapshot.WriteRaw(fetched.Fragments); err != nil {
			log.Warn("[pipeline] Raw snapshot failed: %v", err)
		}
	}

	canonical, malformed := p.canonicalizer.Canonicalize(log, fetched.Fragments)
	summary.Canonical = len(canonical)
	summary.CountError(models.ErrFragmentParse, malformed)

	rec, err := p.reconciler.Reconcile(ctx, log, canonical)
	summary.Reconcile = rec
	summary.CountError(models.ErrPersistence, rec.Failed)
	if err != nil && p.cancelled(ctx, log, summary, "reconcile") {
		return summary, nil
	}

	deactivated, err := p.reconciler.Housekeeping(ctx, log)
	if err != nil {
		summary.CountError(models.ErrPersistence, 1)
		log.Error("[pipeline] Housekeeping failed: %v", err)
	}
	summary.Reconcile.Deactivated = deactivated

	match, err := p.matcher.CheckAlerts(ctx, log)
	summary.Match = match
	summary.CountError(models.ErrPersistence, match.PersistenceErrors)
	summary.CountError(models.ErrTransport, match.TransportErrors)
	summary.CountError(models.ErrConfiguration, match.ConfigurationErrors)
	if err != nil && p.cancelled(ctx, log, summary, "alert check") {
		return summary, nil
	}

	log.Info("[pipeline] Pass finished: %d new, %d price changes, %d deactivated, %d new matches, %d errors",
		rec.New, rec.PriceChanged, len(deactivated), match.NewMatches, summary.TotalErrors())
	return summary, nil
}

func (p *Pipeline) cancelled(ctx context.Context, log *utils.Logger, summary *models.PassSummary, stage string) bool {
	if ctx.Err() == nil {
		return false
	}
	summary.Cancelled = true
	log.Warn("[pipeline] Pass cancelled during %s: %v", stage, ctx.Err())
	return true
}
