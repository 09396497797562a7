package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"carwatch/models"
	"carwatch/utils"
)

// UserAgent is sent with every page request.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// maxPageBytes caps a fetched page. A larger body is a fetch error.
var maxPageBytes int64 = 10 << 20

// PageResult is the outcome of parsing one search results page.
type PageResult struct {
	Fragments []*models.RawListing
	// Skipped counts malformed fragments dropped while parsing the page.
	Skipped int
}

// SourceAdapter is one classifieds site.
type SourceAdapter interface {
	Source() string
	// FetchPage fetches and parses one results page. page starts at 1.
	FetchPage(ctx context.Context, page int) (PageResult, error)
}

// FetchResult aggregates a fetch across every adapter.
type FetchResult struct {
	Fragments    []*models.RawListing
	PagesFetched int
	PageErrors   int
	Skipped      int
}

// Fetcher drives every adapter's pagination on a bounded worker pool per
// source. Page requests of one source are spaced by the politeness interval.
type Fetcher struct {
	adapters    []SourceAdapter
	concurrency int
	interval    time.Duration
	maxRetries  int
	retryDelay  time.Duration
}

// NewFetcher creates a Fetcher.
func NewFetcher(adapters []SourceAdapter, concurrency int, interval time.Duration, maxRetries int) *Fetcher {
	return &Fetcher{
		adapters:    adapters,
		concurrency: concurrency,
		interval:    interval,
		maxRetries:  maxRetries,
		retryDelay:  2 * time.Second,
	}
}

type pageOutcome struct {
	result PageResult
	err    error
	done   bool
}

// Fetch pulls maxPages pages from every adapter. A failed page is logged
// and counted, never fatal. Fragments come back grouped by source and in
// page order regardless of completion order.
func (f *Fetcher) Fetch(ctx context.Context, log *utils.Logger, maxPages int) FetchResult {
	if maxPages <= 0 {
		maxPages = 1
	}

	outcomes := make([][]pageOutcome, len(f.adapters))
	var wg sync.WaitGroup

	for i, a := range f.adapters {
		outcomes[i] = make([]pageOutcome, maxPages)
		wg.Add(1)
		go func(i int, a SourceAdapter) {
			defer wg.Done()
			f.fetchSource(ctx, log, a, maxPages, outcomes[i])
		}(i, a)
	}
	wg.Wait()

	var res FetchResult
	for i, a := range f.adapters {
		for p, o := range outcomes[i] {
			switch {
			case !o.done:
				// not started before cancellation
			case o.err != nil:
				res.PageErrors++
				log.Error("[%s] Page %d failed: %v", a.Source(), p+1, o.err)
			default:
				res.PagesFetched++
				res.Skipped += o.result.Skipped
				res.Fragments = append(res.Fragments, o.result.Fragments...)
			}
		}
	}

	log.Info("[fetcher] Fetched %d pages (%d failed), %d fragments, %d malformed",
		res.PagesFetched, res.PageErrors, len(res.Fragments), res.Skipped)
	return res
}

func (f *Fetcher) fetchSource(ctx context.Context, log *utils.Logger, a SourceAdapter, maxPages int, out []pageOutcome) {
	pool := utils.NewWorkerPool(f.concurrency, f.interval)
	retry := &utils.RetryConfig{MaxAttempts: f.maxRetries, BaseDelay: f.retryDelay, Logger: log}

	for page := 1; page <= maxPages; page++ {
		page := page
		pool.Submit(ctx, func(ctx context.Context) {
			var pr PageResult
			err := retry.Do(ctx, fmt.Sprintf("%s page %d", a.Source(), page), func(ctx context.Context) error {
				var err error
				pr, err = a.FetchPage(ctx, page)
				return err
			})
			out[page-1] = pageOutcome{result: pr, err: err, done: true}
			if err == nil {
				log.Info("[%s] Page %d: %d listings", a.Source(), page, len(pr.Fragments))
			}
		})
	}
	pool.Wait()
}

// ExternalID derives a stable id from the listing-id segment captured by
// re. When the URL has no such segment it falls back to a hash of the URL,
// which is stable only while the URL text is (tracking parameters change it).
func ExternalID(prefix, rawURL string, re *regexp.Regexp) string {
	if m := re.FindStringSubmatch(rawURL); len(m) > 1 {
		return prefix + "_" + m[1]
	}
	sum := sha256.Sum256([]byte(rawURL))
	return prefix + "_h" + hex.EncodeToString(sum[:8])
}

// Get performs a GET with the shared user agent and returns the body of a
// 2xx response. A body over maxPageBytes is an error, never truncated.
func Get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", url, err)
	}
	if int64(len(body)) > maxPageBytes {
		return nil, fmt.Errorf("GET %s: body exceeds %d bytes", url, maxPageBytes)
	}
	return body, nil
}

// JoinedText returns the text of every leaf element under s joined by single
// spaces, so sibling values such as a price and a mileage stay apart.
func JoinedText(s *goquery.Selection) string {
	var parts []string
	s.Find("*").Each(func(_ int, e *goquery.Selection) {
		if e.Children().Length() > 0 {
			return
		}
		if t := strings.TrimSpace(e.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		return strings.TrimSpace(s.Text())
	}
	return strings.Join(parts, " ")
}
