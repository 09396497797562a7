package craigslist

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"carwatch/models"
	"carwatch/scraper"
)

const (
	source = "craigslist"
	// pageSize is the result offset step of the search pagination.
	pageSize = 120
)

var idRegexp = regexp.MustCompile(`/(\d+)\.html`)

// Adapter scrapes the server-rendered cars+trucks search of one city.
type Adapter struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// New creates an Adapter for baseURL, e.g. https://saltlakecity.craigslist.org.
func New(baseURL string, timeout time.Duration) *Adapter {
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

func (a *Adapter) Source() string { return source }

// PageURL returns the search URL for a 1-based page.
func (a *Adapter) PageURL(page int) string {
	q := url.Values{}
	q.Set("s", strconv.Itoa((page-1)*pageSize))
	return a.baseURL + "/search/cta?" + q.Encode()
}

func (a *Adapter) FetchPage(ctx context.Context, page int) (scraper.PageResult, error) {
	body, err := scraper.Get(ctx, a.client, a.PageURL(page))
	if err != nil {
		return scraper.PageResult{}, fmt.Errorf("craigslist: %w", err)
	}
	return a.Parse(body)
}

// Parse extracts fragments from a results page. Cards without a link are
// counted as skipped.
func (a *Adapter) Parse(html []byte) (scraper.PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return scraper.PageResult{}, fmt.Errorf("craigslist: parse html: %w", err)
	}

	var res scraper.PageResult
	scrapedAt := a.now()

	doc.Find("li.cl-static-search-result").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Find("a").First().Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			res.Skipped++
			return
		}
		link := a.absolute(href)

		title := strings.TrimSpace(s.Find("div.title").First().Text())
		if title == "" {
			title = "No title"
		}
		details := scraper.JoinedText(s.Find("div.details").First())

		res.Fragments = append(res.Fragments, &models.RawListing{
			ExternalID:  scraper.ExternalID("cl", link, idRegexp),
			Source:      source,
			URL:         link,
			Title:       title,
			RawPrice:    strings.TrimSpace(s.Find("div.price").First().Text()),
			Location:    strings.TrimSpace(s.Find("div.location").First().Text()),
			RawMileage:  details,
			Description: details,
			ScrapedAt:   scrapedAt,
		})
	})

	return res, nil
}

func (a *Adapter) absolute(href string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return a.baseURL + href
}
