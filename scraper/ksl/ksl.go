package ksl

import (
	"bytes"
	"context"
	"fmt"
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
	source  = "ksl"
	perPage = 24
)

var (
	idRegexp = regexp.MustCompile(`/listing/(\d+)`)
	// mileageTextRegexp locates the mileage-bearing snippet inside a card.
	mileageTextRegexp = regexp.MustCompile(`(?i)\d[\d,]*k?\s*(?:miles?|mi)\b`)
)

// cardSelectors are tried in order; the first that matches anything wins.
var cardSelectors = []string{
	"div.listing-item",
	"article.listing",
	`div[data-role="listing"]`,
}

// Adapter scrapes the KSL Cars new-and-used search.
type Adapter struct {
	baseURL  string
	renderer Renderer
	now      func() time.Time
}

// New creates an Adapter that obtains page HTML from renderer.
func New(baseURL string, renderer Renderer) *Adapter {
	return &Adapter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		renderer: renderer,
		now:      time.Now,
	}
}

func (a *Adapter) Source() string { return source }

// PageURL returns the search URL for a 1-based page.
func (a *Adapter) PageURL(page int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("perPage", strconv.Itoa(perPage))
	return a.baseURL + "/search/newused?" + q.Encode()
}

func (a *Adapter) FetchPage(ctx context.Context, page int) (scraper.PageResult, error) {
	html, err := a.renderer.Render(ctx, a.PageURL(page))
	if err != nil {
		return scraper.PageResult{}, fmt.Errorf("ksl: %w", err)
	}
	return a.Parse(html)
}

// Parse extracts fragments from a results page.
func (a *Adapter) Parse(html []byte) (scraper.PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return scraper.PageResult{}, fmt.Errorf("ksl: parse html: %w", err)
	}

	var cards *goquery.Selection
	for _, sel := range cardSelectors {
		cards = doc.Find(sel)
		if cards.Length() > 0 {
			break
		}
	}

	var res scraper.PageResult
	scrapedAt := a.now()

	cards.Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Find("a[href]").First().Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			res.Skipped++
			return
		}
		link := a.absolute(href)

		title := strings.TrimSpace(s.Find("h2, h3, h4").First().Text())
		if title == "" {
			title = "No title"
		}

		price := s.Find("div[class*=price], span[class*=price], div[class*=Price], span[class*=Price]").First()
		if price.Length() == 0 {
			price = s.Find(`[data-role="price"]`).First()
		}
		location := s.Find("div[class*=location], span[class*=location], div[class*=Location], span[class*=Location]").First()

		res.Fragments = append(res.Fragments, &models.RawListing{
			ExternalID:  scraper.ExternalID("ksl", link, idRegexp),
			Source:      source,
			URL:         link,
			Title:       title,
			RawPrice:    strings.TrimSpace(price.Text()),
			Location:    strings.TrimSpace(location.Text()),
			RawMileage:  mileageText(s),
			Description: title,
			ScrapedAt:   scrapedAt,
		})
	})

	return res, nil
}

// mileageText returns the first mileage snippet found in a leaf element of
// the card. Leaves are checked one at a time since Text() joins adjacent
// nodes without a separator.
func mileageText(card *goquery.Selection) string {
	var found string
	card.Find("*").EachWithBreak(func(_ int, e *goquery.Selection) bool {
		if e.Children().Length() > 0 {
			return true
		}
		found = mileageTextRegexp.FindString(e.Text())
		return found == ""
	})
	return found
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
