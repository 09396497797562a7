package ksl

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// staticRenderer serves canned HTML and records the requested URLs.
type staticRenderer struct {
	html string
	err  error
	urls []string
}

func (r *staticRenderer) Render(ctx context.Context, url string) ([]byte, error) {
	r.urls = append(r.urls, url)
	return []byte(r.html), r.err
}

const listingItems = `<html><body>
<div class="listing-item">
  <a href="/listing/9876543"><h3>2019 Toyota Camry SE</h3></a>
  <div class="listing-price">$21,900</div>
  <div><span>$21,900</span><span>42,000 miles</span></div>
  <span class="item-location">Provo, UT</span>
</div>
<div class="listing-item">
  <a href="https://cars.ksl.com/listing/1111"><h2>2015 Ford F-150</h2></a>
  <span data-role="price">$18,000</span>
</div>
<div class="listing-item"><h3>no link here</h3></div>
</body></html>`

func TestParseListingItems(t *testing.T) {
	a := New("https://cars.ksl.com", &staticRenderer{})
	res, err := a.Parse([]byte(listingItems))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fragments) != 2 || res.Skipped != 1 {
		t.Fatalf("got %d fragments, %d skipped; want 2 and 1", len(res.Fragments), res.Skipped)
	}

	f := res.Fragments[0]
	checks := []struct {
		name, got, want string
	}{
		{"ExternalID", f.ExternalID, "ksl_9876543"},
		{"URL", f.URL, "https://cars.ksl.com/listing/9876543"},
		{"Title", f.Title, "2019 Toyota Camry SE"},
		{"RawPrice", f.RawPrice, "$21,900"},
		{"RawMileage", f.RawMileage, "42,000 miles"},
		{"Location", f.Location, "Provo, UT"},
		{"Description", f.Description, "2019 Toyota Camry SE"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q; want %q", c.name, c.got, c.want)
		}
	}

	if got := res.Fragments[1].RawPrice; got != "$18,000" {
		t.Errorf("data-role price fallback = %q; want $18,000", got)
	}
}

func TestParseFallsBackToAlternateCardSelectors(t *testing.T) {
	tests := []string{
		`<article class="listing"><a href="/listing/42"><h4>2010 Jeep Wrangler</h4></a></article>`,
		`<div data-role="listing"><a href="/listing/42"><h4>2010 Jeep Wrangler</h4></a></div>`,
	}
	a := New("https://cars.ksl.com", &staticRenderer{})
	for _, html := range tests {
		res, err := a.Parse([]byte(html))
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Fragments) != 1 || res.Fragments[0].ExternalID != "ksl_42" {
			t.Errorf("Parse(%q) = %+v; want one ksl_42 fragment", html, res.Fragments)
		}
	}
}

func TestFetchPageUsesRenderer(t *testing.T) {
	r := &staticRenderer{html: listingItems}
	a := New("https://cars.ksl.com/", r)

	if _, err := a.FetchPage(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	want := "https://cars.ksl.com/search/newused?page=3&perPage=24"
	if len(r.urls) != 1 || r.urls[0] != want {
		t.Errorf("rendered %v; want [%s]", r.urls, want)
	}

	r.err = errors.New("net::ERR_TIMED_OUT")
	if _, err := a.FetchPage(context.Background(), 1); err == nil {
		t.Error("renderer error should surface")
	}
}

func TestHTTPRenderer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingItems))
	}))
	defer srv.Close()

	a := New(srv.URL, HTTPRenderer{Client: &http.Client{Timeout: time.Second}})
	res, err := a.FetchPage(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fragments) != 2 {
		t.Errorf("got %d fragments; want 2", len(res.Fragments))
	}
	if !strings.HasPrefix(res.Fragments[0].URL, srv.URL) {
		t.Errorf("URL = %q", res.Fragments[0].URL)
	}
}
