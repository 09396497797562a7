package ksl

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"carwatch/scraper"
	"carwatch/utils"
)

// Renderer returns the HTML of a page.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// HTTPRenderer fetches the server response as-is.
type HTTPRenderer struct {
	Client *http.Client
}

func (r HTTPRenderer) Render(ctx context.Context, url string) ([]byte, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return scraper.Get(ctx, client, url)
}

// ChromeRenderer renders pages in headless Chrome so listings injected by
// client-side scripts are present in the returned HTML. One browser is
// shared by every Render call; each call opens its own tab.
type ChromeRenderer struct {
	chromeBin string
	timeout   time.Duration
	settle    time.Duration
	logger    *utils.Logger

	once        sync.Once
	startErr    error
	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
}

// NewChromeRenderer creates a renderer. An empty chromeBin is resolved from
// PATH and the usual install locations.
func NewChromeRenderer(chromeBin string, timeout time.Duration, logger *utils.Logger) *ChromeRenderer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChromeRenderer{
		chromeBin: chromeBin,
		timeout:   timeout,
		settle:    3 * time.Second,
		logger:    logger,
	}
}

func (r *ChromeRenderer) start() {
	bin := r.chromeBin
	if bin == "" {
		bin = findChromeBinary()
	}
	r.logger.Info("[ksl] Using browser binary: %s", bin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(scraper.UserAgent),
	)
	if bin != "" {
		opts = append(opts, chromedp.ExecPath(bin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	// Suppress chromedp log noise
	browserCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...any) {}))

	r.browserCtx = browserCtx
	r.cancelAlloc = cancelAlloc
	r.cancelTab = cancelTab

	// Running with no actions launches the browser, so later tabs share it.
	if err := chromedp.Run(browserCtx); err != nil {
		r.startErr = fmt.Errorf("ksl: start browser: %w", err)
	}
}

func (r *ChromeRenderer) Render(ctx context.Context, url string) ([]byte, error) {
	r.once.Do(r.start)
	if r.startErr != nil {
		return nil, r.startErr
	}

	tabCtx, cancel := chromedp.NewContext(r.browserCtx)
	defer cancel()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, r.timeout)
	defer cancelTimeout()

	// Propagate caller cancellation into the tab.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("ksl: render %s: %w", url, err)
	}
	return []byte(html), nil
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() {
	if r.cancelTab != nil {
		r.cancelTab()
		r.cancelAlloc()
	}
}

// chromeCandidates are tried in order: names are looked up on PATH, absolute
// paths are checked directly.
var chromeCandidates = []string{
	"google-chrome-stable",
	"google-chrome",
	"chromium",
	"chromium-browser",
	"/snap/bin/chromium",
	"/opt/google/chrome/google-chrome",
}

// findChromeBinary resolves a browser when CHROME_BIN is not configured.
// An empty result lets chromedp fall back to its own lookup.
func findChromeBinary() string {
	for _, c := range chromeCandidates {
		if filepath.IsAbs(c) {
			if _, err := os.Stat(c); err == nil {
				return c
			}
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path
		}
	}
	return ""
}
