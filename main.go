package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"carwatch/api"
	"carwatch/config"
	"carwatch/mailer"
	"carwatch/scraper"
	"carwatch/scraper/craigslist"
	"carwatch/scraper/ksl"
	"carwatch/services"
	"carwatch/storage"
	"carwatch/utils"
)

type store interface {
	storage.Store
	storage.ReadStore
}

func main() {
	once := flag.Bool("once", false, "run a single pass, print the market report and exit")
	testMode := flag.Bool("test", false, "schedule a pass every minute instead of SCHEDULE")
	flag.Parse()

	cfg := config.Load()
	logger := utils.NewLoggerWith(cfg.LogLevel, cfg.LogEncoding)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("=== CarWatch starting ===")
	logger.Info("Config | store: %s | pages: %d | concurrency: %d | rate: %dms | stale after: %dd",
		cfg.Store, cfg.PagesToScrape, cfg.MaxConcurrency, cfg.RateLimitMs, cfg.StaleAfterDays)

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open store: %v", err)
		logger.Error("Make sure Docker is running: docker compose up -d")
		os.Exit(1)
	}
	defer st.Close()

	adapters := []scraper.SourceAdapter{craigslist.New(cfg.CraigslistBaseURL, cfg.HTTPTimeout)}
	if cfg.KSLEnabled {
		renderer := ksl.NewChromeRenderer(cfg.ChromeBin, 60*time.Second, logger)
		defer renderer.Close()
		adapters = append(adapters, ksl.New(cfg.KSLBaseURL, renderer))
	}

	var opts []services.PipelineOption
	if cfg.CSVOutputPath != "" {
		csvWriter, err := storage.NewCSVWriter(cfg.CSVOutputPath)
		if err != nil {
			logger.Error("Failed to create CSV writer: %v", err)
			os.Exit(1)
		}
		defer csvWriter.Close()
		opts = append(opts, services.WithSnapshot(csvWriter))
	}
	if cfg.RedisURL != "" {
		lock, err := storage.NewRedisPassLock(ctx, cfg.RedisURL, "carwatch:pass", cfg.PassLockTTL)
		if err != nil {
			logger.Error("Failed to connect to Redis: %v", err)
			os.Exit(1)
		}
		defer lock.Close()
		opts = append(opts, services.WithPassLock(lock))
	}

	mail := &mailer.SMTPMailer{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}
	if !mail.Configured() {
		logger.Warn("SMTP credentials not set, alert notifications will be skipped")
	}

	fetcher := scraper.NewFetcher(adapters, cfg.MaxConcurrency, cfg.RateLimit(), cfg.MaxRetries)
	reconciler := services.NewReconciler(st, cfg.StaleAfter(), cfg.ReactivateOnRescrape)
	matcher := services.NewAlertMatcher(st, services.NewDispatcher(mail))
	pipeline := services.NewPipeline(st, fetcher, reconciler, matcher, logger, opts...)
	insights := services.NewInsightService(logger)

	runPass := func(ctx context.Context) {
		summary, err := pipeline.RunPass(ctx, cfg.PagesToScrape)
		switch {
		case errors.Is(err, services.ErrPassInProgress):
			logger.Warn("Previous pass still running, skipping this trigger")
		case err != nil:
			logger.Error("Pass failed: %v", err)
		default:
			insights.PrintPass(summary)
		}
	}

	if *once {
		runPass(ctx)
		listings, _, err := st.SearchListings(ctx, storage.ListingQuery{})
		if err != nil {
			logger.Error("Failed to fetch listings for insights: %v", err)
			os.Exit(1)
		}
		insights.Print(insights.Generate(listings))
		return
	}

	var srv *http.Server
	if cfg.APIAddr != "" {
		if os.Getenv("GIN_MODE") == "" {
			gin.SetMode(gin.ReleaseMode)
		}
		srv = &http.Server{
			Addr:    cfg.APIAddr,
			Handler: api.NewHandler(st, insights, logger).Router(),
		}
		go func() {
			logger.Info("API listening on %s", cfg.APIAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("API server: %v", err)
				stop()
			}
		}()
	}

	schedule := cfg.Schedule
	if *testMode {
		schedule = "@every 1m"
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { runPass(ctx) }); err != nil {
		logger.Error("Invalid schedule %q: %v", schedule, err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if cfg.RunOnStart {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Running initial pass now")
			runPass(ctx)
		}()
	}

	c.Start()
	logger.Info("Scheduler started (%s). Press Ctrl+C to exit.", schedule)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	<-c.Stop().Done()
	wg.Wait()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("API shutdown: %v", err)
		}
	}

	logger.Info("Graceful shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	if cfg.Store == "memory" {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(ctx, cfg.DSN())
}
