package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	Store            string

	MaxConcurrency int
	RateLimitMs    int
	MaxRetries     int
	PagesToScrape  int
	HTTPTimeout    time.Duration

	CraigslistCity    string
	CraigslistBaseURL string
	KSLEnabled        bool
	KSLBaseURL        string
	ChromeBin         string

	StaleAfterDays       int
	ReactivateOnRescrape bool

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	Schedule      string
	RunOnStart    bool
	APIAddr       string
	RedisURL      string
	PassLockTTL   time.Duration
	CSVOutputPath string

	LogLevel    string
	LogEncoding string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	city := getEnv("CRAIGSLIST_CITY", "saltlakecity")

	return &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "carwatch"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "carwatch"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		Store:            strings.ToLower(getEnv("STORE", "postgres")),

		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 2),
		RateLimitMs:    getEnvInt("RATE_LIMIT_MS", 2000),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		PagesToScrape:  getEnvInt("PAGES_TO_SCRAPE", 2),
		HTTPTimeout:    time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 10)) * time.Second,

		CraigslistCity:    city,
		CraigslistBaseURL: getEnv("CRAIGSLIST_BASE_URL", "https://"+city+".craigslist.org"),
		KSLEnabled:        getEnvBool("KSL_ENABLED", false),
		KSLBaseURL:        getEnv("KSL_BASE_URL", "https://cars.ksl.com"),
		ChromeBin:         getEnv("CHROME_BIN", ""),

		StaleAfterDays:       getEnvInt("STALE_AFTER_DAYS", 7),
		ReactivateOnRescrape: getEnvBool("REACTIVATE_ON_RESCRAPE", false),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", ""),

		Schedule:      getEnv("SCHEDULE", "0 2 * * *"),
		RunOnStart:    getEnvBool("RUN_ON_START", true),
		APIAddr:       getEnv("API_ADDR", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		PassLockTTL:   time.Duration(getEnvInt("PASS_LOCK_TTL_MINUTES", 60)) * time.Minute,
		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", ""),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "console"),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// RateLimit is the politeness delay between page fetches of one source.
func (c *Config) RateLimit() time.Duration {
	return time.Duration(c.RateLimitMs) * time.Millisecond
}

// StaleAfter is the staleness threshold for housekeeping.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterDays) * 24 * time.Hour
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}
