package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	LogLevel    string

	UNGMBaseURL string
	IUCNBaseURL string

	TEDFTPHost     string
	TEDFTPUser     string
	TEDFTPPassword string

	// Comma-separated keyword list matched against title/description during
	// reconciliation to maintain the has_keywords flag
	Keywords []string
}

func LoadConfig() *Config {
	err := godotenv.Load()
	if err != nil {
		logrus.Warn("Error loading .env file, using system environment variables")
	}

	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UNGMBaseURL:    getEnv("UNGM_BASE_URL", "https://www.ungm.org"),
		IUCNBaseURL:    getEnv("IUCN_BASE_URL", "https://www.iucn.org"),
		TEDFTPHost:     getEnv("TED_FTP_HOST", "ted.europa.eu"),
		TEDFTPUser:     getEnv("TED_FTP_USER", "guest"),
		TEDFTPPassword: getEnv("TED_FTP_PASSWORD", ""),
		Keywords:       splitList(getEnv("NOTIFY_KEYWORDS", "")),
	}
}

// ScraperConfig holds fetch/retry parameters shared by the source scrapers.
// Constructed in main and passed in explicitly, never read from globals.
type ScraperConfig struct {
	HTTPRequestTimeout time.Duration
	RequestRateLimit   time.Duration
	MaxRetryAttempts   int
	RetryDelay         time.Duration
	LookbackDays       int // incremental default when no watermark exists
}

// DefaultScraperConfig returns production-ready scraper defaults
func DefaultScraperConfig() *ScraperConfig {
	return &ScraperConfig{
		HTTPRequestTimeout: 30 * time.Second,
		RequestRateLimit:   1 * time.Second,
		MaxRetryAttempts:   3,
		RetryDelay:         10 * time.Second,
		LookbackDays:       getEnvInt("SCRAPE_LOOKBACK_DAYS", 30),
	}
}

// TEDFilterConfig is the conjunction of accept-lists a TED notice must pass
// before it is parsed at all
type TEDFilterConfig struct {
	CPVCodes      []string // notice accepted when its CPV set intersects this list
	DocumentTypes []string
	Countries     []string
	AuthorityType string // awarding-authority type must equal this code
}

// DefaultTEDFilterConfig returns the accept-lists used in production
func DefaultTEDFilterConfig() *TEDFilterConfig {
	return &TEDFilterConfig{
		CPVCodes:      []string{"44115800", "72320000"},
		DocumentTypes: []string{"3", "7"}, // contract notice, contract award
		Countries:     []string{"CH"},
		AuthorityType: "5", // international organisation
	}
}

// NotificationConfig holds thresholds and batching for the dispatcher
type NotificationConfig struct {
	DeadlineThresholdDays []int // fire once per threshold crossing
	RenewalLeadMonths     int
	Digest                bool // one email for many records vs one per record
	OperatorEmail         string
}

// DefaultNotificationConfig returns production notification defaults
func DefaultNotificationConfig() *NotificationConfig {
	return &NotificationConfig{
		DeadlineThresholdDays: []int{1, 3, 7},
		RenewalLeadMonths:     6,
		Digest:                true,
		OperatorEmail:         getEnv("OPERATOR_EMAIL", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logrus.Warnf("Invalid %s value: %s, using default %d", key, raw, fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}
