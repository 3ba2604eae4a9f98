// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting,
// observability, and the site-wide referral policy.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RateMode selects how commissions are computed from an order.
type RateMode string

const (
	// RateModeOrder computes one commission from the order subtotal.
	RateModeOrder RateMode = "order"
	// RateModeLine computes a commission per eligible line item and sums them.
	RateModeLine RateMode = "line"
)

// RateType distinguishes percentage rates from flat amounts.
type RateType string

const (
	// RateTypePercentage scales the base amount by rate/100.
	RateTypePercentage RateType = "percentage"
	// RateTypeFlat adds the rate value as-is, without scaling.
	RateTypeFlat RateType = "flat"
)

// PolicyConfig is the immutable site-wide referral policy passed into every
// engine call. Components never read ambient global state; handlers take the
// policy from the loaded Config and thread it through.
type PolicyConfig struct {
	// RateMode selects per-order vs per-line commission calculation.
	RateMode RateMode
	// DefaultRate is the site default rate value (percentage points or a
	// flat amount, depending on DefaultRateType).
	DefaultRate decimal.Decimal
	// DefaultRateType is the site default rate type.
	DefaultRateType RateType
	// RoundDecimals is the decimal count percentage commissions round to.
	RoundDecimals int32
	// IncludeShipping adds shipping (prorated per line in line mode) to the
	// commission base.
	IncludeShipping bool
	// IncludeTax adds tax to the commission base.
	IncludeTax bool
	// CreditLastReferrer credits the most recent referrer when a visitor
	// session already carries credit for a different affiliate. When false,
	// the first referrer wins and later cookies yield no attribution.
	CreditLastReferrer bool
	// IgnoreZeroAmount fails referrals whose computed commission is zero.
	IgnoreZeroAmount bool
	// RevokeOnRefund rejects completed referrals when the underlying
	// transaction is refunded or cancelled.
	RevokeOnRefund bool
	// BlockOnSwitch blocks referrals for subscription-switch transactions.
	BlockOnSwitch bool
}

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-referral-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath        string   // SQLite path
	GatewaySecret string   // HMAC key for reconciliation nonces
	Integrations  []string // enabled integration contexts
	// AffiliateEmails maps affiliate ids to their account emails for the
	// self-referral check, parsed from AFFILIATE_EMAILS ("id=email,...").
	// Deployments with a real account store replace this with their own
	// services.AffiliateDirectory implementation.
	AffiliateEmails map[string]string

	// Referral policy
	Policy PolicyConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:          getenv("DB_PATH", "app.db"),
		GatewaySecret:   getenv("GATEWAY_SECRET", ""),
		Integrations:    splitCSV(getenv("INTEGRATIONS", "")),
		AffiliateEmails: splitKV(getenv("AFFILIATE_EMAILS", "")),

		// Referral policy
		Policy: PolicyConfig{
			RateMode:           RateMode(strings.ToLower(getenv("RATE_MODE", "line"))),
			DefaultRate:        getdec("DEFAULT_RATE", decimal.NewFromInt(20)),
			DefaultRateType:    RateType(strings.ToLower(getenv("DEFAULT_RATE_TYPE", "percentage"))),
			RoundDecimals:      int32(getint("ROUND_DECIMALS", 2)),
			IncludeShipping:    getbool("INCLUDE_SHIPPING", false),
			IncludeTax:         getbool("INCLUDE_TAX", false),
			CreditLastReferrer: getbool("CREDIT_LAST_REFERRER", true),
			IgnoreZeroAmount:   getbool("IGNORE_ZERO_AMOUNT", true),
			RevokeOnRefund:     getbool("REVOKE_ON_REFUND", true),
			BlockOnSwitch:      getbool("BLOCK_ON_SWITCH", false),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-referral-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	switch cfg.Policy.RateMode {
	case RateModeOrder, RateModeLine:
	default:
		return cfg, errors.New("RATE_MODE must be one of: order, line")
	}
	switch cfg.Policy.DefaultRateType {
	case RateTypePercentage, RateTypeFlat:
	default:
		return cfg, errors.New("DEFAULT_RATE_TYPE must be one of: percentage, flat")
	}
	if cfg.Policy.DefaultRate.IsNegative() {
		return cfg, errors.New("DEFAULT_RATE must be >= 0")
	}
	if cfg.Policy.RoundDecimals < 0 || cfg.Policy.RoundDecimals > 8 {
		return cfg, errors.New("ROUND_DECIMALS must be in [0,8]")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// IntegrationEnabled reports whether the given integration context is in the
// enabled set. An empty INTEGRATIONS list enables every context, which keeps
// single-platform deployments zero-config.
func (c Config) IntegrationEnabled(context string) bool {
	if len(c.Integrations) == 0 {
		return true
	}
	for _, it := range c.Integrations {
		if it == context {
			return true
		}
	}
	return false
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getdec(k string, def decimal.Decimal) decimal.Decimal {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitKV parses "k1=v1,k2=v2" into a map, skipping malformed pairs.
func splitKV(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, p := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
