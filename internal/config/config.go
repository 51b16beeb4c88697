// Package config loads, validates and exposes the gateway configuration.
// It supports loading configuration from environment variables, files (JSON/YAML), and explicit overrides.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mcncl/edge-pipeline/internal/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server         ServerConfig    `json:"server" yaml:"server"`
	Pipeline       PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Identity       IdentityConfig  `json:"identity" yaml:"identity"`
	RateLimit      RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	CircuitBreaker BreakerConfig   `json:"circuit_breaker" yaml:"circuit_breaker"`
	Audit          AuditConfig     `json:"audit" yaml:"audit"`
	Telemetry      TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Security       SecurityConfig  `json:"security" yaml:"security"`
	Routes         []RouteConfig   `json:"routes" yaml:"routes"`
}

// ServerConfig holds HTTP server related configuration
type ServerConfig struct {
	Port            int      `json:"port" yaml:"port"`
	LogLevel        string   `json:"log_level" yaml:"log_level"`
	LogFormat       string   `json:"log_format" yaml:"log_format"`
	MaxRequestSize  int64    `json:"max_request_size" yaml:"max_request_size"`
	RequestTimeout  Duration `json:"request_timeout" yaml:"request_timeout"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// PipelineConfig holds the version resolution settings shared by all routes
type PipelineConfig struct {
	APIPrefix         string   `json:"api_prefix" yaml:"api_prefix"`
	SupportedVersions []string `json:"supported_versions" yaml:"supported_versions"`
	DefaultVersion    string   `json:"default_version" yaml:"default_version"`
	// VersionStrategies is the precedence order of version signals
	VersionStrategies []string `json:"version_strategies" yaml:"version_strategies"`
}

// IdentityConfig configures verification of bearer credentials
type IdentityConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	SigningKey  string `json:"signing_key" yaml:"signing_key"`
	Issuer      string `json:"issuer" yaml:"issuer"`
	Audience    string `json:"audience" yaml:"audience"`
	UserIDClaim string `json:"user_id_claim" yaml:"user_id_claim"`
}

// RateLimitConfig configures the limiter store and the default policy
type RateLimitConfig struct {
	Store           string  `json:"store" yaml:"store"`
	RedisAddr       string  `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword   string  `json:"redis_password" yaml:"redis_password"`
	RedisDB         int     `json:"redis_db" yaml:"redis_db"`
	KeyPrefix       string  `json:"key_prefix" yaml:"key_prefix"`
	Strategy        string  `json:"strategy" yaml:"strategy"`
	ReplenishRate   float64 `json:"replenish_rate" yaml:"replenish_rate"`
	BurstCapacity   int     `json:"burst_capacity" yaml:"burst_capacity"`
	RequestedTokens int     `json:"requested_tokens" yaml:"requested_tokens"`
}

// BreakerConfig holds circuit breaker parameters
type BreakerConfig struct {
	FailureRateThreshold float64  `json:"failure_rate_threshold" yaml:"failure_rate_threshold"`
	MinimumCalls         int      `json:"minimum_calls" yaml:"minimum_calls"`
	WindowSize           int      `json:"window_size" yaml:"window_size"`
	OpenDuration         Duration `json:"open_duration" yaml:"open_duration"`
	HalfOpenProbes       int      `json:"half_open_probes" yaml:"half_open_probes"`
}

// AuditConfig configures asynchronous audit delivery
type AuditConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	ProjectID        string   `json:"project_id" yaml:"project_id"`
	TopicID          string   `json:"topic_id" yaml:"topic_id"`
	BufferSize       int      `json:"buffer_size" yaml:"buffer_size"`
	Workers          int      `json:"workers" yaml:"workers"`
	PublishTimeout   Duration `json:"publish_timeout" yaml:"publish_timeout"`
	SpoolPath        string   `json:"spool_path" yaml:"spool_path"`
	SensitiveHeaders []string `json:"sensitive_headers" yaml:"sensitive_headers"`
}

// TelemetryConfig configures tracing export
type TelemetryConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	ServiceName   string  `json:"service_name" yaml:"service_name"`
	Environment   string  `json:"environment" yaml:"environment"`
	OTLPEndpoint  string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SamplingRatio float64 `json:"sampling_ratio" yaml:"sampling_ratio"`
}

// SecurityConfig holds security related configuration
type SecurityConfig struct {
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers"`
	// AdminAllowedCIDRs limits who may reach the /admin endpoints
	AdminAllowedCIDRs []string `json:"admin_allowed_cidrs" yaml:"admin_allowed_cidrs"`
}

// RouteConfig describes one backend route
type RouteConfig struct {
	ID             string              `json:"id" yaml:"id"`
	PathPrefix     string              `json:"path_prefix" yaml:"path_prefix"`
	URI            string              `json:"uri" yaml:"uri"`
	Methods        []string            `json:"methods" yaml:"methods"`
	Timeout        Duration            `json:"timeout" yaml:"timeout"`
	StripPrefix    bool                `json:"strip_prefix" yaml:"strip_prefix"`
	RateLimit      *RouteRateLimit     `json:"rate_limit,omitempty" yaml:"rate_limit"`
	CircuitBreaker *RouteBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker"`
}

// RouteRateLimit overrides the default rate-limit policy for a route
type RouteRateLimit struct {
	Strategy        string  `json:"strategy" yaml:"strategy"`
	ReplenishRate   float64 `json:"replenish_rate" yaml:"replenish_rate"`
	BurstCapacity   int     `json:"burst_capacity" yaml:"burst_capacity"`
	RequestedTokens int     `json:"requested_tokens" yaml:"requested_tokens"`
}

// RouteBreakerConfig overrides breaker parameters for a route's dependency
type RouteBreakerConfig struct {
	Name          string `json:"name" yaml:"name"`
	BreakerConfig `json:",inline" yaml:",inline"`
	FallbackURI   string `json:"fallback_uri" yaml:"fallback_uri"`
}

// Strategy names
const (
	StrategyHeader = "header"
	StrategyPath   = "path"
	StrategyQuery  = "query"

	RateLimitUser = "user"
	RateLimitIP   = "ip"

	StoreMemory = "memory"
	StoreRedis  = "redis"
)

var versionPattern = regexp.MustCompile(`^v[0-9]+$`)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			LogLevel:        "info",
			LogFormat:       "json",
			MaxRequestSize:  1 * 1024 * 1024, // 1 MB
			RequestTimeout:  Seconds(30),
			ReadTimeout:     Seconds(5),
			WriteTimeout:    Seconds(35),
			IdleTimeout:     Seconds(120),
			ShutdownTimeout: Seconds(15),
		},
		Pipeline: PipelineConfig{
			APIPrefix:         "/api",
			SupportedVersions: []string{"v1", "v2"},
			DefaultVersion:    "v1",
			VersionStrategies: []string{StrategyHeader, StrategyPath, StrategyQuery},
		},
		Identity: IdentityConfig{
			UserIDClaim: "user_id",
		},
		RateLimit: RateLimitConfig{
			Store:           StoreMemory,
			RedisAddr:       "localhost:6379",
			KeyPrefix:       "edge_rate_limit",
			Strategy:        RateLimitIP,
			ReplenishRate:   10,
			BurstCapacity:   20,
			RequestedTokens: 1,
		},
		CircuitBreaker: BreakerConfig{
			FailureRateThreshold: 50,
			MinimumCalls:         5,
			WindowSize:           10,
			OpenDuration:         Seconds(30),
			HalfOpenProbes:       3,
		},
		Audit: AuditConfig{
			Enabled:        true,
			BufferSize:     1024,
			Workers:        2,
			PublishTimeout: Seconds(5),
			SensitiveHeaders: []string{
				"Authorization",
				"Cookie",
				"Set-Cookie",
				"X-API-Key",
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "edge-gateway",
			Environment:   "development",
			OTLPEndpoint:  "localhost:4317",
			SamplingRatio: 0.1,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{
				"Accept",
				"Content-Type",
				"Content-Length",
				"Accept-Encoding",
				"Authorization",
				"X-API-Version",
				"X-Correlation-ID",
			},
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Check Server fields
	if c.Server.Port < 1024 || c.Server.Port > 65535 {
		return errors.NewValidationError("Server.Port must be between 1024 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Server.LogLevel)] {
		return errors.NewValidationError("Server.LogLevel must be one of: debug, info, warn, error")
	}
	if c.Server.MaxRequestSize <= 0 {
		return errors.NewValidationError("Server.MaxRequestSize must be positive")
	}

	if err := c.Pipeline.validate(); err != nil {
		return err
	}

	if c.Identity.Enabled && c.Identity.SigningKey == "" {
		return errors.NewValidationError("Identity.SigningKey is required when identity is enabled")
	}

	switch c.RateLimit.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RateLimit.RedisAddr == "" {
			return errors.NewValidationError("RateLimit.RedisAddr is required for the redis store")
		}
	default:
		return errors.NewValidationError("RateLimit.Store must be one of: memory, redis")
	}
	if err := validateRateLimit("RateLimit", c.RateLimit.Strategy, c.RateLimit.ReplenishRate, c.RateLimit.BurstCapacity); err != nil {
		return err
	}

	if err := c.CircuitBreaker.validate("CircuitBreaker"); err != nil {
		return err
	}

	if c.Audit.Enabled {
		if c.Audit.BufferSize <= 0 {
			return errors.NewValidationError("Audit.BufferSize must be positive")
		}
		if c.Audit.Workers <= 0 {
			return errors.NewValidationError("Audit.Workers must be positive")
		}
		if c.Audit.TopicID != "" && c.Audit.ProjectID == "" {
			return errors.NewValidationError("Audit.ProjectID is required when Audit.TopicID is set")
		}
	}

	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return errors.NewValidationError("Telemetry.SamplingRatio must be between 0 and 1")
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if err := r.validate(i); err != nil {
			return err
		}
		if seen[r.ID] {
			return errors.NewValidationError(fmt.Sprintf("Routes[%d].ID %q is duplicated", i, r.ID))
		}
		seen[r.ID] = true
	}

	return nil
}

func (p PipelineConfig) validate() error {
	if !strings.HasPrefix(p.APIPrefix, "/") || strings.HasSuffix(p.APIPrefix, "/") {
		return errors.NewValidationError("Pipeline.APIPrefix must start with / and not end with /")
	}
	if len(p.SupportedVersions) == 0 {
		return errors.NewValidationError("Pipeline.SupportedVersions cannot be empty")
	}
	supported := false
	for _, v := range p.SupportedVersions {
		if !versionPattern.MatchString(v) {
			return errors.NewValidationError(fmt.Sprintf("Pipeline.SupportedVersions entry %q must look like v<digits>", v))
		}
		if v == p.DefaultVersion {
			supported = true
		}
	}
	if !supported {
		return errors.NewValidationError("Pipeline.DefaultVersion must be one of Pipeline.SupportedVersions")
	}
	for _, s := range p.VersionStrategies {
		switch s {
		case StrategyHeader, StrategyPath, StrategyQuery:
		default:
			return errors.NewValidationError(fmt.Sprintf("Pipeline.VersionStrategies entry %q must be one of: header, path, query", s))
		}
	}
	return nil
}

func validateRateLimit(field, strategy string, replenish float64, burst int) error {
	switch strategy {
	case RateLimitUser, RateLimitIP:
	default:
		return errors.NewValidationError(field + ".Strategy must be one of: user, ip")
	}
	if replenish < 0 {
		return errors.NewValidationError(field + ".ReplenishRate cannot be negative")
	}
	if burst < 0 {
		return errors.NewValidationError(field + ".BurstCapacity cannot be negative")
	}
	if replenish > 0 && burst == 0 {
		return errors.NewValidationError(field + ".BurstCapacity must be positive when a replenish rate is set")
	}
	return nil
}

func (b BreakerConfig) validate(field string) error {
	if b.FailureRateThreshold <= 0 || b.FailureRateThreshold > 100 {
		return errors.NewValidationError(field + ".FailureRateThreshold must be in (0, 100]")
	}
	if b.WindowSize <= 0 {
		return errors.NewValidationError(field + ".WindowSize must be positive")
	}
	if b.MinimumCalls <= 0 || b.MinimumCalls > b.WindowSize {
		return errors.NewValidationError(field + ".MinimumCalls must be between 1 and WindowSize")
	}
	if b.OpenDuration.Duration <= 0 {
		return errors.NewValidationError(field + ".OpenDuration must be positive")
	}
	if b.HalfOpenProbes <= 0 {
		return errors.NewValidationError(field + ".HalfOpenProbes must be positive")
	}
	return nil
}

func (r RouteConfig) validate(i int) error {
	field := fmt.Sprintf("Routes[%d]", i)
	if r.ID == "" {
		return errors.NewValidationError(field + ".ID cannot be empty")
	}
	if !strings.HasPrefix(r.PathPrefix, "/") {
		return errors.NewValidationError(field + ".PathPrefix must start with /")
	}
	u, err := url.Parse(r.URI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.NewValidationError(field + ".URI must be an absolute http(s) URL")
	}
	if r.Timeout.Duration < 0 {
		return errors.NewValidationError(field + ".Timeout cannot be negative")
	}
	if r.RateLimit != nil {
		if err := validateRateLimit(field+".RateLimit", r.RateLimit.Strategy, r.RateLimit.ReplenishRate, r.RateLimit.BurstCapacity); err != nil {
			return err
		}
	}
	if r.CircuitBreaker != nil {
		if err := r.CircuitBreaker.BreakerConfig.validate(field + ".CircuitBreaker"); err != nil {
			return err
		}
		if fb := r.CircuitBreaker.FallbackURI; fb != "" && !strings.HasPrefix(fb, "forward:") {
			u, err := url.Parse(fb)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return errors.NewValidationError(field + ".CircuitBreaker.FallbackURI must be forward:/path or an http(s) URL")
			}
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables. Only variables
// that are set populate the result; everything else stays zero so the result
// can be merged over other sources.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}

	// Server config
	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = port
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Server.LogLevel = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Server.LogFormat = val
	}
	if val := os.Getenv("MAX_REQUEST_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil && size > 0 {
			cfg.Server.MaxRequestSize = size
		}
	}
	envDuration("REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	envDuration("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	envDuration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Pipeline config
	if val := os.Getenv("API_PREFIX"); val != "" {
		cfg.Pipeline.APIPrefix = val
	}
	if val := os.Getenv("SUPPORTED_VERSIONS"); val != "" {
		cfg.Pipeline.SupportedVersions = splitList(val)
	}
	if val := os.Getenv("DEFAULT_VERSION"); val != "" {
		cfg.Pipeline.DefaultVersion = val
	}
	if val := os.Getenv("VERSION_STRATEGIES"); val != "" {
		cfg.Pipeline.VersionStrategies = splitList(val)
	}

	// Identity config
	if val := os.Getenv("IDENTITY_ENABLED"); val != "" {
		cfg.Identity.Enabled = parseBool(val)
	}
	if val := os.Getenv("JWT_SIGNING_KEY"); val != "" {
		cfg.Identity.SigningKey = val
	}
	if val := os.Getenv("JWT_ISSUER"); val != "" {
		cfg.Identity.Issuer = val
	}
	if val := os.Getenv("JWT_AUDIENCE"); val != "" {
		cfg.Identity.Audience = val
	}

	// Rate limit config
	if val := os.Getenv("RATE_LIMIT_STORE"); val != "" {
		cfg.RateLimit.Store = val
	}
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.RateLimit.RedisAddr = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.RateLimit.RedisPassword = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil && db >= 0 {
			cfg.RateLimit.RedisDB = db
		}
	}
	if val := os.Getenv("RATE_LIMIT_STRATEGY"); val != "" {
		cfg.RateLimit.Strategy = val
	}
	if val := os.Getenv("RATE_LIMIT_REPLENISH_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil && rate >= 0 {
			cfg.RateLimit.ReplenishRate = rate
		}
	}
	if val := os.Getenv("RATE_LIMIT_BURST_CAPACITY"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil && burst >= 0 {
			cfg.RateLimit.BurstCapacity = burst
		}
	}

	// Audit config
	if val := os.Getenv("AUDIT_ENABLED"); val != "" {
		enabled := parseBool(val)
		cfg.Audit.Enabled = enabled
	}
	if val := os.Getenv("PROJECT_ID"); val != "" {
		cfg.Audit.ProjectID = val
	}
	if val := os.Getenv("AUDIT_TOPIC_ID"); val != "" {
		cfg.Audit.TopicID = val
	}
	if val := os.Getenv("AUDIT_SPOOL_PATH"); val != "" {
		cfg.Audit.SpoolPath = val
	}
	if val := os.Getenv("AUDIT_BUFFER_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil && size > 0 {
			cfg.Audit.BufferSize = size
		}
	}
	if val := os.Getenv("SENSITIVE_HEADERS"); val != "" {
		cfg.Audit.SensitiveHeaders = splitList(val)
	}

	// Telemetry config
	if val := os.Getenv("ENABLE_TRACING"); val != "" {
		cfg.Telemetry.Enabled = parseBool(val)
	}
	if val := os.Getenv("OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("TRACE_SAMPLING_RATIO"); val != "" {
		if ratio, err := strconv.ParseFloat(val, 64); err == nil && ratio >= 0 && ratio <= 1 {
			cfg.Telemetry.SamplingRatio = ratio
		}
	}
	if val := os.Getenv("ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}

	// Security config
	if val := os.Getenv("ALLOWED_ORIGINS"); val != "" {
		cfg.Security.AllowedOrigins = splitList(val)
	}
	if val := os.Getenv("ALLOWED_METHODS"); val != "" {
		cfg.Security.AllowedMethods = splitList(val)
	}
	if val := os.Getenv("ALLOWED_HEADERS"); val != "" {
		cfg.Security.AllowedHeaders = splitList(val)
	}
	if val := os.Getenv("ADMIN_ALLOWED_CIDRS"); val != "" {
		cfg.Security.AdminAllowedCIDRs = splitList(val)
	}

	return cfg, nil
}

func envDuration(name string, dst *Duration) {
	val := os.Getenv(name)
	if val == "" {
		return
	}
	if d, err := parseDuration(val); err == nil && d > 0 {
		dst.Duration = d
	}
}

func parseBool(val string) bool {
	val = strings.ToLower(val)
	return val == "true" || val == "1"
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse JSON config file")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse YAML config file")
		}
	default:
		return nil, errors.NewValidationError("unsupported config file format: " + ext)
	}

	return cfg, nil
}

// MergeConfigs merges two configurations, with the second taking precedence
func MergeConfigs(base, override *Config) *Config {
	result := *base

	// Only override non-zero values
	if override == nil {
		return &result
	}

	// Server config
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}
	if override.Server.LogLevel != "" {
		result.Server.LogLevel = override.Server.LogLevel
	}
	if override.Server.LogFormat != "" {
		result.Server.LogFormat = override.Server.LogFormat
	}
	if override.Server.MaxRequestSize != 0 {
		result.Server.MaxRequestSize = override.Server.MaxRequestSize
	}
	mergeDuration(&result.Server.RequestTimeout, override.Server.RequestTimeout)
	mergeDuration(&result.Server.ReadTimeout, override.Server.ReadTimeout)
	mergeDuration(&result.Server.WriteTimeout, override.Server.WriteTimeout)
	mergeDuration(&result.Server.IdleTimeout, override.Server.IdleTimeout)
	mergeDuration(&result.Server.ShutdownTimeout, override.Server.ShutdownTimeout)

	// Pipeline config
	if override.Pipeline.APIPrefix != "" {
		result.Pipeline.APIPrefix = override.Pipeline.APIPrefix
	}
	if len(override.Pipeline.SupportedVersions) > 0 {
		result.Pipeline.SupportedVersions = override.Pipeline.SupportedVersions
	}
	if override.Pipeline.DefaultVersion != "" {
		result.Pipeline.DefaultVersion = override.Pipeline.DefaultVersion
	}
	if len(override.Pipeline.VersionStrategies) > 0 {
		result.Pipeline.VersionStrategies = override.Pipeline.VersionStrategies
	}

	// Identity config
	// We need to explicitly check booleans
	if override.Identity.Enabled {
		result.Identity.Enabled = true
	}
	if override.Identity.SigningKey != "" {
		result.Identity.SigningKey = override.Identity.SigningKey
	}
	if override.Identity.Issuer != "" {
		result.Identity.Issuer = override.Identity.Issuer
	}
	if override.Identity.Audience != "" {
		result.Identity.Audience = override.Identity.Audience
	}
	if override.Identity.UserIDClaim != "" {
		result.Identity.UserIDClaim = override.Identity.UserIDClaim
	}

	// Rate limit config
	if override.RateLimit.Store != "" {
		result.RateLimit.Store = override.RateLimit.Store
	}
	if override.RateLimit.RedisAddr != "" {
		result.RateLimit.RedisAddr = override.RateLimit.RedisAddr
	}
	if override.RateLimit.RedisPassword != "" {
		result.RateLimit.RedisPassword = override.RateLimit.RedisPassword
	}
	if override.RateLimit.RedisDB != 0 {
		result.RateLimit.RedisDB = override.RateLimit.RedisDB
	}
	if override.RateLimit.KeyPrefix != "" {
		result.RateLimit.KeyPrefix = override.RateLimit.KeyPrefix
	}
	if override.RateLimit.Strategy != "" {
		result.RateLimit.Strategy = override.RateLimit.Strategy
	}
	if override.RateLimit.ReplenishRate != 0 {
		result.RateLimit.ReplenishRate = override.RateLimit.ReplenishRate
	}
	if override.RateLimit.BurstCapacity != 0 {
		result.RateLimit.BurstCapacity = override.RateLimit.BurstCapacity
	}
	if override.RateLimit.RequestedTokens != 0 {
		result.RateLimit.RequestedTokens = override.RateLimit.RequestedTokens
	}

	// Circuit breaker defaults
	if override.CircuitBreaker.FailureRateThreshold != 0 {
		result.CircuitBreaker.FailureRateThreshold = override.CircuitBreaker.FailureRateThreshold
	}
	if override.CircuitBreaker.MinimumCalls != 0 {
		result.CircuitBreaker.MinimumCalls = override.CircuitBreaker.MinimumCalls
	}
	if override.CircuitBreaker.WindowSize != 0 {
		result.CircuitBreaker.WindowSize = override.CircuitBreaker.WindowSize
	}
	mergeDuration(&result.CircuitBreaker.OpenDuration, override.CircuitBreaker.OpenDuration)
	if override.CircuitBreaker.HalfOpenProbes != 0 {
		result.CircuitBreaker.HalfOpenProbes = override.CircuitBreaker.HalfOpenProbes
	}

	// Audit config. Enabled defaults to true, so a file or env can only turn
	// it off through an explicit override of the whole section.
	if override.Audit.ProjectID != "" {
		result.Audit.ProjectID = override.Audit.ProjectID
	}
	if override.Audit.TopicID != "" {
		result.Audit.TopicID = override.Audit.TopicID
	}
	if override.Audit.BufferSize != 0 {
		result.Audit.BufferSize = override.Audit.BufferSize
	}
	if override.Audit.Workers != 0 {
		result.Audit.Workers = override.Audit.Workers
	}
	mergeDuration(&result.Audit.PublishTimeout, override.Audit.PublishTimeout)
	if override.Audit.SpoolPath != "" {
		result.Audit.SpoolPath = override.Audit.SpoolPath
	}
	if len(override.Audit.SensitiveHeaders) > 0 {
		result.Audit.SensitiveHeaders = override.Audit.SensitiveHeaders
	}

	// Telemetry config
	if override.Telemetry.Enabled {
		result.Telemetry.Enabled = true
	}
	if override.Telemetry.ServiceName != "" {
		result.Telemetry.ServiceName = override.Telemetry.ServiceName
	}
	if override.Telemetry.Environment != "" {
		result.Telemetry.Environment = override.Telemetry.Environment
	}
	if override.Telemetry.OTLPEndpoint != "" {
		result.Telemetry.OTLPEndpoint = override.Telemetry.OTLPEndpoint
	}
	if override.Telemetry.SamplingRatio != 0 {
		result.Telemetry.SamplingRatio = override.Telemetry.SamplingRatio
	}

	// Security config
	if len(override.Security.AllowedOrigins) > 0 {
		result.Security.AllowedOrigins = override.Security.AllowedOrigins
	}
	if len(override.Security.AllowedMethods) > 0 {
		result.Security.AllowedMethods = override.Security.AllowedMethods
	}
	if len(override.Security.AllowedHeaders) > 0 {
		result.Security.AllowedHeaders = override.Security.AllowedHeaders
	}
	if len(override.Security.AdminAllowedCIDRs) > 0 {
		result.Security.AdminAllowedCIDRs = override.Security.AdminAllowedCIDRs
	}

	// Routes are replaced as a whole
	if len(override.Routes) > 0 {
		result.Routes = override.Routes
	}

	return &result
}

func mergeDuration(dst *Duration, override Duration) {
	if override.Duration != 0 {
		*dst = override
	}
}

// Load loads the configuration from multiple sources with the following precedence:
// 1. Override (highest precedence)
// 2. Environment variables
// 3. Config file
// 4. Default values (lowest precedence)
func Load(configFile string, override *Config) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		fileCfg, err := LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		// The file was decoded over the defaults, so it already carries them
		cfg = fileCfg
	}

	envCfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}
	cfg = MergeConfigs(cfg, envCfg)
	if val := os.Getenv("AUDIT_ENABLED"); val != "" {
		cfg.Audit.Enabled = envCfg.Audit.Enabled
	}

	if override != nil {
		cfg = MergeConfigs(cfg, override)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// String returns a string representation of the configuration
// with sensitive fields masked
func (c *Config) String() string {
	// Create a copy to avoid modifying the original
	copy := *c

	// Mask sensitive fields
	if copy.Identity.SigningKey != "" {
		copy.Identity.SigningKey = "********"
	}
	if copy.RateLimit.RedisPassword != "" {
		copy.RateLimit.RedisPassword = "********"
	}

	bytes, err := json.MarshalIndent(copy, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error marshaling config: %v", err)
	}

	return string(bytes)
}
