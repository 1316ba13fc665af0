// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is declarative YAML (gateway.yaml in the working directory)
// describing a list of pipelines; secrets (provider API keys, Azure AD
// client secrets) are never written to the YAML file — each credential
// field names the environment variable that holds it, read at wiring time
// by internal/app. Scalar top-level settings (port, log level, CORS
// origins, optional Redis/ClickHouse DSNs) layer environment variables over
// the YAML file exactly as the teacher's config.Load() does.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses
// lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// GatewayConfig is the top-level configuration container.
type GatewayConfig struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// Redis holds the connection URL for the Redis-backed rate limiter
	// backend. Optional — pipelines with no Redis-backed steps ignore it.
	Redis RedisConfig

	// ClickHouse, when DSN is non-empty, enables the usage-log ClickHouse
	// sink alongside the always-on in-process logger.
	ClickHouse ClickHouseConfig

	// Pipelines is the ordered list of independently configured request
	// flows this process serves, matched by Host.
	Pipelines []PipelineConfig
}

// RedisConfig holds Redis connection configuration for the rate-limiter backend.
type RedisConfig struct {
	URL string
}

// ClickHouseConfig holds the optional usage-log analytics sink.
type ClickHouseConfig struct {
	DSN   string
	Table string // default: "gateway_usage"
}

// PipelineConfig is one entry in the `pipelines:` list.
type PipelineConfig struct {
	// Name identifies the pipeline in logs, telemetry tags and error messages.
	Name string

	// Host is the inbound Host header this pipeline is matched on. Empty
	// matches any host not claimed by a more specific pipeline.
	Host string

	Auth      AuthConfig
	Steps     []StepConfig
	Endpoints []EndpointConfig
	Selector  SelectorConfig

	// Cache configures exact-match response caching for buffered chat,
	// completion and embedding calls. Nil disables caching (default).
	Cache *ResponseCacheConfig

	// MaxRetries is the maximum number of endpoint attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// ProviderTimeout is the per-attempt HTTP timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// AuthConfig configures the pipeline's Auth step.
type AuthConfig struct {
	// Mode is "keys" (validate against Clients) or "none" (admit everything,
	// matching the teacher's AllowClientAPIKeys bypass). Default: "keys".
	Mode    string
	Clients []ClientConfig
}

// ClientConfig is one allow-listed caller.
type ClientConfig struct {
	Name string
	Keys []string
}

// StepConfig is a tagged union of the limiter steps a pipeline can install;
// exactly one field should be non-nil per list entry. Endpoint affinity is
// configured at the selector level (SelectorConfig kind "affinity"), not
// here — it picks which endpoint serves a call rather than admitting or
// rejecting one.
type StepConfig struct {
	Bulkhead    *BulkheadConfig
	RequestRate *WindowConfig
	TokenRate   *WindowConfig
}

// BulkheadConfig bounds concurrent in-flight requests.
type BulkheadConfig struct {
	Capacity  int
	Partition string // "per_pipeline" (default) or "per_consumer"
}

// WindowConfig bounds requests or tokens over a rolling window, backed by
// either the in-process or Redis WindowLimiter depending on whether Redis is
// configured at the GatewayConfig level.
type WindowConfig struct {
	Limit     int
	Window    time.Duration
	Partition string // "per_pipeline" (default) or "per_consumer"
}

// AffinityConfig sticks repeat calls for the same (consumer, assistant) pair
// to whatever endpoint first served them, for TTL.
type AffinityConfig struct {
	TTL time.Duration
}

// ResponseCacheConfig configures one pipeline's exact-match response cache.
// Backed by Redis when GatewayConfig.Redis.URL is set, an in-process
// MemoryCache otherwise.
type ResponseCacheConfig struct {
	// TTL is how long a cached response stays fresh. Default: 5 minutes.
	TTL time.Duration

	// ExcludeModels and ExcludePatterns name models (exact string, or
	// regex) that must never be served from cache — e.g. models configured
	// with nonzero temperature sampling upstream, where a cached response
	// undermines the caller's expectation of a fresh completion.
	ExcludeModels   []string
	ExcludePatterns []string
}

// EndpointConfig describes one upstream target. APIKeyEnv (and the Azure AD
// trio) name environment variables holding the actual secret — the YAML
// file itself never carries a credential.
type EndpointConfig struct {
	ID             string
	Kind           string // "azure_openai", "openai", "anthropic", "google_genai"
	BaseURL        string
	APIVersion     string // azure_openai only
	APIKeyEnv      string
	OrganizationEnv string // openai only, optional
	AzureAD        *AzureADConfig
	ModelMap       map[string]string
	MaxConcurrency int
}

// AzureADConfig configures AAD client-secret auth as an alternative to a
// static Azure OpenAI resource key.
type AzureADConfig struct {
	TenantIDEnv     string
	ClientIDEnv     string
	ClientSecretEnv string
}

// SelectorConfig is a recursive tagged union mirroring internal/selector's
// variant tree. Kind selects which field(s) apply.
type SelectorConfig struct {
	Kind string // "random", "priority", "lowest_latency", "affinity", "hierarchical"

	// random, lowest_latency: endpoint IDs drawn from the pipeline's Endpoints.
	EndpointIDs []string

	// priority: ordered tiers, each wrapping its own sub-selector.
	Tiers []SelectorTierConfig

	// affinity: wraps Fallback, sticky for TTL.
	TTL      time.Duration
	Fallback *SelectorConfig

	// hierarchical: tries each child in order.
	Children []SelectorConfig
}

// SelectorTierConfig is one rung of a priority cascade.
type SelectorTierConfig struct {
	Selector   SelectorConfig
	RetryOn4xx bool
}

// Load reads gateway.yaml from the working directory, layers environment
// variable overrides for the top-level scalar settings on top (viper's
// AutomaticEnv, same as the teacher), and validates the result.
func Load() (*GatewayConfig, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("gateway")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{"*"})

	cfg := &GatewayConfig{
		Port:     v.GetInt("port"),
		LogLevel: strings.ToLower(v.GetString("log_level")),
		CORSOrigins: v.GetStringSlice("cors_origins"),
		Redis:       RedisConfig{URL: v.GetString("redis_url")},
		ClickHouse: ClickHouseConfig{
			DSN:   os.Getenv("CLICKHOUSE_DSN"),
			Table: firstNonEmpty(os.Getenv("CLICKHOUSE_TABLE"), "gateway_usage"),
		},
	}

	// The structs carry no mapstructure tags: match lower_snake_case YAML
	// keys to CamelCase field names ignoring underscores and case.
	matchSnakeCase := func(dc *mapstructure.DecoderConfig) {
		dc.MatchName = func(mapKey, fieldName string) bool {
			return strings.EqualFold(strings.ReplaceAll(mapKey, "_", ""), fieldName)
		}
	}
	if err := v.UnmarshalKey("pipelines", &cfg.Pipelines, matchSnakeCase); err != nil {
		return nil, fmt.Errorf("config: failed to parse pipelines: %w", err)
	}

	applyPipelineDefaults(cfg.Pipelines)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyPipelineDefaults(pipelines []PipelineConfig) {
	for i := range pipelines {
		p := &pipelines[i]
		if p.Auth.Mode == "" {
			p.Auth.Mode = "keys"
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 3
		}
		if p.ProviderTimeout == 0 {
			p.ProviderTimeout = 30 * time.Second
		}
		if p.Cache != nil && p.Cache.TTL == 0 {
			p.Cache.TTL = 5 * time.Minute
		}
		for j := range p.Steps {
			if b := p.Steps[j].Bulkhead; b != nil && b.Partition == "" {
				b.Partition = "per_pipeline"
			}
			if r := p.Steps[j].RequestRate; r != nil && r.Partition == "" {
				r.Partition = "per_pipeline"
			}
			if r := p.Steps[j].TokenRate; r != nil && r.Partition == "" {
				r.Partition = "per_pipeline"
			}
		}
	}
}

// validate checks semantic constraints that can't be expressed as defaults.
func (c *GatewayConfig) validate() error {
	if len(c.Pipelines) == 0 {
		return errors.New("config: at least one pipeline must be configured")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	seenNames := make(map[string]bool, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if p.Name == "" {
			return errors.New("config: every pipeline needs a name")
		}
		if seenNames[p.Name] {
			return fmt.Errorf("config: duplicate pipeline name %q", p.Name)
		}
		seenNames[p.Name] = true

		switch p.Auth.Mode {
		case "keys", "none":
		default:
			return fmt.Errorf("config: pipeline %q: invalid auth.mode %q; must be \"keys\" or \"none\"", p.Name, p.Auth.Mode)
		}
		if p.Auth.Mode == "keys" && len(p.Auth.Clients) == 0 {
			return fmt.Errorf("config: pipeline %q: auth.mode=keys requires at least one client", p.Name)
		}

		if len(p.Endpoints) == 0 {
			return fmt.Errorf("config: pipeline %q: at least one endpoint is required", p.Name)
		}
		endpointIDs := make(map[string]bool, len(p.Endpoints))
		for _, e := range p.Endpoints {
			if e.ID == "" {
				return fmt.Errorf("config: pipeline %q: every endpoint needs an id", p.Name)
			}
			switch e.Kind {
			case "azure_openai", "openai", "anthropic", "google_genai":
			default:
				return fmt.Errorf("config: pipeline %q: endpoint %q: invalid kind %q", p.Name, e.ID, e.Kind)
			}
			if e.BaseURL == "" {
				return fmt.Errorf("config: pipeline %q: endpoint %q: base_url is required", p.Name, e.ID)
			}
			endpointIDs[e.ID] = true
		}

		if err := validateSelector(p.Name, p.Selector, endpointIDs); err != nil {
			return err
		}
		if p.MaxRetries < 1 {
			return fmt.Errorf("config: pipeline %q: max_retries must be ≥ 1", p.Name)
		}
		if p.Cache != nil {
			for _, pat := range p.Cache.ExcludePatterns {
				if _, err := regexp.Compile(pat); err != nil {
					return fmt.Errorf("config: pipeline %q: cache exclude_patterns: invalid pattern %q: %w", p.Name, pat, err)
				}
			}
		}
	}
	return nil
}

func validateSelector(pipelineName string, s SelectorConfig, endpointIDs map[string]bool) error {
	switch s.Kind {
	case "random", "lowest_latency":
		if len(s.EndpointIDs) == 0 {
			return fmt.Errorf("config: pipeline %q: selector kind %q requires endpoint_ids", pipelineName, s.Kind)
		}
		for _, id := range s.EndpointIDs {
			if !endpointIDs[id] {
				return fmt.Errorf("config: pipeline %q: selector references unknown endpoint %q", pipelineName, id)
			}
		}
	case "priority":
		if len(s.Tiers) == 0 {
			return fmt.Errorf("config: pipeline %q: priority selector requires at least one tier", pipelineName)
		}
		for _, t := range s.Tiers {
			if err := validateSelector(pipelineName, t.Selector, endpointIDs); err != nil {
				return err
			}
		}
	case "affinity":
		if s.Fallback == nil {
			return fmt.Errorf("config: pipeline %q: affinity selector requires a fallback", pipelineName)
		}
		return validateSelector(pipelineName, *s.Fallback, endpointIDs)
	case "hierarchical":
		if len(s.Children) == 0 {
			return fmt.Errorf("config: pipeline %q: hierarchical selector requires children", pipelineName)
		}
		for _, c := range s.Children {
			if err := validateSelector(pipelineName, c, endpointIDs); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("config: pipeline %q: invalid selector kind %q", pipelineName, s.Kind)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
