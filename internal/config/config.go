// Package config holds the immutable server configuration. Values are
// assembled once at startup from defaults, an optional YAML/JSON file,
// DSHIELD_-prefixed environment variables, and CLI overrides; after Load
// returns, the tree is never mutated outside the watcher's reload path.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftsec/dshield-mcp/internal/logging"
)

// Transport modes.
const (
	TransportStdio = "stdio"
	TransportTCP   = "tcp"
)

// Fallback strategies for oversized results.
const (
	FallbackAggregate = "aggregate"
	FallbackSample    = "sample"
	FallbackError     = "error"
)

// Report engines.
const (
	ReportEngineBuiltin    = "builtin"
	ReportEngineTypesetter = "typesetter"
)

// Config is the complete server configuration tree.
type Config struct {
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch" json:"elasticsearch"`
	ThreatIntel   ThreatIntelConfig   `yaml:"threat_intel" json:"threat_intel"`
	Query         QueryConfig         `yaml:"query" json:"query"`
	Streaming     StreamingConfig     `yaml:"streaming" json:"streaming"`
	Correlation   CorrelationConfig   `yaml:"correlation" json:"correlation"`
	ErrorHandling ErrorHandlingConfig `yaml:"error_handling" json:"error_handling"`
	Transport     TransportConfig     `yaml:"transport" json:"transport"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	Health        HealthConfig        `yaml:"health" json:"health"`
	Logging       logging.Config      `yaml:"logging" json:"logging"`
	Ops           OpsConfig           `yaml:"ops" json:"ops"`
	Report        ReportConfig        `yaml:"report" json:"report"`
	Secrets       SecretsConfig       `yaml:"secrets" json:"secrets"`

	// OutputDirectory is where generated reports are written.
	OutputDirectory string `yaml:"output_directory" json:"output_directory"`
}

// ElasticsearchConfig wires the SIEM backend.
type ElasticsearchConfig struct {
	URL               string        `yaml:"url" json:"url"`
	Username          string        `yaml:"username" json:"username"`
	Password          string        `yaml:"password" json:"password"`
	VerifySSL         bool          `yaml:"verify_ssl" json:"verify_ssl"`
	Indices           IndicesConfig `yaml:"indices" json:"indices"`
	CompatibilityMode bool          `yaml:"compatibility_mode" json:"compatibility_mode"`
	TimeoutSeconds    int           `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxConnsPerHost   int           `yaml:"max_conns_per_host" json:"max_conns_per_host"`
}

// IndicesConfig lists the index patterns queried per event source.
type IndicesConfig struct {
	Cowrie     []string `yaml:"cowrie" json:"cowrie"`
	Zeek       []string `yaml:"zeek" json:"zeek"`
	Additional []string `yaml:"additional" json:"additional"`
}

// Patterns returns every configured index pattern, Cowrie first.
func (i IndicesConfig) Patterns() []string {
	out := make([]string, 0, len(i.Cowrie)+len(i.Zeek)+len(i.Additional))
	out = append(out, i.Cowrie...)
	out = append(out, i.Zeek...)
	out = append(out, i.Additional...)
	return out
}

// ThreatIntelConfig wires the external reputation vendor.
type ThreatIntelConfig struct {
	APIURL             string `yaml:"api_url" json:"api_url"`
	APIKey             string `yaml:"api_key" json:"api_key"`
	CacheTTLSeconds    int    `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	TimeoutSeconds     int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	// CachePath enables the persistent sqlite response cache when set.
	CachePath string `yaml:"cache_path" json:"cache_path"`
}

// QueryConfig tunes the query engine.
type QueryConfig struct {
	DefaultPageSize     int    `yaml:"default_page_size" json:"default_page_size"`
	MaxPageSize         int    `yaml:"max_page_size" json:"max_page_size"`
	MaxResultSizeMB     int    `yaml:"max_result_size_mb" json:"max_result_size_mb"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds" json:"query_timeout_seconds"`
	FallbackStrategy    string `yaml:"fallback_strategy" json:"fallback_strategy"`
}

// StreamingConfig tunes the streaming engine.
type StreamingConfig struct {
	DefaultChunkSize  int `yaml:"default_chunk_size" json:"default_chunk_size"`
	MaxChunks         int `yaml:"max_chunks" json:"max_chunks"`
	SessionGapSeconds int `yaml:"session_gap_seconds" json:"session_gap_seconds"`
}

// CorrelationConfig tunes the campaign correlation pipeline.
type CorrelationConfig struct {
	SubnetPrefixBits      int     `yaml:"subnet_prefix_bits" json:"subnet_prefix_bits"`
	MinGroupSize          int     `yaml:"min_group_size" json:"min_group_size"`
	TemporalBucketMinutes int     `yaml:"temporal_bucket_minutes" json:"temporal_bucket_minutes"`
	TemporalOverlap       float64 `yaml:"temporal_overlap" json:"temporal_overlap"`
	MaxEvents             int     `yaml:"max_events" json:"max_events"`
	MaxIndicators         int     `yaml:"max_indicators" json:"max_indicators"`
	ExpansionDepthCap     int     `yaml:"expansion_depth_cap" json:"expansion_depth_cap"`
}

// ErrorHandlingConfig tunes timeouts, retries, breakers, and analytics.
type ErrorHandlingConfig struct {
	Timeouts         TimeoutsConfig    `yaml:"timeouts" json:"timeouts"`
	Retry            RetryConfig       `yaml:"retry" json:"retry"`
	CircuitBreaker   BreakerConfig     `yaml:"circuit_breaker" json:"circuit_breaker"`
	ErrorAggregation AggregationConfig `yaml:"error_aggregation" json:"error_aggregation"`
}

// TimeoutsConfig carries the default deadlines.
type TimeoutsConfig struct {
	ToolDefaultSeconds int `yaml:"tool_default_seconds" json:"tool_default_seconds"`
	ShutdownSeconds    int `yaml:"shutdown_seconds" json:"shutdown_seconds"`
}

// RetryConfig bounds adapter-level retries of idempotent calls.
type RetryConfig struct {
	MaxAttempts     int `yaml:"max_attempts" json:"max_attempts"`
	InitialDelayMS  int `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	MaxDelaySeconds int `yaml:"max_delay_seconds" json:"max_delay_seconds"`
}

// BreakerConfig carries the shared circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout" json:"recovery_timeout"`
	SuccessThreshold       int `yaml:"success_threshold" json:"success_threshold"`
}

// AggregationConfig bounds the error analytics buffer.
type AggregationConfig struct {
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
	HistorySize   int `yaml:"history_size" json:"history_size"`
}

// TransportConfig selects and tunes the wire transport.
type TransportConfig struct {
	Mode               string    `yaml:"mode" json:"mode"`
	MaxFrameBytes      int64     `yaml:"max_frame_bytes" json:"max_frame_bytes"`
	MaxInflightPerConn int       `yaml:"max_inflight_per_conn" json:"max_inflight_per_conn"`
	TCP                TCPConfig `yaml:"tcp" json:"tcp"`
}

// TCPConfig tunes the TCP listener.
type TCPConfig struct {
	Bind                     string `yaml:"bind" json:"bind"`
	Port                     int    `yaml:"port" json:"port"`
	MaxConnections           int    `yaml:"max_connections" json:"max_connections"`
	ConnectionTimeoutSeconds int    `yaml:"connection_timeout_seconds" json:"connection_timeout_seconds"`
}

// AuthConfig declares api keys and their defaults.
type AuthConfig struct {
	Defaults AuthDefaults   `yaml:"defaults" json:"defaults"`
	Keys     []APIKeyRecord `yaml:"keys" json:"keys"`

	// Window limits enforced alongside per-key token buckets.
	PerConnPerMinute int `yaml:"per_conn_per_minute" json:"per_conn_per_minute"`
	GlobalPerMinute  int `yaml:"global_per_minute" json:"global_per_minute"`
	Burst            int `yaml:"burst" json:"burst"`
}

// AuthDefaults apply to keys that omit the field.
type AuthDefaults struct {
	ExpirationDays     int           `yaml:"expiration_days" json:"expiration_days"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	Permissions        PermissionSet `yaml:"permissions" json:"permissions"`
}

// HealthConfig tunes the backend prober.
type HealthConfig struct {
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds" json:"probe_interval_seconds"`
	ProbeTimeoutSeconds  int `yaml:"probe_timeout_seconds" json:"probe_timeout_seconds"`
}

// OpsConfig enables the observability HTTP listener.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Bind    string `yaml:"bind" json:"bind"`
	Port    int    `yaml:"port" json:"port"`
}

// ReportConfig selects the report engine.
type ReportConfig struct {
	Engine     string           `yaml:"engine" json:"engine"`
	Typesetter TypesetterConfig `yaml:"typesetter" json:"typesetter"`
}

// TypesetterConfig wires the external typesetter subprocess.
type TypesetterConfig struct {
	Command        string   `yaml:"command" json:"command"`
	Args           []string `yaml:"args" json:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxOutputMB    int      `yaml:"max_output_mb" json:"max_output_mb"`
}

// SecretsConfig wires the external vault CLI.
type SecretsConfig struct {
	Command        string   `yaml:"command" json:"command"`
	Args           []string `yaml:"args" json:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Elasticsearch: ElasticsearchConfig{
			URL:       "https://localhost:9200",
			VerifySSL: true,
			Indices: IndicesConfig{
				Cowrie: []string{"cowrie-*"},
				Zeek:   []string{"filebeat-zeek-*"},
			},
			TimeoutSeconds:  30,
			MaxConnsPerHost: 10,
		},
		ThreatIntel: ThreatIntelConfig{
			APIURL:             "https://isc.sans.edu/api",
			CacheTTLSeconds:    3600,
			RateLimitPerMinute: 60,
			TimeoutSeconds:     15,
		},
		Query: QueryConfig{
			DefaultPageSize:     100,
			MaxPageSize:         1000,
			MaxResultSizeMB:     10,
			QueryTimeoutSeconds: 30,
			FallbackStrategy:    FallbackAggregate,
		},
		Streaming: StreamingConfig{
			DefaultChunkSize:  500,
			MaxChunks:         20,
			SessionGapSeconds: 1800,
		},
		Correlation: CorrelationConfig{
			SubnetPrefixBits:      24,
			MinGroupSize:          3,
			TemporalBucketMinutes: 60,
			TemporalOverlap:       0.5,
			MaxEvents:             10000,
			MaxIndicators:         500,
			ExpansionDepthCap:     3,
		},
		ErrorHandling: ErrorHandlingConfig{
			Timeouts: TimeoutsConfig{
				ToolDefaultSeconds: 120,
				ShutdownSeconds:    30,
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialDelayMS:  250,
				MaxDelaySeconds: 10,
			},
			CircuitBreaker: BreakerConfig{
				FailureThreshold:       5,
				RecoveryTimeoutSeconds: 60,
				SuccessThreshold:       2,
			},
			ErrorAggregation: AggregationConfig{
				WindowSeconds: 300,
				HistorySize:   1000,
			},
		},
		Transport: TransportConfig{
			Mode:               TransportStdio,
			MaxFrameBytes:      1 << 20,
			MaxInflightPerConn: 16,
			TCP: TCPConfig{
				Bind:                     "127.0.0.1",
				Port:                     8024,
				MaxConnections:           64,
				ConnectionTimeoutSeconds: 300,
			},
		},
		Auth: AuthConfig{
			Defaults: AuthDefaults{
				ExpirationDays:     90,
				RateLimitPerMinute: 60,
				Permissions:        PermissionSet{ReadTools: true},
			},
			PerConnPerMinute: 120,
			GlobalPerMinute:  600,
			Burst:            10,
		},
		Health: HealthConfig{
			ProbeIntervalSeconds: 30,
			ProbeTimeoutSeconds:  5,
		},
		Logging: logging.Config{
			Format: "auto",
			Level:  "info",
		},
		Ops: OpsConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    9204,
		},
		Report: ReportConfig{
			Engine: ReportEngineBuiltin,
			Typesetter: TypesetterConfig{
				Command:        "typst",
				Args:           []string{"compile", "-", "-"},
				TimeoutSeconds: 60,
				MaxOutputMB:    25,
			},
		},
		Secrets: SecretsConfig{
			Command:        "vault",
			Args:           []string{"kv", "get", "-field=value"},
			TimeoutSeconds: 10,
		},
		OutputDirectory: defaultOutputDir(),
	}
}

func defaultOutputDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "dshield-output")
	}
	return "./dshield-output"
}

// Validate checks structural constraints. It runs after secret resolution so
// vault:// leftovers in optional fields are tolerated.
func (c *Config) Validate() error {
	if c.Elasticsearch.URL == "" {
		return fmt.Errorf("elasticsearch.url is required")
	}
	if !strings.HasPrefix(c.Elasticsearch.URL, "http://") && !strings.HasPrefix(c.Elasticsearch.URL, "https://") {
		return fmt.Errorf("elasticsearch.url must be an http(s) URL, got %q", c.Elasticsearch.URL)
	}
	if len(c.Elasticsearch.Indices.Patterns()) == 0 {
		return fmt.Errorf("elasticsearch.indices must list at least one index pattern")
	}

	if c.Query.DefaultPageSize <= 0 || c.Query.DefaultPageSize > c.Query.MaxPageSize {
		return fmt.Errorf("query.default_page_size must be in [1, max_page_size], got %d", c.Query.DefaultPageSize)
	}
	if c.Query.MaxResultSizeMB <= 0 {
		return fmt.Errorf("query.max_result_size_mb must be positive")
	}
	switch c.Query.FallbackStrategy {
	case FallbackAggregate, FallbackSample, FallbackError:
	default:
		return fmt.Errorf("query.fallback_strategy must be aggregate, sample, or error, got %q", c.Query.FallbackStrategy)
	}

	if c.Streaming.DefaultChunkSize <= 0 {
		return fmt.Errorf("streaming.default_chunk_size must be positive")
	}
	if c.Streaming.MaxChunks <= 0 {
		return fmt.Errorf("streaming.max_chunks must be positive")
	}

	if c.Correlation.SubnetPrefixBits < 8 || c.Correlation.SubnetPrefixBits > 32 {
		return fmt.Errorf("correlation.subnet_prefix_bits must be in [8, 32], got %d", c.Correlation.SubnetPrefixBits)
	}
	if c.Correlation.TemporalOverlap <= 0 || c.Correlation.TemporalOverlap > 1 {
		return fmt.Errorf("correlation.temporal_overlap must be in (0, 1], got %g", c.Correlation.TemporalOverlap)
	}
	if c.Correlation.MaxEvents <= 0 {
		return fmt.Errorf("correlation.max_events must be positive")
	}

	switch c.Transport.Mode {
	case TransportStdio, TransportTCP:
	default:
		return fmt.Errorf("transport.mode must be stdio or tcp, got %q", c.Transport.Mode)
	}
	if c.Transport.MaxFrameBytes <= 0 {
		return fmt.Errorf("transport.max_frame_bytes must be positive")
	}
	if c.Transport.Mode == TransportTCP {
		if c.Transport.TCP.Port <= 0 || c.Transport.TCP.Port > 65535 {
			return fmt.Errorf("transport.tcp.port must be in [1, 65535], got %d", c.Transport.TCP.Port)
		}
		if net.ParseIP(c.Transport.TCP.Bind) == nil {
			return fmt.Errorf("transport.tcp.bind must be an IP address, got %q", c.Transport.TCP.Bind)
		}
	}

	if c.ErrorHandling.CircuitBreaker.FailureThreshold <= 0 ||
		c.ErrorHandling.CircuitBreaker.SuccessThreshold <= 0 ||
		c.ErrorHandling.CircuitBreaker.RecoveryTimeoutSeconds <= 0 {
		return fmt.Errorf("error_handling.circuit_breaker thresholds must be positive")
	}

	switch c.Report.Engine {
	case ReportEngineBuiltin, ReportEngineTypesetter:
	default:
		return fmt.Errorf("report.engine must be builtin or typesetter, got %q", c.Report.Engine)
	}
	if c.Report.Engine == ReportEngineTypesetter && c.Report.Typesetter.Command == "" {
		return fmt.Errorf("report.typesetter.command is required for the typesetter engine")
	}

	for i := range c.Auth.Keys {
		if err := c.Auth.Keys[i].normalize(c.Auth.Defaults); err != nil {
			return fmt.Errorf("auth.keys[%d]: %w", i, err)
		}
	}
	return nil
}

// Durations derived from second-granular config fields.

func (c *Config) ToolDefaultTimeout() time.Duration {
	return time.Duration(c.ErrorHandling.Timeouts.ToolDefaultSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ErrorHandling.Timeouts.ShutdownSeconds) * time.Second
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Health.ProbeIntervalSeconds) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Health.ProbeTimeoutSeconds) * time.Second
}

func (c *Config) RecoveryTimeout() time.Duration {
	return time.Duration(c.ErrorHandling.CircuitBreaker.RecoveryTimeoutSeconds) * time.Second
}

func (c *Config) IdleConnTimeout() time.Duration {
	return time.Duration(c.Transport.TCP.ConnectionTimeoutSeconds) * time.Second
}

func (e ElasticsearchConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func (t ThreatIntelConfig) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLSeconds) * time.Second
}

func (t ThreatIntelConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func (q QueryConfig) Timeout() time.Duration {
	return time.Duration(q.QueryTimeoutSeconds) * time.Second
}

// MaxResultBytes is the serialized-result ceiling the optimizer enforces.
func (q QueryConfig) MaxResultBytes() int {
	return q.MaxResultSizeMB << 20
}

func (s StreamingConfig) SessionGap() time.Duration {
	return time.Duration(s.SessionGapSeconds) * time.Second
}

func (c CorrelationConfig) TemporalBucket() time.Duration {
	return time.Duration(c.TemporalBucketMinutes) * time.Minute
}

func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

func (t TypesetterConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func (s SecretsConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// SecretField points at one secret-bearing string for the resolver.
type SecretField struct {
	// Path is the dotted config path, used in logs. Never the value.
	Path string
	// Value is the field to resolve in place.
	Value *string
	// Optional fields log a warning on failure instead of aborting startup.
	Optional bool
}

// SecretFields enumerates every config field that may hold a vault:// ref.
func (c *Config) SecretFields() []SecretField {
	return []SecretField{
		{Path: "elasticsearch.password", Value: &c.Elasticsearch.Password, Optional: false},
		{Path: "threat_intel.api_key", Value: &c.ThreatIntel.APIKey, Optional: true},
	}
}

// Redacted returns a deep copy with secret values masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Elasticsearch.Indices.Cowrie = append([]string(nil), c.Elasticsearch.Indices.Cowrie...)
	out.Elasticsearch.Indices.Zeek = append([]string(nil), c.Elasticsearch.Indices.Zeek...)
	out.Elasticsearch.Indices.Additional = append([]string(nil), c.Elasticsearch.Indices.Additional...)
	out.Report.Typesetter.Args = append([]string(nil), c.Report.Typesetter.Args...)
	out.Secrets.Args = append([]string(nil), c.Secrets.Args...)

	if out.Elasticsearch.Password != "" {
		out.Elasticsearch.Password = "[redacted]"
	}
	if out.ThreatIntel.APIKey != "" {
		out.ThreatIntel.APIKey = "[redacted]"
	}

	out.Auth.Keys = make([]APIKeyRecord, len(c.Auth.Keys))
	for i, key := range c.Auth.Keys {
		out.Auth.Keys[i] = key.Clone()
		out.Auth.Keys[i].Hash = "[redacted]"
	}
	return &out
}
