package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override. Variable names are the
// uppercased config path with underscores: DSHIELD_ELASTICSEARCH_URL.
const EnvPrefix = "DSHIELD_"

// Overrides carries CLI flag values. Zero values mean "not set" and leave
// the lower-precedence sources untouched.
type Overrides struct {
	ConfigPath string
	EnvFile    string
	Transport  string
	TCPBind    string
	TCPPort    int
	LogLevel   string
	LogFormat  string
	OutputDir  string
}

// Loader resolves configuration from defaults, .env, a config file,
// environment variables, and CLI overrides, in that order of precedence.
type Loader struct {
	cfg         *Config
	configPaths []string
	overrides   Overrides

	// loadedFrom records the config file actually read, for check-config.
	loadedFrom string
}

// NewLoader returns a loader seeded with defaults and the standard search
// path.
func NewLoader(overrides Overrides) *Loader {
	l := &Loader{
		cfg:       Default(),
		overrides: overrides,
		configPaths: []string{
			"/etc/dshield-mcp/config.yaml",
			"/etc/dshield-mcp/config.yml",
			"/etc/dshield-mcp/config.json",
			"./dshield-mcp.yaml",
			"./dshield-mcp.yml",
			"./dshield-mcp.json",
		},
	}
	if overrides.ConfigPath != "" {
		l.configPaths = []string{overrides.ConfigPath}
	}
	return l
}

// Load runs the full resolution pipeline and validates the result.
func (l *Loader) Load() (*Config, error) {
	l.loadDotEnv()

	if err := l.loadFromFile(); err != nil {
		if l.overrides.ConfigPath != "" {
			// An explicitly named file must exist and parse.
			return nil, err
		}
		log.Debug().Err(err).Msg("No config file found, using defaults")
	}

	l.loadFromEnv()
	l.applyOverrides()

	if err := l.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return l.cfg, nil
}

// LoadedFrom returns the path of the config file that was read, if any.
func (l *Loader) LoadedFrom() string {
	return l.loadedFrom
}

// loadDotEnv populates the process environment from a .env file so the
// env-var pass below picks the values up. Real environment wins over file
// entries (godotenv.Load never overwrites).
func (l *Loader) loadDotEnv() {
	path := l.overrides.EnvFile
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if l.overrides.EnvFile != "" {
			log.Warn().Str("path", path).Msg("Env file not found")
		}
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to load env file")
		return
	}
	log.Debug().Str("path", path).Msg("Loaded env file")
}

// loadFromFile reads the first config file on the search path.
func (l *Loader) loadFromFile() error {
	var configPath string
	for _, path := range l.configPaths {
		if _, err := os.Stat(path); err == nil {
			configPath = path
			break
		}
	}
	if configPath == "" {
		return fmt.Errorf("no config file found")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, l.cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", configPath, err)
		}
	case ".json":
		if err := json.Unmarshal(data, l.cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", configPath, err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	l.loadedFrom = configPath
	log.Info().Str("path", configPath).Msg("Loaded configuration file")
	return nil
}

// loadFromEnv applies DSHIELD_-prefixed environment variables.
func (l *Loader) loadFromEnv() {
	// Elasticsearch
	setString(&l.cfg.Elasticsearch.URL, "ELASTICSEARCH_URL")
	setString(&l.cfg.Elasticsearch.Username, "ELASTICSEARCH_USERNAME")
	setString(&l.cfg.Elasticsearch.Password, "ELASTICSEARCH_PASSWORD")
	setBool(&l.cfg.Elasticsearch.VerifySSL, "ELASTICSEARCH_VERIFY_SSL")
	setBool(&l.cfg.Elasticsearch.CompatibilityMode, "ELASTICSEARCH_COMPATIBILITY_MODE")
	setStringSlice(&l.cfg.Elasticsearch.Indices.Cowrie, "ELASTICSEARCH_INDICES_COWRIE")
	setStringSlice(&l.cfg.Elasticsearch.Indices.Zeek, "ELASTICSEARCH_INDICES_ZEEK")
	setStringSlice(&l.cfg.Elasticsearch.Indices.Additional, "ELASTICSEARCH_INDICES_ADDITIONAL")
	setInt(&l.cfg.Elasticsearch.TimeoutSeconds, "ELASTICSEARCH_TIMEOUT_SECONDS")
	setInt(&l.cfg.Elasticsearch.MaxConnsPerHost, "ELASTICSEARCH_MAX_CONNS_PER_HOST")

	// Threat intel
	setString(&l.cfg.ThreatIntel.APIURL, "THREAT_INTEL_API_URL")
	setString(&l.cfg.ThreatIntel.APIKey, "THREAT_INTEL_API_KEY")
	setInt(&l.cfg.ThreatIntel.CacheTTLSeconds, "THREAT_INTEL_CACHE_TTL_SECONDS")
	setInt(&l.cfg.ThreatIntel.RateLimitPerMinute, "THREAT_INTEL_RATE_LIMIT_PER_MINUTE")
	setInt(&l.cfg.ThreatIntel.TimeoutSeconds, "THREAT_INTEL_TIMEOUT_SECONDS")
	setString(&l.cfg.ThreatIntel.CachePath, "THREAT_INTEL_CACHE_PATH")

	// Query engine
	setInt(&l.cfg.Query.DefaultPageSize, "QUERY_DEFAULT_PAGE_SIZE")
	setInt(&l.cfg.Query.MaxPageSize, "QUERY_MAX_PAGE_SIZE")
	setInt(&l.cfg.Query.MaxResultSizeMB, "QUERY_MAX_RESULT_SIZE_MB")
	setInt(&l.cfg.Query.QueryTimeoutSeconds, "QUERY_QUERY_TIMEOUT_SECONDS")
	setString(&l.cfg.Query.FallbackStrategy, "QUERY_FALLBACK_STRATEGY")

	// Streaming
	setInt(&l.cfg.Streaming.DefaultChunkSize, "STREAMING_DEFAULT_CHUNK_SIZE")
	setInt(&l.cfg.Streaming.MaxChunks, "STREAMING_MAX_CHUNKS")
	setInt(&l.cfg.Streaming.SessionGapSeconds, "STREAMING_SESSION_GAP_SECONDS")

	// Correlation
	setInt(&l.cfg.Correlation.SubnetPrefixBits, "CORRELATION_SUBNET_PREFIX_BITS")
	setInt(&l.cfg.Correlation.MinGroupSize, "CORRELATION_MIN_GROUP_SIZE")
	setInt(&l.cfg.Correlation.TemporalBucketMinutes, "CORRELATION_TEMPORAL_BUCKET_MINUTES")
	setInt(&l.cfg.Correlation.MaxEvents, "CORRELATION_MAX_EVENTS")
	setInt(&l.cfg.Correlation.ExpansionDepthCap, "CORRELATION_EXPANSION_DEPTH_CAP")

	// Error handling
	setInt(&l.cfg.ErrorHandling.Timeouts.ToolDefaultSeconds, "ERROR_HANDLING_TIMEOUTS_TOOL_DEFAULT_SECONDS")
	setInt(&l.cfg.ErrorHandling.Timeouts.ShutdownSeconds, "ERROR_HANDLING_TIMEOUTS_SHUTDOWN_SECONDS")
	setInt(&l.cfg.ErrorHandling.Retry.MaxAttempts, "ERROR_HANDLING_RETRY_MAX_ATTEMPTS")
	setInt(&l.cfg.ErrorHandling.CircuitBreaker.FailureThreshold, "ERROR_HANDLING_CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	setInt(&l.cfg.ErrorHandling.CircuitBreaker.RecoveryTimeoutSeconds, "ERROR_HANDLING_CIRCUIT_BREAKER_RECOVERY_TIMEOUT")
	setInt(&l.cfg.ErrorHandling.CircuitBreaker.SuccessThreshold, "ERROR_HANDLING_CIRCUIT_BREAKER_SUCCESS_THRESHOLD")

	// Transport
	setString(&l.cfg.Transport.Mode, "TRANSPORT_MODE")
	setInt64(&l.cfg.Transport.MaxFrameBytes, "TRANSPORT_MAX_FRAME_BYTES")
	setInt(&l.cfg.Transport.MaxInflightPerConn, "TRANSPORT_MAX_INFLIGHT_PER_CONN")
	setString(&l.cfg.Transport.TCP.Bind, "TRANSPORT_TCP_BIND")
	setInt(&l.cfg.Transport.TCP.Port, "TRANSPORT_TCP_PORT")
	setInt(&l.cfg.Transport.TCP.MaxConnections, "TRANSPORT_TCP_MAX_CONNECTIONS")
	setInt(&l.cfg.Transport.TCP.ConnectionTimeoutSeconds, "TRANSPORT_TCP_CONNECTION_TIMEOUT_SECONDS")

	// Auth windows
	setInt(&l.cfg.Auth.PerConnPerMinute, "AUTH_PER_CONN_PER_MINUTE")
	setInt(&l.cfg.Auth.GlobalPerMinute, "AUTH_GLOBAL_PER_MINUTE")

	// Logging
	setString(&l.cfg.Logging.Level, "LOG_LEVEL")
	setString(&l.cfg.Logging.Format, "LOG_FORMAT")
	setString(&l.cfg.Logging.FilePath, "LOG_FILE_PATH")

	// Ops endpoint
	setBool(&l.cfg.Ops.Enabled, "OPS_ENABLED")
	setString(&l.cfg.Ops.Bind, "OPS_BIND")
	setInt(&l.cfg.Ops.Port, "OPS_PORT")

	// Report
	setString(&l.cfg.Report.Engine, "REPORT_ENGINE")
	setString(&l.cfg.Report.Typesetter.Command, "REPORT_TYPESETTER_COMMAND")

	// Misc
	setString(&l.cfg.OutputDirectory, "OUTPUT_DIRECTORY")
	setString(&l.cfg.Secrets.Command, "SECRETS_COMMAND")
}

// applyOverrides applies CLI flags, the highest-precedence source.
func (l *Loader) applyOverrides() {
	o := l.overrides
	if o.Transport != "" {
		l.cfg.Transport.Mode = o.Transport
	}
	if o.TCPBind != "" {
		l.cfg.Transport.TCP.Bind = o.TCPBind
	}
	if o.TCPPort > 0 {
		l.cfg.Transport.TCP.Port = o.TCPPort
	}
	if o.LogLevel != "" {
		l.cfg.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		l.cfg.Logging.Format = o.LogFormat
	}
	if o.OutputDir != "" {
		l.cfg.OutputDirectory = o.OutputDir
	}
}

func setString(dst *string, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		} else {
			log.Warn().Str("var", EnvPrefix+key).Str("value", val).Msg("Ignoring non-integer environment override")
		}
	}
}

func setInt64(dst *int64, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			*dst = n
		} else {
			log.Warn().Str("var", EnvPrefix+key).Str("value", val).Msg("Ignoring non-integer environment override")
		}
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			*dst = true
		case "false", "0", "no", "off":
			*dst = false
		default:
			log.Warn().Str("var", EnvPrefix+key).Str("value", val).Msg("Ignoring non-boolean environment override")
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
