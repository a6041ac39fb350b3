package config

import (
	"encoding/json"
	"time"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// ValidatorPolicy selects how If-Modified-Since and If-None-Match combine
// into a 304 decision.
type ValidatorPolicy string

const (
	// ValidatorPolicyBoth answers 304 only when both validators are present
	// and both match.
	ValidatorPolicyBoth ValidatorPolicy = "both"
	// ValidatorPolicyEither answers 304 when at least one validator is
	// present and every present validator matches.
	ValidatorPolicyEither ValidatorPolicy = "either"
)

// HashAlgorithm names the digest used for ETags.
type HashAlgorithm string

const (
	HashSHA1       HashAlgorithm = "sha1"
	HashSHA256     HashAlgorithm = "sha256"
	HashBLAKE2b256 HashAlgorithm = "blake2b-256"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ServerConfig holds general server settings.
type ServerConfig struct {
	Address                 *string  `json:"address,omitempty" toml:"address,omitempty"`
	GracefulShutdownTimeout *string  `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
	ReadHeaderTimeout       *string  `json:"read_header_timeout,omitempty" toml:"read_header_timeout,omitempty"`
	MaxConnections          *int     `json:"max_connections,omitempty" toml:"max_connections,omitempty"` // 0 = unlimited
	CORSAllowedOrigins      []string `json:"cors_allowed_origins,omitempty" toml:"cors_allowed_origins,omitempty"`
	RequestIDHeader         *string  `json:"request_id_header,omitempty" toml:"request_id_header,omitempty"`
}

// ShutdownTimeout returns the parsed graceful shutdown timeout.
// Values are validated by LoadConfig, so a parse failure falls back to the default.
func (sc *ServerConfig) ShutdownTimeout() time.Duration {
	return parseDurationOr(sc.GracefulShutdownTimeout, DefaultGracefulShutdownTimeout)
}

// HeaderTimeout returns the parsed read-header timeout.
func (sc *ServerConfig) HeaderTimeout() time.Duration {
	return parseDurationOr(sc.ReadHeaderTimeout, DefaultReadHeaderTimeout)
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route defines a single routing rule.
type Route struct {
	PathPattern   string          `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType       `json:"match_type" toml:"match_type"`
	HandlerType   string          `json:"handler_type" toml:"handler_type"`
	HandlerConfig json.RawMessage `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         string   `json:"target,omitempty" toml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty"` // "json" or "common"
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// StaticFileServerConfig is the HandlerConfig for "StaticFileServer" routes.
// It is unmarshalled from Route.HandlerConfig.
type StaticFileServerConfig struct {
	DocumentRoot          string             `json:"document_root" toml:"document_root"`
	IndexFiles            []string           `json:"index_files,omitempty" toml:"index_files,omitempty"`
	ServeDirectoryListing *bool              `json:"serve_directory_listing,omitempty" toml:"serve_directory_listing,omitempty"`
	MimeTypesMap          map[string]string  `json:"mime_types_map,omitempty" toml:"mime_types_map,omitempty"`
	MimeTypesPath         *string            `json:"mime_types_path,omitempty" toml:"mime_types_path,omitempty"`
	CacheControl          *string            `json:"cache_control,omitempty" toml:"cache_control,omitempty"`
	ValidatorPolicy       ValidatorPolicy    `json:"validator_policy,omitempty" toml:"validator_policy,omitempty"`
	DistinguishNotFound   *bool              `json:"distinguish_not_found,omitempty" toml:"distinguish_not_found,omitempty"`
	HashAlgorithm         HashAlgorithm      `json:"hash_algorithm,omitempty" toml:"hash_algorithm,omitempty"`
	HashCache             *HashCacheConfig   `json:"hash_cache,omitempty" toml:"hash_cache,omitempty"`
	Compression           *CompressionConfig `json:"compression,omitempty" toml:"compression,omitempty"`
	Listing               *ListingConfig     `json:"listing,omitempty" toml:"listing,omitempty"`

	// ResolvedMimeTypes is filled by the MIME resolver after loading.
	ResolvedMimeTypes map[string]string `json:"-" toml:"-"`
}

// HashCacheConfig controls the (path, mtime, size) keyed digest cache. It is
// off by default. When on, a file rewritten in place with the same size within
// the filesystem's mtime granularity keeps its old ETag until evicted.
type HashCacheConfig struct {
	Enabled    *bool `json:"enabled,omitempty" toml:"enabled,omitempty"`
	MaxEntries *int  `json:"max_entries,omitempty" toml:"max_entries,omitempty"`
}

// CompressionConfig controls gzip/deflate content encoding.
type CompressionConfig struct {
	Enabled *bool `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Level   *int  `json:"level,omitempty" toml:"level,omitempty"`
}

// ListingConfig controls directory listings.
type ListingConfig struct {
	Sort        *bool `json:"sort,omitempty" toml:"sort,omitempty"`
	MaxEntries  *int  `json:"max_entries,omitempty" toml:"max_entries,omitempty"` // 0 = unbounded
	StatWorkers *int  `json:"stat_workers,omitempty" toml:"stat_workers,omitempty"`
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
