package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAddress                 = ":8080"
	DefaultGracefulShutdownTimeout = 30 * time.Second
	DefaultReadHeaderTimeout       = 10 * time.Second
	DefaultRequestIDHeader         = "X-Request-Id"
	DefaultCacheControl            = "private,max-age=30"
	DefaultIndexFile               = "index.html"
	DefaultHashCacheEntries        = 1024
	DefaultStatWorkers             = 8
	DefaultCompressionLevel        = -1 // gzip.DefaultCompression

	// StaticFileServerHandlerType is the handler_type registered for the core pipeline.
	StaticFileServerHandlerType = "StaticFileServer"
)

// ConfigError describes a configuration problem tied to a file.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.FilePath != "" {
		b.WriteString(e.FilePath)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// Files ending in .json or .toml are parsed accordingly; anything else is tried
// as JSON first and then as TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to read configuration file", Err: err}
	}

	cfg, err := parseConfig(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to parse configuration", Err: err}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseConfig(data []byte, ext string) (*Config, error) {
	switch ext {
	case ".json":
		return parseJSON(data)
	case ".toml":
		return parseTOML(data)
	}
	cfg, jsonErr := parseJSON(data)
	if jsonErr == nil {
		return cfg, nil
	}
	cfg, tomlErr := parseTOML(data)
	if tomlErr == nil {
		return cfg, nil
	}
	return nil, fmt.Errorf("failed to auto-detect and parse config: JSON error: %v; TOML error: %v", jsonErr, tomlErr)
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseTOML decodes into a generic document and re-encodes it as JSON so that
// handler_config tables end up as json.RawMessage like they do for JSON files.
func parseTOML(data []byte) (*Config, error) {
	var doc map[string]interface{}
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unexpected keys %v", undecoded)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encoding TOML document: %w", err)
	}
	return parseJSON(asJSON)
}

// ApplyDefaults fills unset optional fields. It never overrides explicit values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		cfg.Server.Address = strPtr(DefaultAddress)
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		cfg.Server.GracefulShutdownTimeout = strPtr(DefaultGracefulShutdownTimeout.String())
	}
	if cfg.Server.ReadHeaderTimeout == nil {
		cfg.Server.ReadHeaderTimeout = strPtr(DefaultReadHeaderTimeout.String())
	}
	if cfg.Server.MaxConnections == nil {
		cfg.Server.MaxConnections = intPtr(0)
	}
	if cfg.Server.RequestIDHeader == nil {
		cfg.Server.RequestIDHeader = strPtr(DefaultRequestIDHeader)
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		cfg.Logging.AccessLog.Enabled = boolPtr(true)
	}
	if cfg.Logging.AccessLog.Target == "" {
		cfg.Logging.AccessLog.Target = "stdout"
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = "json"
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == "" {
		cfg.Logging.ErrorLog.Target = "stderr"
	}
}

// Validate checks a defaulted configuration. configPath is only used for error context.
func Validate(cfg *Config, configPath string) error {
	fail := func(format string, args ...interface{}) error {
		return &ConfigError{FilePath: configPath, Message: fmt.Sprintf(format, args...)}
	}

	if *cfg.Server.Address == "" {
		return fail("server.address cannot be empty")
	}
	for name, v := range map[string]*string{
		"server.graceful_shutdown_timeout": cfg.Server.GracefulShutdownTimeout,
		"server.read_header_timeout":       cfg.Server.ReadHeaderTimeout,
	} {
		d, err := time.ParseDuration(*v)
		if err != nil {
			return &ConfigError{FilePath: configPath, Message: fmt.Sprintf("invalid duration for %s", name), Err: err}
		}
		if d < 0 {
			return fail("%s must not be negative", name)
		}
	}
	if *cfg.Server.MaxConnections < 0 {
		return fail("server.max_connections must not be negative")
	}

	switch cfg.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fail("invalid logging.log_level %q", cfg.Logging.LogLevel)
	}
	switch cfg.Logging.AccessLog.Format {
	case "json", "common":
	default:
		return fail("invalid logging.access_log.format %q (want json or common)", cfg.Logging.AccessLog.Format)
	}
	for _, target := range []string{cfg.Logging.AccessLog.Target, cfg.Logging.ErrorLog.Target} {
		if IsFilePath(target) && !filepath.IsAbs(target) {
			return fail("log target %q must be stdout, stderr or an absolute file path", target)
		}
	}

	if len(cfg.Routing.Routes) == 0 {
		return fail("routing.routes must contain at least one route")
	}
	seen := make(map[string]bool)
	for i, r := range cfg.Routing.Routes {
		if !strings.HasPrefix(r.PathPattern, "/") {
			return fail("routing.routes[%d].path_pattern %q must start with '/'", i, r.PathPattern)
		}
		if r.MatchType != MatchTypeExact && r.MatchType != MatchTypePrefix {
			return fail("routing.routes[%d].match_type %q must be Exact or Prefix", i, r.MatchType)
		}
		if r.HandlerType == "" {
			return fail("routing.routes[%d].handler_type cannot be empty", i)
		}
		key := string(r.MatchType) + " " + r.PathPattern
		if seen[key] {
			return fail("duplicate route %s", key)
		}
		seen[key] = true
	}
	return nil
}

// ParseAndValidateStaticFileServerConfig decodes a StaticFileServer handler_config,
// resolves a relative document_root against the main config file's directory
// and applies defaults.
func ParseAndValidateStaticFileServerConfig(raw json.RawMessage, mainConfigFilePath string) (*StaticFileServerConfig, error) {
	if len(raw) == 0 {
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: "StaticFileServer handler_config is missing"}
	}
	var sfs StaticFileServerConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sfs); err != nil {
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: "invalid StaticFileServer handler_config", Err: err}
	}
	if sfs.DocumentRoot == "" {
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: "document_root is required"}
	}

	root := sfs.DocumentRoot
	if !filepath.IsAbs(root) {
		if mainConfigFilePath != "" {
			root = filepath.Join(filepath.Dir(mainConfigFilePath), root)
		} else {
			abs, err := filepath.Abs(root)
			if err != nil {
				return nil, &ConfigError{Message: "cannot make document_root absolute", Err: err}
			}
			root = abs
		}
	}
	sfs.DocumentRoot = filepath.Clean(root)

	fi, err := os.Stat(sfs.DocumentRoot)
	if err != nil {
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: fmt.Sprintf("document_root %s is not accessible", sfs.DocumentRoot), Err: err}
	}
	if !fi.IsDir() {
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: fmt.Sprintf("document_root %s is not a directory", sfs.DocumentRoot)}
	}

	applyStaticDefaults(&sfs)

	for ext, mt := range sfs.MimeTypesMap {
		if !strings.HasPrefix(ext, ".") {
			return nil, &ConfigError{FilePath: mainConfigFilePath, Message: fmt.Sprintf("mime_types_map key %q must start with '.'", ext)}
		}
		if mt == "" {
			return nil, &ConfigError{FilePath: mainConfigFilePath, Message: fmt.Sprintf("mime_types_map entry %q has an empty type", ext)}
		}
	}
	for _, name := range sfs.IndexFiles {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return nil, &ConfigError{FilePath: mainConfigFilePath, Message: fmt.Sprintf("index file %q must be a plain file name", name)}
		}
	}
	switch sfs.ValidatorPolicy {
	case ValidatorPolicyBoth, ValidatorPolicyEither:
	default:
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: fmt.Sprintf("invalid validator_policy %q", sfs.ValidatorPolicy)}
	}
	switch sfs.HashAlgorithm {
	case HashSHA1, HashSHA256, HashBLAKE2b256:
	default:
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: fmt.Sprintf("invalid hash_algorithm %q", sfs.HashAlgorithm)}
	}
	if *sfs.HashCache.MaxEntries <= 0 {
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: "hash_cache.max_entries must be positive"}
	}
	if lvl := *sfs.Compression.Level; lvl < -2 || lvl > 9 {
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: fmt.Sprintf("compression.level %d out of range [-2, 9]", lvl)}
	}
	if *sfs.Listing.MaxEntries < 0 {
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: "listing.max_entries must not be negative"}
	}
	if *sfs.Listing.StatWorkers <= 0 {
		return nil, &ConfigError{FilePath: mainConfigFilePath, Message: "listing.stat_workers must be positive"}
	}
	return &sfs, nil
}

func applyStaticDefaults(sfs *StaticFileServerConfig) {
	if len(sfs.IndexFiles) == 0 {
		sfs.IndexFiles = []string{DefaultIndexFile}
	}
	if sfs.ServeDirectoryListing == nil {
		sfs.ServeDirectoryListing = boolPtr(true)
	}
	if sfs.CacheControl == nil {
		sfs.CacheControl = strPtr(DefaultCacheControl)
	}
	if sfs.ValidatorPolicy == "" {
		sfs.ValidatorPolicy = ValidatorPolicyBoth
	}
	if sfs.DistinguishNotFound == nil {
		sfs.DistinguishNotFound = boolPtr(false)
	}
	if sfs.HashAlgorithm == "" {
		sfs.HashAlgorithm = HashSHA1
	}
	if sfs.HashCache == nil {
		sfs.HashCache = &HashCacheConfig{}
	}
	if sfs.HashCache.Enabled == nil {
		sfs.HashCache.Enabled = boolPtr(false)
	}
	if sfs.HashCache.MaxEntries == nil {
		sfs.HashCache.MaxEntries = intPtr(DefaultHashCacheEntries)
	}
	if sfs.Compression == nil {
		sfs.Compression = &CompressionConfig{}
	}
	if sfs.Compression.Enabled == nil {
		sfs.Compression.Enabled = boolPtr(true)
	}
	if sfs.Compression.Level == nil {
		sfs.Compression.Level = intPtr(DefaultCompressionLevel)
	}
	if sfs.Listing == nil {
		sfs.Listing = &ListingConfig{}
	}
	if sfs.Listing.Sort == nil {
		sfs.Listing.Sort = boolPtr(false)
	}
	if sfs.Listing.MaxEntries == nil {
		sfs.Listing.MaxEntries = intPtr(0)
	}
	if sfs.Listing.StatWorkers == nil {
		sfs.Listing.StatWorkers = intPtr(DefaultStatWorkers)
	}
}

// Default builds the programmatic configuration used when the server is
// started from a document root and address alone: one prefix route on "/"
// serving the root with directory listings enabled.
func Default(documentRoot, address string) (*Config, error) {
	handlerCfg, err := json.Marshal(StaticFileServerConfig{
		DocumentRoot:          documentRoot,
		ServeDirectoryListing: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal static file server config: %w", err)
	}
	cfg := &Config{
		Server: &ServerConfig{Address: strPtr(address)},
		Routing: &RoutingConfig{Routes: []Route{{
			PathPattern:   "/",
			MatchType:     MatchTypePrefix,
			HandlerType:   StaticFileServerHandlerType,
			HandlerConfig: handlerCfg,
		}}},
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg, ""); err != nil {
		return nil, err
	}
	return cfg, nil
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }
