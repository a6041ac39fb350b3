package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempFile creates a file with the given content and extension inside a
// per-test directory and returns its path.
func writeTempFile(t *testing.T, content string, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

// checkErrorContains checks if the error is not nil and its message contains the expected substring.
func checkErrorContains(t *testing.T, err error, expectedSubstring string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected an error containing %q, but got nil", expectedSubstring)
	}
	if !strings.Contains(err.Error(), expectedSubstring) {
		t.Fatalf("Expected error message to contain %q, but got: %v", expectedSubstring, err)
	}
}

const minimalRoutesJSON = `"routing": {"routes": [{"path_pattern": "/", "match_type": "Prefix", "handler_type": "StaticFileServer", "handler_config": {"document_root": "."}}]}`

const minimalRoutesTOML = `
[[routing.routes]]
path_pattern = "/"
match_type = "Prefix"
handler_type = "StaticFileServer"

[routing.routes.handler_config]
document_root = "."
`

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	checkErrorContains(t, err, "configuration file path cannot be empty")
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "non_existent_file.json"))
	checkErrorContains(t, err, "failed to read configuration file")

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected *ConfigError, got %T", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected wrapped os.ErrNotExist, got %v", err)
	}
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	path := writeTempFile(t, `{"server": {"address": ":8080"}, `+minimalRoutesJSON+`}`, ".json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for valid JSON: %v", err)
	}
	if cfg.Server == nil || cfg.Server.Address == nil || *cfg.Server.Address != ":8080" {
		t.Errorf("Expected server address to be :8080, got %v", cfg.Server)
	}
	if len(cfg.Routing.Routes) != 1 {
		t.Fatalf("Expected 1 route, got %d", len(cfg.Routing.Routes))
	}
	var handlerCfg map[string]interface{}
	if err := json.Unmarshal(cfg.Routing.Routes[0].HandlerConfig, &handlerCfg); err != nil {
		t.Fatalf("handler_config is not valid JSON: %v", err)
	}
	if handlerCfg["document_root"] != "." {
		t.Errorf("Expected document_root '.', got %v", handlerCfg["document_root"])
	}
}

func TestLoadConfig_ValidTOML(t *testing.T) {
	content := `
[server]
address = ":8081"
max_connections = 64
` + minimalRoutesTOML
	path := writeTempFile(t, content, ".toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for valid TOML: %v", err)
	}
	if *cfg.Server.Address != ":8081" {
		t.Errorf("Expected server address to be :8081, got %s", *cfg.Server.Address)
	}
	if *cfg.Server.MaxConnections != 64 {
		t.Errorf("Expected max_connections 64, got %d", *cfg.Server.MaxConnections)
	}
	if !strings.Contains(string(cfg.Routing.Routes[0].HandlerConfig), `"document_root":"."`) {
		t.Errorf("Expected TOML handler_config re-encoded as JSON, got %s", cfg.Routing.Routes[0].HandlerConfig)
	}
}

func TestLoadConfig_AutoDetectJSON(t *testing.T) {
	path := writeTempFile(t, `{"logging": {"log_level": "DEBUG"}, `+minimalRoutesJSON+`}`, ".conf")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for auto-detect JSON: %v", err)
	}
	if cfg.Logging.LogLevel != LogLevelDebug {
		t.Errorf("Expected log level to be DEBUG, got %v", cfg.Logging.LogLevel)
	}
}

func TestLoadConfig_AutoDetectTOML(t *testing.T) {
	content := `
[logging]
log_level = "WARNING"
` + minimalRoutesTOML
	path := writeTempFile(t, content, ".cfg")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed for auto-detect TOML: %v", err)
	}
	if cfg.Logging.LogLevel != LogLevelWarning {
		t.Errorf("Expected log level to be WARNING, got %v", cfg.Logging.LogLevel)
	}
}

func TestLoadConfig_AutoDetectFailure(t *testing.T) {
	path := writeTempFile(t, `not json or toml`, ".data")

	_, err := LoadConfig(path)
	checkErrorContains(t, err, "failed to auto-detect and parse config")
	checkErrorContains(t, err, "JSON error")
	checkErrorContains(t, err, "TOML error")
}

func TestLoadConfig_UnknownFieldRejected(t *testing.T) {
	path := writeTempFile(t, `{"server": {"adress": ":1"}, `+minimalRoutesJSON+`}`, ".json")
	_, err := LoadConfig(path)
	checkErrorContains(t, err, "adress")
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTempFile(t, `{`+minimalRoutesJSON+`}`, ".json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if *cfg.Server.Address != DefaultAddress {
		t.Errorf("Expected default address %s, got %s", DefaultAddress, *cfg.Server.Address)
	}
	if cfg.Server.ShutdownTimeout() != DefaultGracefulShutdownTimeout {
		t.Errorf("Expected default shutdown timeout, got %v", cfg.Server.ShutdownTimeout())
	}
	if cfg.Server.HeaderTimeout() != DefaultReadHeaderTimeout {
		t.Errorf("Expected default header timeout, got %v", cfg.Server.HeaderTimeout())
	}
	if cfg.Logging.LogLevel != LogLevelInfo {
		t.Errorf("Expected default log level INFO, got %s", cfg.Logging.LogLevel)
	}
	if !*cfg.Logging.AccessLog.Enabled || cfg.Logging.AccessLog.Target != "stdout" || cfg.Logging.AccessLog.Format != "json" {
		t.Errorf("Unexpected access log defaults: %+v", cfg.Logging.AccessLog)
	}
	if cfg.Logging.ErrorLog.Target != "stderr" {
		t.Errorf("Expected error log on stderr, got %s", cfg.Logging.ErrorLog.Target)
	}
	if *cfg.Server.RequestIDHeader != DefaultRequestIDHeader {
		t.Errorf("Expected request id header %s, got %s", DefaultRequestIDHeader, *cfg.Server.RequestIDHeader)
	}
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no routes",
			content: `{"server": {"address": ":1"}}`,
			wantErr: "at least one route",
		},
		{
			name:    "bad log level",
			content: `{"logging": {"log_level": "LOUD"}, ` + minimalRoutesJSON + `}`,
			wantErr: "invalid logging.log_level",
		},
		{
			name:    "bad duration",
			content: `{"server": {"graceful_shutdown_timeout": "soon"}, ` + minimalRoutesJSON + `}`,
			wantErr: "invalid duration for server.graceful_shutdown_timeout",
		},
		{
			name:    "relative log file",
			content: `{"logging": {"error_log": {"target": "logs/error.log"}}, ` + minimalRoutesJSON + `}`,
			wantErr: "absolute file path",
		},
		{
			name:    "bad match type",
			content: `{"routing": {"routes": [{"path_pattern": "/", "match_type": "Regex", "handler_type": "X"}]}}`,
			wantErr: "must be Exact or Prefix",
		},
		{
			name:    "pattern without slash",
			content: `{"routing": {"routes": [{"path_pattern": "static", "match_type": "Prefix", "handler_type": "X"}]}}`,
			wantErr: "must start with '/'",
		},
		{
			name: "duplicate routes",
			content: `{"routing": {"routes": [
				{"path_pattern": "/a", "match_type": "Exact", "handler_type": "X"},
				{"path_pattern": "/a", "match_type": "Exact", "handler_type": "Y"}]}}`,
			wantErr: "duplicate route",
		},
		{
			name:    "bad access log format",
			content: `{"logging": {"access_log": {"format": "xml"}}, ` + minimalRoutesJSON + `}`,
			wantErr: "invalid logging.access_log.format",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempFile(t, tc.content, ".json")
			_, err := LoadConfig(path)
			checkErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestParseAndValidateStaticFileServerConfig_Defaults(t *testing.T) {
	root := t.TempDir()
	raw, _ := json.Marshal(map[string]string{"document_root": root})

	sfs, err := ParseAndValidateStaticFileServerConfig(raw, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sfs.DocumentRoot != filepath.Clean(root) {
		t.Errorf("DocumentRoot = %s, want %s", sfs.DocumentRoot, root)
	}
	if len(sfs.IndexFiles) != 1 || sfs.IndexFiles[0] != "index.html" {
		t.Errorf("IndexFiles = %v, want [index.html]", sfs.IndexFiles)
	}
	if *sfs.CacheControl != "private,max-age=30" {
		t.Errorf("CacheControl = %q", *sfs.CacheControl)
	}
	if sfs.ValidatorPolicy != ValidatorPolicyBoth {
		t.Errorf("ValidatorPolicy = %q, want both", sfs.ValidatorPolicy)
	}
	if sfs.HashAlgorithm != HashSHA1 {
		t.Errorf("HashAlgorithm = %q, want sha1", sfs.HashAlgorithm)
	}
	if *sfs.DistinguishNotFound {
		t.Error("DistinguishNotFound should default to false")
	}
	if *sfs.HashCache.Enabled || *sfs.HashCache.MaxEntries != DefaultHashCacheEntries {
		t.Errorf("unexpected hash cache defaults: %+v", sfs.HashCache)
	}
	if !*sfs.Compression.Enabled || *sfs.Compression.Level != DefaultCompressionLevel {
		t.Errorf("unexpected compression defaults: %+v", sfs.Compression)
	}
	if *sfs.Listing.Sort || *sfs.Listing.MaxEntries != 0 || *sfs.Listing.StatWorkers != DefaultStatWorkers {
		t.Errorf("unexpected listing defaults: %+v", sfs.Listing)
	}
}

func TestParseAndValidateStaticFileServerConfig_RelativeRoot(t *testing.T) {
	base := t.TempDir()
	if err := os.Mkdir(filepath.Join(base, "public"), 0o755); err != nil {
		t.Fatal(err)
	}
	mainCfg := filepath.Join(base, "server.toml")

	sfs, err := ParseAndValidateStaticFileServerConfig(json.RawMessage(`{"document_root": "public"}`), mainCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(base, "public"); sfs.DocumentRoot != want {
		t.Errorf("DocumentRoot = %s, want %s", sfs.DocumentRoot, want)
	}
}

func TestParseAndValidateStaticFileServerConfig_Errors(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	quote := func(s string) string { b, _ := json.Marshal(s); return string(b) }

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"missing", ``, "handler_config is missing"},
		{"no root", `{}`, "document_root is required"},
		{"root missing", `{"document_root": ` + quote(filepath.Join(root, "nope")) + `}`, "is not accessible"},
		{"root is file", `{"document_root": ` + quote(file) + `}`, "is not a directory"},
		{"bad policy", `{"document_root": ` + quote(root) + `, "validator_policy": "any"}`, "invalid validator_policy"},
		{"bad hash", `{"document_root": ` + quote(root) + `, "hash_algorithm": "md5"}`, "invalid hash_algorithm"},
		{"bad mime key", `{"document_root": ` + quote(root) + `, "mime_types_map": {"txt": "text/plain"}}`, "must start with '.'"},
		{"bad index", `{"document_root": ` + quote(root) + `, "index_files": ["a/index.html"]}`, "plain file name"},
		{"bad level", `{"document_root": ` + quote(root) + `, "compression": {"level": 12}}`, "out of range"},
		{"bad workers", `{"document_root": ` + quote(root) + `, "listing": {"stat_workers": 0}}`, "stat_workers must be positive"},
		{"bad cache size", `{"document_root": ` + quote(root) + `, "hash_cache": {"max_entries": -1}}`, "max_entries must be positive"},
		{"unknown field", `{"document_root": ` + quote(root) + `, "autoindex": true}`, "autoindex"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseAndValidateStaticFileServerConfig(json.RawMessage(tc.raw), "")
			checkErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDefault(t *testing.T) {
	root := t.TempDir()
	cfg, err := Default(root, "127.0.0.1:9000")
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	if *cfg.Server.Address != "127.0.0.1:9000" {
		t.Errorf("Address = %s", *cfg.Server.Address)
	}
	if len(cfg.Routing.Routes) != 1 {
		t.Fatalf("expected one route, got %d", len(cfg.Routing.Routes))
	}
	r := cfg.Routing.Routes[0]
	if r.PathPattern != "/" || r.MatchType != MatchTypePrefix || r.HandlerType != StaticFileServerHandlerType {
		t.Errorf("unexpected route: %+v", r)
	}
	sfs, err := ParseAndValidateStaticFileServerConfig(r.HandlerConfig, "")
	if err != nil {
		t.Fatalf("generated handler_config is invalid: %v", err)
	}
	if sfs.DocumentRoot != filepath.Clean(root) {
		t.Errorf("DocumentRoot = %s", sfs.DocumentRoot)
	}
}

func TestServerConfig_DurationsFallback(t *testing.T) {
	bad := "later"
	sc := &ServerConfig{GracefulShutdownTimeout: &bad}
	if sc.ShutdownTimeout() != DefaultGracefulShutdownTimeout {
		t.Errorf("expected fallback to default, got %v", sc.ShutdownTimeout())
	}
	five := "5s"
	sc.ReadHeaderTimeout = &five
	if sc.HeaderTimeout() != 5*time.Second {
		t.Errorf("expected 5s, got %v", sc.HeaderTimeout())
	}
}
