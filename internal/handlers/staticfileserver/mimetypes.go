package staticfileserver

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"example.com/happyserver/internal/config"
)

// builtinMimeTypes covers extensions that mime.TypeByExtension may not know,
// depending on the host's mime.types files.
var builtinMimeTypes = map[string]string{
	".avif":        "image/avif",
	".css":         "text/css",
	".csv":         "text/csv",
	".epub":        "application/epub+zip",
	".gz":          "application/gzip",
	".htm":         "text/html",
	".html":        "text/html",
	".ico":         "image/vnd.microsoft.icon",
	".ics":         "text/calendar",
	".js":          "text/javascript",
	".json":        "application/json",
	".jsonld":      "application/ld+json",
	".map":         "application/json",
	".md":          "text/markdown",
	".mjs":         "text/javascript",
	".mp3":         "audio/mpeg",
	".mp4":         "video/mp4",
	".oga":         "audio/ogg",
	".ogv":         "video/ogg",
	".opus":        "audio/opus",
	".otf":         "font/otf",
	".rar":         "application/vnd.rar",
	".svg":         "image/svg+xml",
	".tar":         "application/x-tar",
	".toml":        "application/toml",
	".ttf":         "font/ttf",
	".txt":         "text/plain",
	".wasm":        "application/wasm",
	".webmanifest": "application/manifest+json",
	".webp":        "image/webp",
	".woff":        "font/woff",
	".woff2":       "font/woff2",
	".xml":         "application/xml",
	".yaml":        "application/yaml",
	".yml":         "application/yaml",
	".zip":         "application/zip",
	".7z":          "application/x-7z-compressed",
}

const defaultOctetStreamMimeType = "application/octet-stream"

// MimeTypeResolver maps file names to content types.
type MimeTypeResolver struct {
	customMimeTypes map[string]string
}

// NewMimeTypeResolver merges the inline mime_types_map with the optional
// mime_types_path file, the file taking precedence. A relative file path is
// resolved against the directory of mainConfigFilePath.
func NewMimeTypeResolver(sfsConfig *config.StaticFileServerConfig, mainConfigFilePath string) (*MimeTypeResolver, error) {
	resolver := &MimeTypeResolver{customMimeTypes: make(map[string]string)}

	for ext, mimeType := range sfsConfig.MimeTypesMap {
		resolver.customMimeTypes[strings.ToLower(ext)] = mimeType
	}

	if sfsConfig.MimeTypesPath != nil && *sfsConfig.MimeTypesPath != "" {
		mimePath := *sfsConfig.MimeTypesPath
		if !filepath.IsAbs(mimePath) && mainConfigFilePath != "" {
			mimePath = filepath.Join(filepath.Dir(mainConfigFilePath), mimePath)
		}
		fromFile, err := LoadCustomMimeTypesFromFile(mimePath)
		if err != nil {
			return nil, &config.ConfigError{
				FilePath: mimePath,
				Message:  "failed to load custom MIME types file",
				Err:      err,
			}
		}
		for ext, mimeType := range fromFile {
			resolver.customMimeTypes[ext] = mimeType
		}
	}

	sfsConfig.ResolvedMimeTypes = resolver.customMimeTypes
	return resolver, nil
}

// GetMimeType returns the content type for filePath: custom mappings first,
// then the built-in table, then mime.TypeByExtension, then
// application/octet-stream.
func (r *MimeTypeResolver) GetMimeType(filePath string) string {
	return ResolveMimeType(filepath.Ext(filePath), r.customMimeTypes)
}

// ContentType returns GetMimeType with ";charset=utf-8" appended unless the
// type already names a charset.
func (r *MimeTypeResolver) ContentType(filePath string) string {
	ct := r.GetMimeType(filePath)
	if strings.Contains(strings.ToLower(ct), "charset=") {
		return ct
	}
	return ct + ";charset=utf-8"
}

// LoadCustomMimeTypesFromFile reads an extension to MIME type table from a
// JSON file, or a TOML file when the name ends in ".toml". Extensions must
// start with '.' and types must be non-empty; keys are lowercased.
func LoadCustomMimeTypesFromFile(filePath string) (map[string]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIME types file %q: %w", filePath, err)
	}

	var parsed map[string]string
	if strings.EqualFold(filepath.Ext(filePath), ".toml") {
		if err := toml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse TOML from MIME types file %q: %w", filePath, err)
		}
	} else if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from MIME types file %q: %w", filePath, err)
	}

	out := make(map[string]string, len(parsed))
	for ext, mimeType := range parsed {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("invalid extension %q in MIME types file %q: must start with a '.'", ext, filePath)
		}
		if mimeType == "" {
			return nil, fmt.Errorf("empty MIME type for extension %q in MIME types file %q", ext, filePath)
		}
		out[strings.ToLower(ext)] = mimeType
	}
	return out, nil
}

// ResolveMimeType looks up a type for extension (with its leading dot).
func ResolveMimeType(extension string, customUserMappings map[string]string) string {
	if extension == "" {
		return defaultOctetStreamMimeType
	}
	ext := strings.ToLower(extension)

	if mimeType, ok := customUserMappings[ext]; ok {
		return mimeType
	}
	if mimeType, ok := builtinMimeTypes[ext]; ok {
		return mimeType
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return defaultOctetStreamMimeType
}
