package staticfileserver

import (
	"net/http"
	"net/textproto"
	"os"
	"time"
)

// RequestContext is the per-request view the pipeline works from.
type RequestContext struct {
	Method  string
	URLPath string
	Header  http.Header
}

// newRequestContext captures method, path and headers of req. urlPath is the
// path relative to the handler's route.
func newRequestContext(req *http.Request, urlPath string) *RequestContext {
	return &RequestContext{
		Method:  req.Method,
		URLPath: urlPath,
		Header:  req.Header,
	}
}

// Get returns the value of the named header. Names are case-insensitive and
// the last occurrence wins when a header was sent more than once.
func (rc *RequestContext) Get(name string) string {
	vv := rc.Header[textproto.CanonicalMIMEHeaderKey(name)]
	if len(vv) == 0 {
		return ""
	}
	return vv[len(vv)-1]
}

// Has reports whether the named header was sent at all, even with an empty value.
func (rc *RequestContext) Has(name string) bool {
	_, ok := rc.Header[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// FileStat is the subset of file metadata the pipeline uses. It is read
// fresh for every request.
type FileStat struct {
	IsDirectory  bool
	SizeBytes    int64
	LastModified time.Time
}

func fileStatFrom(fi os.FileInfo) FileStat {
	return FileStat{
		IsDirectory:  fi.IsDir(),
		SizeBytes:    fi.Size(),
		LastModified: fi.ModTime(),
	}
}

// DirectoryEntry is one row of a directory listing.
type DirectoryEntry struct {
	Name        string
	RelativeURL string
	IsFolder    bool
	SizeBytes   int64
}

// CacheValidators are the validator values computed for a file.
type CacheValidators struct {
	ContentHash     string
	LastModifiedGMT string
}

// NewCacheValidators formats the validators for a file with the given digest.
func NewCacheValidators(stat FileStat, contentHash string) CacheValidators {
	return CacheValidators{
		ContentHash:     contentHash,
		LastModifiedGMT: stat.LastModified.UTC().Format(http.TimeFormat),
	}
}

// RangeSpec is an inclusive byte span. Partial is set when the client sent a
// Range header, whatever span it resolved to.
type RangeSpec struct {
	Start        int64
	EndInclusive int64
	Partial      bool
}

// Length is the number of bytes covered by the span for a file of size bytes.
func (r RangeSpec) Length(size int64) int64 {
	if size == 0 {
		return 0
	}
	return r.EndInclusive - r.Start + 1
}
