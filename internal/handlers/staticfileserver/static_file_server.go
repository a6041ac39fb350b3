package staticfileserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"

	"example.com/happyserver/internal/config"
	"example.com/happyserver/internal/logger"
	"example.com/happyserver/internal/server"
)

const (
	handlerName = config.StaticFileServerHandlerType

	// notFoundBody is the body of the undistinguished stat failure response.
	notFoundBody = "not found"
	copyBufSize  = 32 * 1024
)

// file is the subset of *os.File the pipeline reads through.
type file interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

type openFunc func(name string) (file, error)

func openFile(name string) (file, error) {
	return os.Open(name)
}

// StaticFileServer serves a document root: files with validators,
// compression and byte ranges, and HTML listings for directories.
type StaticFileServer struct {
	cfg          *config.StaticFileServerConfig
	log          *logger.Logger
	mimeResolver *MimeTypeResolver
	hasher       *Hasher
	cachePolicy  CachePolicy
	open         openFunc
}

// Factory returns a server.HandlerFactory building StaticFileServer handlers.
// mainConfigFilePath anchors relative document_root and mime_types_path values.
func Factory(mainConfigFilePath string) server.HandlerFactory {
	return func(handlerCfg json.RawMessage, lg *logger.Logger) (http.Handler, error) {
		sfsConfig, err := config.ParseAndValidateStaticFileServerConfig(handlerCfg, mainConfigFilePath)
		if err != nil {
			return nil, err
		}
		return New(sfsConfig, mainConfigFilePath, lg)
	}
}

// New creates a StaticFileServer from a validated configuration.
func New(sfsConfig *config.StaticFileServerConfig, mainConfigFilePath string, lg *logger.Logger) (*StaticFileServer, error) {
	if sfsConfig == nil {
		return nil, fmt.Errorf("%s: config cannot be nil", handlerName)
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}

	mimeResolver, err := NewMimeTypeResolver(sfsConfig, mainConfigFilePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", handlerName, err)
	}

	cacheEntries := 0
	if sfsConfig.HashCache != nil && sfsConfig.HashCache.Enabled != nil && *sfsConfig.HashCache.Enabled {
		cacheEntries = config.DefaultHashCacheEntries
		if sfsConfig.HashCache.MaxEntries != nil {
			cacheEntries = *sfsConfig.HashCache.MaxEntries
		}
	}
	hasher, err := NewHasher(sfsConfig.HashAlgorithm, cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", handlerName, err)
	}

	cacheControl := config.DefaultCacheControl
	if sfsConfig.CacheControl != nil {
		cacheControl = *sfsConfig.CacheControl
	}

	lg.Debug("StaticFileServer created", logger.LogFields{
		"document_root":    sfsConfig.DocumentRoot,
		"hash_algorithm":   string(sfsConfig.HashAlgorithm),
		"hash_cache":       cacheEntries,
		"validator_policy": string(sfsConfig.ValidatorPolicy),
	})

	return &StaticFileServer{
		cfg:          sfsConfig,
		log:          lg,
		mimeResolver: mimeResolver,
		hasher:       hasher,
		cachePolicy: CachePolicy{
			CacheControl: cacheControl,
			Validators:   sfsConfig.ValidatorPolicy,
		},
		open: openFile,
	}, nil
}

// routePath returns the request path relative to the matched prefix route.
func routePath(req *http.Request) string {
	p := req.URL.Path
	if m, ok := server.RouteMatchFromContext(req.Context()); ok &&
		m.MatchType == config.MatchTypePrefix && m.PathPattern != "/" {
		p = strings.TrimPrefix(p, strings.TrimSuffix(m.PathPattern, "/"))
	}
	if p == "" {
		p = "/"
	}
	return p
}

// ServeHTTP runs one request through the pipeline. The method is not
// inspected; every request is a retrieval.
func (sfs *StaticFileServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rc := newRequestContext(req, routePath(req))

	target, err := ResolvePath(sfs.cfg.DocumentRoot, rc.URLPath, sfs.cfg.IndexFiles)
	if err != nil {
		sfs.resolutionFailed(w, req, err)
		return
	}
	fi, err := os.Stat(target)
	if err != nil {
		sfs.resolutionFailed(w, req, &ResolutionError{URLPath: rc.URLPath, Path: target, Err: err})
		return
	}

	stat := fileStatFrom(fi)
	if stat.IsDirectory {
		sfs.serveDirectory(w, req, target)
		return
	}
	sfs.serveFile(w, req, rc, target, stat)
}

// resolutionFailed answers a request whose target could not be resolved or
// stat'ed. By default that is a 500 with a plain "not found" body; with
// distinguish_not_found the status reflects the cause.
func (sfs *StaticFileServer) resolutionFailed(w http.ResponseWriter, req *http.Request, err error) {
	fields := logger.LogFields{
		"path":       req.URL.Path,
		"error":      err.Error(),
		"request_id": server.RequestIDFromContext(req.Context()),
	}
	if errors.Is(err, ErrOutsideRoot) {
		sfs.log.Warn("StaticFileServer: Attempt to access path outside document root", fields)
	} else {
		sfs.log.Debug("StaticFileServer: Stat failed", fields)
	}

	if sfs.cfg.DistinguishNotFound == nil || !*sfs.cfg.DistinguishNotFound {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(notFoundBody)))
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, notFoundBody)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrOutsideRoot), errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		status = http.StatusForbidden
	}
	_ = server.WriteErrorResponse(w, req, status, "", sfs.log)
}

func (sfs *StaticFileServer) serveDirectory(w http.ResponseWriter, req *http.Request, dirPath string) {
	requestID := server.RequestIDFromContext(req.Context())
	if sfs.cfg.ServeDirectoryListing != nil && !*sfs.cfg.ServeDirectoryListing {
		sfs.log.Info("StaticFileServer: Directory listing disabled", logger.LogFields{
			"path": req.URL.Path, "request_id": requestID,
		})
		_ = server.WriteErrorResponse(w, req, http.StatusForbidden, "Access to this directory is forbidden.", sfs.log)
		return
	}

	opts := ListOptions{
		OnStatError: func(name string, err error) {
			sfs.log.Warn("StaticFileServer: Skipping unreadable directory entry", logger.LogFields{
				"dir": dirPath, "entry": name, "error": err.Error(), "request_id": requestID,
			})
		},
	}
	if l := sfs.cfg.Listing; l != nil {
		opts.Sort = l.Sort != nil && *l.Sort
		if l.MaxEntries != nil {
			opts.MaxEntries = *l.MaxEntries
		}
		if l.StatWorkers != nil {
			opts.StatWorkers = *l.StatWorkers
		}
	}

	listing, err := ListDirectory(req.Context(), dirPath, req.URL.Path, opts)
	if err == nil {
		var body []byte
		body, err = RenderListing(listing)
		if err == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
	}
	sfs.log.Error("StaticFileServer: Failed to generate directory listing", logger.LogFields{
		"dir": dirPath, "error": err.Error(), "request_id": requestID,
	})
	_ = server.WriteErrorResponse(w, req, http.StatusInternalServerError, "Error generating directory listing.", sfs.log)
}

// serveFile hashes the file, answers 304 when the validators allow it, and
// otherwise streams the requested span through the negotiated encoding.
func (sfs *StaticFileServer) serveFile(w http.ResponseWriter, req *http.Request, rc *RequestContext, filePath string, stat FileStat) {
	requestID := server.RequestIDFromContext(req.Context())

	digest, err := sfs.hasher.Sum(req.Context(), filePath, stat)
	if err != nil {
		sfs.log.Error("StaticFileServer: Failed to hash file", logger.LogFields{
			"path": filePath, "error": err.Error(), "request_id": requestID,
		})
		_ = server.WriteErrorResponse(w, req, http.StatusInternalServerError, "", sfs.log)
		return
	}

	if NegotiateCache(w, rc, NewCacheValidators(stat, digest), sfs.cachePolicy) {
		sfs.log.Debug("StaticFileServer: Not modified", logger.LogFields{
			"path": filePath, "etag": digest, "request_id": requestID,
		})
		return
	}

	h := w.Header()
	h.Set("Content-Type", sfs.mimeResolver.ContentType(filePath))

	enc := EncodingIdentity
	level := config.DefaultCompressionLevel
	if c := sfs.cfg.Compression; c == nil || c.Enabled == nil || *c.Enabled {
		enc = SelectEncoding(rc.Get("Accept-Encoding"))
		if c != nil && c.Level != nil {
			level = *c.Level
		}
	}
	span := ResolveRange(rc.Get("Range"), stat.SizeBytes)

	f, err := sfs.open(filePath)
	if err != nil {
		sfs.log.Error("StaticFileServer: Failed to open file for transfer", logger.LogFields{
			"path": filePath, "error": err.Error(), "request_id": requestID,
		})
		h.Del("ETag")
		h.Del("Last-Modified")
		_ = server.WriteErrorResponse(w, req, http.StatusInternalServerError, "", sfs.log)
		return
	}
	defer f.Close()

	encoder, err := enc.Wrap(w, level)
	if err != nil {
		sfs.log.Error("StaticFileServer: Failed to create encoder", logger.LogFields{
			"encoding": string(enc), "error": err.Error(), "request_id": requestID,
		})
		_ = server.WriteErrorResponse(w, req, http.StatusInternalServerError, "", sfs.log)
		return
	}

	status := http.StatusOK
	if span.Partial {
		status = http.StatusPartialContent
		h.Set("Accept-Ranges", "bytes")
		h.Set("Content-Range", span.ContentRange(stat.SizeBytes))
	}
	if enc != EncodingIdentity {
		h.Set("Content-Encoding", string(enc))
		h.Add("Vary", "Accept-Encoding")
		h.Del("Content-Length")
	} else {
		h.Set("Content-Length", strconv.FormatInt(span.Length(stat.SizeBytes), 10))
	}
	w.WriteHeader(status)

	if req.Method == http.MethodHead {
		return
	}

	src := &trackingReader{r: io.NewSectionReader(f, span.Start, span.Length(stat.SizeBytes))}
	buf := make([]byte, copyBufSize)
	if _, err := io.CopyBuffer(encoder, src, buf); err != nil {
		if src.err != nil {
			sfs.log.Error("StaticFileServer: Read failed mid-transfer, aborting response", logger.LogFields{
				"path": filePath, "error": src.err.Error(), "request_id": requestID,
			})
			panic(http.ErrAbortHandler)
		}
		sfs.log.Debug("StaticFileServer: Client went away mid-transfer", logger.LogFields{
			"path": filePath, "error": err.Error(), "request_id": requestID,
		})
		return
	}
	if err := encoder.Close(); err != nil {
		sfs.log.Debug("StaticFileServer: Failed to flush encoder", logger.LogFields{
			"path": filePath, "error": err.Error(), "request_id": requestID,
		})
	}
}

// trackingReader remembers the first non-EOF read error so a failed transfer
// can be told apart from a failed client write.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}
