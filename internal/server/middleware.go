package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"example.com/happyserver/internal/logger"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request ID assigned by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// responseRecorder captures the status code and body size written by a handler.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// WithRequestID reuses the incoming header value or generates a UUID, echoes
// it on the response and stores it in the request context.
func WithRequestID(header string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(header)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(header, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// WithAccessLog records one access log entry per request.
func WithAccessLog(lg *logger.Logger, next http.Handler) http.Handler {
	if !lg.AccessEnabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			lg.Access(r, RequestIDFromContext(r.Context()), rec.status, rec.bytes, time.Since(start))
		}()
		next.ServeHTTP(rec, r)
	})
}

// WithRecovery turns a handler panic into a 500 response and an error log entry.
// If the handler had already started the response, the connection is aborted
// instead so a truncated body is not mistaken for a complete one.
func WithRecovery(lg *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			lg.Error("Handler panicked", logger.LogFields{
				"panic":      fmt.Sprint(rv),
				"uri":        r.RequestURI,
				"request_id": RequestIDFromContext(r.Context()),
				"committed":  rec.wroteHeader,
			})
			if rec.wroteHeader {
				panic(http.ErrAbortHandler)
			}
			_ = WriteErrorResponse(w, r, http.StatusInternalServerError, "", lg)
		}()
		next.ServeHTTP(rec, r)
	})
}

// WithCORS wraps next in a CORS policy for read-only access from the given
// origins. It returns next unchanged when no origins are configured.
func WithCORS(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return next
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedHeaders: []string{"Range", "If-None-Match", "If-Modified-Since"},
		ExposedHeaders: []string{"ETag", "Content-Range", "Accept-Ranges", "Content-Encoding"},
		MaxAge:         600,
	})
	return c.Handler(next)
}
