package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/happyserver/internal/config"
)

const tsFormat = "2006-01-02T15:04:05.000Z"

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// target is an output that can be swapped when a log file is reopened.
type target struct {
	mu   sync.Mutex
	path string // empty for stdout/stderr
	out  io.Writer
}

func (t *target) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Write(p)
}

func (t *target) reopen() error {
	if t.path == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.out.(io.Closer); ok {
		c.Close()
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.out = os.Stderr
		return fmt.Errorf("failed to reopen log file %s: %w", t.path, err)
	}
	t.out = f
	return nil
}

func (t *target) close() error {
	if t.path == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func openTarget(name string) (*target, error) {
	switch name {
	case "", "stderr":
		return &target{out: os.Stderr}, nil
	case "stdout":
		return &target{out: os.Stdout}, nil
	}
	if !config.IsFilePath(name) {
		return nil, fmt.Errorf("invalid log target: %s", name)
	}
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", name, err)
	}
	return &target{path: name, out: f}, nil
}

// AccessLogger writes one line per completed request.
type AccessLogger struct {
	zl            zerolog.Logger
	config        config.AccessLogConfig
	output        *target
	parsedProxies parsedProxiesContainer
}

// ErrorLogger writes leveled diagnostic entries.
type ErrorLogger struct {
	zl     zerolog.Logger
	config config.ErrorLogConfig
	output *target
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog      *AccessLogger
	errorLog       *ErrorLogger
	globalLogLevel config.LogLevel
}

// zerologLevel maps the configured severity onto zerolog's levels.
func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	level := cfg.LogLevel
	if level == "" {
		level = config.LogLevelInfo
	}
	l := &Logger{globalLogLevel: level}

	errCfg := config.ErrorLogConfig{Target: "stderr"}
	if cfg.ErrorLog != nil {
		errCfg = *cfg.ErrorLog
	}
	errOut, err := openTarget(errCfg.Target)
	if err != nil {
		return nil, err
	}
	l.errorLog = &ErrorLogger{
		zl:     zerolog.New(errOut).Level(zerologLevel(level)),
		config: errCfg,
		output: errOut,
	}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		parsedProxies, errP := preParseTrustedProxies(cfg.AccessLog.TrustedProxies)
		if errP != nil {
			errOut.close()
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", errP)
		}
		accessTarget := cfg.AccessLog.Target
		if accessTarget == "" {
			accessTarget = "stdout"
		}
		accessOut, errA := openTarget(accessTarget)
		if errA != nil {
			errOut.close()
			return nil, errA
		}
		l.accessLog = &AccessLogger{
			zl:            zerolog.New(accessOut),
			config:        *cfg.AccessLog,
			output:        accessOut,
			parsedProxies: parsedProxies,
		}
	}

	return l, nil
}

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{
		errorLog: &ErrorLogger{
			zl:     zerolog.Nop(),
			output: &target{out: io.Discard},
		},
		globalLogLevel: config.LogLevelError,
	}
}

// NewTestLogger returns a Logger writing DEBUG-level error entries and JSON
// access entries to w.
func NewTestLogger(w io.Writer) *Logger {
	out := &target{out: w}
	return &Logger{
		errorLog: &ErrorLogger{
			zl:     zerolog.New(out).Level(zerolog.DebugLevel),
			config: config.ErrorLogConfig{Target: "test"},
			output: out,
		},
		accessLog: &AccessLogger{
			zl:     zerolog.New(out),
			config: config.AccessLogConfig{Format: "json"},
			output: out,
		},
		globalLogLevel: config.LogLevelDebug,
	}
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var container parsedProxiesContainer
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(pStr)
		if ip == nil {
			return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
		}
		container.ips = append(container.ips, ip)
	}
	return container, nil
}

// isIPTrusted checks if a given IP address is in the list of trusted proxies.
func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP determines the client's address. The header named by
// realIPHeaderName is walked right to left and the first untrusted hop wins;
// a malformed entry falls back to the direct peer.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" {
		return peer
	}
	// Forwarding headers are only honoured when the peer itself is a trusted proxy.
	if !isIPTrusted(net.ParseIP(peer), trustedProxies) {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}

	hops := strings.Split(headerValue, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(hops[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return peer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return ipStr
		}
	}
	return peer
}

// LogAccess writes an access log entry.
func (al *AccessLogger) LogAccess(req *http.Request, requestID string, status int, responseBytes int64, duration time.Duration) {
	if al == nil {
		return
	}

	_, clientPort, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		clientPort = "0"
	}
	realIPHeaderName := ""
	if al.config.RealIPHeader != nil {
		realIPHeaderName = *al.config.RealIPHeader
	}
	remote := getRealClientIP(req.RemoteAddr, req.Header, realIPHeaderName, al.parsedProxies)
	now := time.Now().UTC()

	if al.config.Format == "common" {
		fmt.Fprintf(al.output, "%s - - [%s] %q %d %d %dms %s\n",
			remote, now.Format("02/Jan/2006:15:04:05 -0700"),
			req.Method+" "+req.RequestURI+" "+req.Proto,
			status, responseBytes, duration.Milliseconds(), requestID)
		return
	}

	ev := al.zl.Log().
		Str("ts", now.Format(tsFormat)).
		Str("remote_addr", remote).
		Str("remote_port", clientPort).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds())
	if requestID != "" {
		ev = ev.Str("request_id", requestID)
	}
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

// LogError writes an error log entry if level passes the configured threshold.
func (el *ErrorLogger) LogError(level config.LogLevel, msg string, fields ...LogFields) {
	if el == nil {
		return
	}
	ev := el.zl.WithLevel(zerologLevel(level))
	if ev == nil {
		return
	}
	ev = ev.Str("ts", time.Now().UTC().Format(tsFormat))
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.errorLog.LogError(config.LogLevelInfo, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.errorLog.LogError(config.LogLevelError, msg, fields...)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.errorLog.LogError(config.LogLevelDebug, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.errorLog.LogError(config.LogLevelWarning, msg, fields...)
}

// Access records a completed request. It is a no-op when access logging is disabled.
func (l *Logger) Access(req *http.Request, requestID string, status int, responseBytes int64, duration time.Duration) {
	l.accessLog.LogAccess(req, requestID, status, responseBytes, duration)
}

// AccessEnabled reports whether an access log is configured.
func (l *Logger) AccessEnabled() bool {
	return l.accessLog != nil
}

// CloseLogFiles closes any file-backed outputs. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	if l.accessLog != nil {
		if err := l.accessLog.output.close(); err != nil {
			firstErr = err
		}
	}
	if l.errorLog != nil {
		if err := l.errorLog.output.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles closes and reopens file-backed outputs, for log rotation on SIGHUP.
func (l *Logger) ReopenLogFiles() error {
	if l.errorLog != nil {
		if err := l.errorLog.output.reopen(); err != nil {
			return err
		}
	}
	if l.accessLog != nil {
		if err := l.accessLog.output.reopen(); err != nil {
			return err
		}
	}
	return nil
}
