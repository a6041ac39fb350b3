package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/net/netutil"

	"example.com/happyserver/internal/config"
	"example.com/happyserver/internal/logger"
	"example.com/happyserver/internal/util"
)

// Server manages the HTTP server lifecycle: listening sockets, the
// middleware chain in front of the router, log reopening and graceful shutdown.
type Server struct {
	cfg        *config.Config
	log        *logger.Logger
	handler    http.Handler
	httpServer *http.Server

	mu        sync.RWMutex
	listeners []net.Listener
	inherited bool

	sigChan      chan os.Signal
	serveErrs    chan error
	doneChan     chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a new Server instance serving router behind the standard
// middleware chain. Listeners are not opened until Start.
func NewServer(cfg *config.Config, lg *logger.Logger, router http.Handler) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if cfg.Server == nil {
		return nil, fmt.Errorf("server configuration section (server) is missing")
	}

	requestIDHeader := config.DefaultRequestIDHeader
	if cfg.Server.RequestIDHeader != nil && *cfg.Server.RequestIDHeader != "" {
		requestIDHeader = *cfg.Server.RequestIDHeader
	}

	var h http.Handler = WithRecovery(lg, router)
	h = WithAccessLog(lg, h)
	h = WithRequestID(requestIDHeader, h)
	h = WithCORS(cfg.Server.CORSAllowedOrigins, h)

	s := &Server{
		cfg:       cfg,
		log:       lg,
		handler:   h,
		sigChan:   make(chan os.Signal, 1),
		serveErrs: make(chan error, 1),
		doneChan:  make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: cfg.Server.HeaderTimeout(),
	}
	return s, nil
}

// Handler returns the fully wrapped handler served by s.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// initializeListeners uses descriptors inherited through util.ListenFdsEnvKey
// when present and otherwise binds server.address.
func (s *Server) initializeListeners(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inherited, err := util.InheritedListeners(util.ListenFdsEnvKey)
	if err != nil {
		return fmt.Errorf("error using inherited listener FDs from %s: %w", util.ListenFdsEnvKey, err)
	}

	if len(inherited) > 0 {
		s.inherited = true
		s.listeners = inherited
		for _, l := range inherited {
			s.log.Info("Using inherited listener", logger.LogFields{"local_addr": l.Addr().String()})
		}
	} else {
		if s.cfg.Server.Address == nil || *s.cfg.Server.Address == "" {
			return fmt.Errorf("server listen address (server.address) is not configured")
		}
		listenAddress := *s.cfg.Server.Address
		l, err := util.CreateListener(ctx, "tcp", listenAddress)
		if err != nil {
			if util.IsAddrInUse(err) {
				return fmt.Errorf("address %s already in use: %w", listenAddress, err)
			}
			return fmt.Errorf("failed to create new listener on %s: %w", listenAddress, err)
		}
		s.listeners = []net.Listener{l}
		s.log.Info("Listening", logger.LogFields{"address": listenAddress, "local_addr": l.Addr().String()})
	}

	if maxConns := s.cfg.Server.MaxConnections; maxConns != nil && *maxConns > 0 {
		for i, l := range s.listeners {
			s.listeners[i] = netutil.LimitListener(l, *maxConns)
		}
	}
	return nil
}

// Start opens the listeners and begins serving on each of them in the
// background. It returns once every listener is accepting.
func (s *Server) Start(ctx context.Context) error {
	if err := s.initializeListeners(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.listeners {
		go func(l net.Listener) {
			if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case s.serveErrs <- fmt.Errorf("serving on %s: %w", l.Addr(), err):
				default:
				}
			}
		}(l)
	}
	return nil
}

// Addrs returns the addresses of the active listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Run starts the server unless Start was already called, then blocks until
// ctx is cancelled, SIGINT or SIGTERM arrives, or a listener fails. SIGHUP
// reopens the log files.
func (s *Server) Run(ctx context.Context) error {
	s.mu.RLock()
	started := len(s.listeners) > 0
	s.mu.RUnlock()
	if !started {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	signal.Notify(s.sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(s.sigChan)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Context cancelled, shutting down", nil)
			return s.Shutdown(context.Background())
		case err := <-s.serveErrs:
			s.log.Error("Listener failed, shutting down", logger.LogFields{"error": err.Error()})
			if shutdownErr := s.Shutdown(context.Background()); shutdownErr != nil {
				return errors.Join(err, shutdownErr)
			}
			return err
		case sig := <-s.sigChan:
			switch sig {
			case syscall.SIGHUP:
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				} else {
					s.log.Info("Received SIGHUP, reopened log files", nil)
				}
			default:
				s.log.Info("Received signal, shutting down", logger.LogFields{"signal": sig.String()})
				return s.Shutdown(context.Background())
			}
		case <-s.doneChan:
			return s.shutdownErr
		}
	}
}

// Shutdown stops accepting connections and waits for in-flight requests up to
// server.graceful_shutdown_timeout. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		timeout := s.cfg.Server.ShutdownTimeout()
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := s.httpServer.Shutdown(shutdownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("Graceful shutdown timed out, closing remaining connections", logger.LogFields{"timeout": timeout.String()})
			err = s.httpServer.Close()
		}
		s.shutdownErr = err
		s.log.Info("Server stopped", nil)
		close(s.doneChan)
	})
	return s.shutdownErr
}

// Done is closed once Shutdown has completed.
func (s *Server) Done() <-chan struct{} {
	return s.doneChan
}

// Inherited reports whether the listeners came from a supervising process.
func (s *Server) Inherited() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inherited
}
