// Package app assembles a runnable server from a loaded configuration.
package app

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"example.com/happyserver/internal/config"
	"example.com/happyserver/internal/handlers/staticfileserver"
	"example.com/happyserver/internal/logger"
	"example.com/happyserver/internal/router"
	"example.com/happyserver/internal/server"
)

// NewRegistry returns a registry with every built-in handler type registered.
// configFilePath anchors relative paths inside handler configs.
func NewRegistry(configFilePath string) (*server.HandlerRegistry, error) {
	registry := server.NewHandlerRegistry()
	if err := registry.Register(config.StaticFileServerHandlerType, staticfileserver.Factory(configFilePath)); err != nil {
		return nil, fmt.Errorf("register %s: %w", config.StaticFileServerHandlerType, err)
	}
	return registry, nil
}

// New builds the handler registry, router and server for cfg.
func New(cfg *config.Config, configFilePath string, lg *logger.Logger) (*server.Server, error) {
	registry, err := NewRegistry(configFilePath)
	if err != nil {
		return nil, err
	}

	var routes []config.Route
	if cfg.Routing != nil {
		routes = cfg.Routing.Routes
	}
	rtr, err := router.NewRouter(routes, registry, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}
	lg.Info("Router initialized", logger.LogFields{"routes": len(routes)})

	srv, err := server.NewServer(cfg, lg, rtr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}
	return srv, nil
}

var bannerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("2"))

// PrintBanner writes the startup line for each listening address. Colour is
// used only when out is a terminal.
func PrintBanner(out io.Writer, addrs []net.Addr) {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		if tty {
			out = colorable.NewColorable(f)
		}
	}
	for _, a := range addrs {
		line := "Static file server started, visit " + browseURL(a)
		if tty {
			line = bannerStyle.Render(line)
		}
		fmt.Fprintln(out, line)
	}
}

// browseURL turns a listener address into a URL a browser can open.
// Wildcard hosts are shown as localhost.
func browseURL(a net.Addr) string {
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return "http://" + a.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
