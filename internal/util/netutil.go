package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenFdsEnvKey names the environment variable carrying colon-separated
// listening socket descriptors handed over by a supervisor.
const ListenFdsEnvKey = "HAPPYSERVER_LISTEN_FDS"

// IsCloexecSet checks if the FD_CLOEXEC flag is set on the given file descriptor.
func IsCloexecSet(fd uintptr) (bool, error) {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return false, fmt.Errorf("fcntl F_GETFD failed for fd %d: %w", fd, err)
	}
	return flags&unix.FD_CLOEXEC != 0, nil
}

// SetCloexec sets or clears the close-on-exec flag for a file descriptor.
func SetCloexec(fd uintptr, enabled bool) error {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFD failed: %w", err)
	}
	if enabled {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(fd, unix.F_SETFD, flags); err != nil {
		return fmt.Errorf("fcntl F_SETFD failed: %w", err)
	}
	return nil
}

// CreateListener creates a TCP listener with SO_REUSEADDR set, so a restarted
// server can rebind while old connections sit in TIME_WAIT.
func CreateListener(ctx context.Context, network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported for CreateListener", network)
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	l, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return l, nil
}

// NewListenerFromFD creates a net.Listener from an inherited file descriptor.
// The descriptor is marked close-on-exec; the returned listener owns it.
func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	if err := SetCloexec(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set FD_CLOEXEC on inherited FD %d: %w", fd, err)
	}
	file := os.NewFile(fd, fmt.Sprintf("inherited-listener-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("os.NewFile returned nil for FD %d", fd)
	}
	// net.FileListener dups the descriptor, so the original file is closed either way.
	defer file.Close()
	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for FD %d: %w", fd, err)
	}
	return listener, nil
}

// ParseInheritedListenerFDs retrieves a list of file descriptor numbers
// passed via the specified environment variable.
// It expects FDs to be colon-separated numbers.
func ParseInheritedListenerFDs(envVarName string) ([]uintptr, error) {
	fdsEnv := os.Getenv(envVarName)
	if fdsEnv == "" {
		return nil, nil
	}

	fdStrings := strings.Split(fdsEnv, ":")
	fds := make([]uintptr, 0, len(fdStrings))
	for _, fdStr := range fdStrings {
		fdInt, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number in environment variable %s (value: %q): %s (%w)", envVarName, fdsEnv, fdStr, err)
		}
		if fdInt < 0 {
			return nil, fmt.Errorf("invalid negative FD number in environment variable %s (value: %q): %d", envVarName, fdsEnv, fdInt)
		}
		fds = append(fds, uintptr(fdInt))
	}
	return fds, nil
}

// InheritedListeners converts every descriptor named in envVarName into a
// listener. It returns nil, nil when the variable is unset.
func InheritedListeners(envVarName string) ([]net.Listener, error) {
	fds, err := ParseInheritedListenerFDs(envVarName)
	if err != nil || len(fds) == 0 {
		return nil, err
	}
	listeners := make([]net.Listener, 0, len(fds))
	for _, fd := range fds {
		l, err := NewListenerFromFD(fd)
		if err != nil {
			for _, prev := range listeners {
				prev.Close()
			}
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
