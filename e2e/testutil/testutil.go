// Package testutil starts the server binary as a child process for end-to-end tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

// BuildServer compiles the server command into dir and returns the binary
// path. pkg is a package path understood by "go build", e.g. "../cmd/server".
func BuildServer(dir, pkg string) (string, error) {
	goBin, err := exec.LookPath("go")
	if err != nil {
		return "", fmt.Errorf("go toolchain not found: %w", err)
	}
	out := filepath.Join(dir, "happyserver")
	cmd := exec.Command(goBin, "build", "-o", out, pkg)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("go build %s: %w\n%s", pkg, err, stderr.String())
	}
	return out, nil
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteConfig writes configData to dir as server.json or server.toml and
// returns the file path. configData should be built from maps and slices so
// both encoders accept it.
func WriteConfig(dir string, configData any, format string) (string, error) {
	var data []byte
	var err error
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
	case "toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(configData)
		data = buf.Bytes()
	default:
		return "", fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}
	path := filepath.Join(dir, "server."+strings.ToLower(format))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// syncBuffer is a bytes.Buffer safe for concurrent writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance is a running server process.
type ServerInstance struct {
	Cmd     *exec.Cmd
	Address string
	output  *syncBuffer
	waitErr chan error
	cancel  context.CancelFunc
	once    sync.Once
	stopErr error
}

// StartServer launches binary with "-config configFile" and waits until
// address accepts connections.
func StartServer(binary, configFile, address string) (*ServerInstance, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binary, "-config", configFile)
	out := &syncBuffer{}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start server process %s: %w", binary, err)
	}
	s := &ServerInstance{
		Cmd:     cmd,
		Address: address,
		output:  out,
		waitErr: make(chan error, 1),
		cancel:  cancel,
	}
	go func() { s.waitErr <- cmd.Wait() }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return s, nil
		}
		select {
		case werr := <-s.waitErr:
			cancel()
			return nil, fmt.Errorf("server exited before becoming ready: %v\n%s", werr, out.String())
		default:
		}
		if time.Now().After(deadline) {
			s.Stop()
			return nil, fmt.Errorf("server not ready at %s: %v\n%s", address, err, out.String())
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Output returns everything the process wrote to stdout and stderr so far.
func (s *ServerInstance) Output() string { return s.output.String() }

// Signal delivers sig to the process.
func (s *ServerInstance) Signal(sig os.Signal) error {
	return s.Cmd.Process.Signal(sig)
}

// Wait blocks until the process exits and returns its exit error, or
// errTimeout if it is still running after timeout.
func (s *ServerInstance) Wait(timeout time.Duration) error {
	select {
	case err := <-s.waitErr:
		s.waitErr <- err
		return err
	case <-time.After(timeout):
		return errTimeout
	}
}

var errTimeout = errors.New("server did not exit in time")

// Stop sends SIGTERM and kills the process if it has not exited after five
// seconds.
func (s *ServerInstance) Stop() error {
	s.once.Do(func() {
		defer s.cancel()
		if err := s.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.stopErr = err
			return
		}
		if err := s.Wait(5 * time.Second); errors.Is(err, errTimeout) {
			s.Cmd.Process.Kill()
			s.stopErr = err
		}
	})
	return s.stopErr
}
