package staticfileserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/happyserver/internal/config"
	"example.com/happyserver/internal/logger"
	"example.com/happyserver/internal/server"
)

var errDiskGone = errors.New("input/output error")

// faultyFile serves reads from the real file until failAt bytes, then fails.
// Sequential reads go through readFail, positional reads through readAtFail.
type faultyFile struct {
	*os.File
	failAt     int64
	readFail   bool
	readAtFail bool
	read       int64
}

func (f *faultyFile) Read(p []byte) (int, error) {
	if f.readFail && f.read >= f.failAt {
		return 0, errDiskGone
	}
	n, err := f.File.Read(p)
	f.read += int64(n)
	return n, err
}

func (f *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if f.readAtFail && off >= f.failAt {
		return 0, errDiskGone
	}
	return f.File.ReadAt(p, off)
}

func faultyOpener(failAt int64, readFail, readAtFail bool) openFunc {
	return func(name string) (file, error) {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		return &faultyFile{File: f, failAt: failAt, readFail: readFail, readAtFail: readAtFail}, nil
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newStack serves root through the full middleware chain, with sfs exposed
// so a test can swap its opener.
func newStack(t *testing.T, root string, logOut io.Writer) (*StaticFileServer, *httptest.Server) {
	t.Helper()
	lg := logger.NewTestLogger(logOut)
	raw, err := json.Marshal(map[string]any{
		"document_root": root,
		"hash_cache":    map[string]any{"enabled": false},
	})
	require.NoError(t, err)
	sfsCfg, err := config.ParseAndValidateStaticFileServerConfig(raw, "")
	require.NoError(t, err)
	sfs, err := New(sfsCfg, "", lg)
	require.NoError(t, err)

	cfg, err := config.Default(root, "127.0.0.1:0")
	require.NoError(t, err)
	srv, err := server.NewServer(cfg, lg, sfs)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return sfs, ts
}

func TestServeFile_ReadFailureMidTransferAborts(t *testing.T) {
	root := t.TempDir()
	const size = 256 * 1024
	writeFile(t, root, "big.bin", strings.Repeat("a", size))

	var logs lockedBuffer
	sfs, ts := newStack(t, root, &logs)
	sfs.open = faultyOpener(96*1024, false, true)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/big.bin", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(size), resp.ContentLength)
	body, err := io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Less(t, len(body), size)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"uri":"/big.bin"`)
	}, 2*time.Second, 10*time.Millisecond, "aborted transfer is still access-logged")
	out := logs.String()
	assert.Contains(t, out, "Read failed mid-transfer")
	assert.NotContains(t, out, "Handler panicked")
}

func TestServeFile_ReadFailureSendsOneStatusLine(t *testing.T) {
	root := t.TempDir()
	const size = 256 * 1024
	writeFile(t, root, "big.bin", strings.Repeat("a", size))

	sfs, ts := newStack(t, root, io.Discard)
	sfs.open = faultyOpener(96*1024, false, true)

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = fmt.Fprint(conn, "GET /big.bin HTTP/1.1\r\nHost: test\r\nAccept-Encoding: identity\r\n\r\n")
	require.NoError(t, err)

	raw, _ := io.ReadAll(bufio.NewReader(conn))
	head, _, found := bytes.Cut(raw, []byte("\r\n\r\n"))
	require.True(t, found, "no complete header block in %q", raw)
	assert.True(t, bytes.HasPrefix(head, []byte("HTTP/1.1 200 OK")))
	assert.Equal(t, 1, bytes.Count(raw, []byte("HTTP/1.1 ")))
	assert.Less(t, len(raw), size, "connection should close before the full body")
}

func TestServeFile_HashFailureIs500WithoutETag(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.bin", strings.Repeat("b", 100*1024))

	var logs lockedBuffer
	sfs, ts := newStack(t, root, &logs)
	sfs.hasher.open = faultyOpener(32*1024, true, false)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/big.bin", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("ETag"))
	assert.Empty(t, resp.Header.Get("Last-Modified"))
	assert.Contains(t, logs.String(), "Failed to hash file")
}

func TestServeFile_OpenFailureAfterHashIs500(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.txt", "content")

	sfs, ts := newStack(t, root, io.Discard)
	sfs.open = func(string) (file, error) { return nil, errDiskGone }

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/f.txt", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("ETag"))
}
