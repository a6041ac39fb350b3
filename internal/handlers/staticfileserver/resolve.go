package staticfileserver

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a URL path would resolve outside the document root.
var ErrOutsideRoot = errors.New("path resolves outside document root")

// ResolutionError reports a request path that could not be mapped to a
// statable filesystem entry.
type ResolutionError struct {
	URLPath string
	Path    string
	Err     error
}

func (e *ResolutionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("resolve %s: %v", e.URLPath, e.Err)
	}
	return fmt.Sprintf("resolve %s (%s): %v", e.URLPath, e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ResolvePath maps urlPath onto a filesystem path under root. The URL path is
// cleaned as an absolute slash path before joining, and the result must be
// root itself or lie under it. For "/" the index files are probed in order
// and the first one that can be stat'ed replaces root as the target.
func ResolvePath(root, urlPath string, indexFiles []string) (string, error) {
	cleanURL := path.Clean("/" + urlPath)
	target := filepath.Join(root, filepath.FromSlash(cleanURL))

	if !withinRoot(root, target) {
		return "", &ResolutionError{URLPath: urlPath, Err: ErrOutsideRoot}
	}

	if cleanURL == "/" {
		for _, name := range indexFiles {
			candidate := filepath.Join(root, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return target, nil
}

func withinRoot(root, target string) bool {
	root = filepath.Clean(root)
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}
