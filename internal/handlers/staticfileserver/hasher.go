package staticfileserver

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"

	"example.com/happyserver/internal/config"
)

const hashChunkSize = 32 * 1024

// hashKey identifies one version of a file. A change in mtime or size
// invalidates the cached digest.
type hashKey struct {
	path    string
	modTime time.Time
	size    int64
}

// Hasher computes content digests used as ETags. Identical bytes give
// identical digests whatever the path or metadata.
type Hasher struct {
	newHash func() (hash.Hash, error)
	cache   *lru.Cache[hashKey, string]
	open    openFunc
}

// NewHasher returns a Hasher for alg. When cacheEntries is positive, digests
// are remembered per (path, mtime, size) for up to that many files.
func NewHasher(alg config.HashAlgorithm, cacheEntries int) (*Hasher, error) {
	h := &Hasher{open: openFile}
	switch alg {
	case config.HashSHA1, "":
		h.newHash = func() (hash.Hash, error) { return sha1.New(), nil }
	case config.HashSHA256:
		h.newHash = func() (hash.Hash, error) { return sha256.New(), nil }
	case config.HashBLAKE2b256:
		h.newHash = func() (hash.Hash, error) { return blake2b.New256(nil) }
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
	if cacheEntries > 0 {
		c, err := lru.New[hashKey, string](cacheEntries)
		if err != nil {
			return nil, fmt.Errorf("create hash cache: %w", err)
		}
		h.cache = c
	}
	return h, nil
}

// Sum streams the file at path through the digest and returns it as lowercase
// hex. The whole file is read before a digest is produced; a read failure or
// cancelled ctx yields an error and no digest.
func (h *Hasher) Sum(ctx context.Context, path string, stat FileStat) (string, error) {
	key := hashKey{path: path, modTime: stat.LastModified, size: stat.SizeBytes}
	if h.cache != nil {
		if sum, ok := h.cache.Get(key); ok {
			return sum, nil
		}
	}

	f, err := h.open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest, err := h.newHash()
	if err != nil {
		return "", err
	}
	buf := make([]byte, hashChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("hash %s: %w", path, readErr)
		}
	}

	sum := hex.EncodeToString(digest.Sum(nil))
	if h.cache != nil {
		h.cache.Add(key, sum)
	}
	return sum, nil
}

// Cached reports whether a digest for this version of path is cached.
func (h *Hasher) Cached(path string, stat FileStat) bool {
	if h.cache == nil {
		return false
	}
	return h.cache.Contains(hashKey{path: path, modTime: stat.LastModified, size: stat.SizeBytes})
}
