package staticfileserver

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ListOptions tunes ListDirectory.
type ListOptions struct {
	// Sort orders folders first, then names by collation. Off keeps
	// filesystem enumeration order.
	Sort bool
	// MaxEntries caps the number of entries returned; 0 means unbounded.
	MaxEntries int
	// StatWorkers bounds the concurrent Lstat calls.
	StatWorkers int
	// OnStatError is called for entries dropped because Lstat failed.
	OnStatError func(name string, err error)
}

// Listing is the data handed to the listing template.
type Listing struct {
	PathName  string
	Files     []DirectoryEntry
	Total     int
	Truncated bool
}

// entryURL joins name onto the listed directory's URL path and escapes the
// result, so names holding '#', '?' or '%' still link to themselves.
func entryURL(urlPath, name string) string {
	return (&url.URL{Path: path.Join(urlPath, name)}).EscapedPath()
}

// ListDirectory enumerates the immediate children of dirPath with a single
// ReadDir and one Lstat per child. Links are urlPath joined with the child
// name. Entries keep enumeration order unless opts.Sort is set.
func ListDirectory(ctx context.Context, dirPath, urlPath string, opts ListOptions) (*Listing, error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, err
	}
	names, err := dir.Readdirnames(-1)
	dir.Close()
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dirPath, err)
	}

	entries := make([]DirectoryEntry, len(names))
	ok := make([]bool, len(names))

	workers := opts.StatWorkers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, name := range names {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fi, err := os.Lstat(filepath.Join(dirPath, name))
			if err != nil {
				if opts.OnStatError != nil {
					opts.OnStatError(name, err)
				}
				return nil
			}
			entries[i] = DirectoryEntry{
				Name:        name,
				RelativeURL: entryURL(urlPath, name),
				IsFolder:    fi.IsDir(),
				SizeBytes:   fi.Size(),
			}
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files := entries[:0]
	for i := range entries {
		if ok[i] {
			files = append(files, entries[i])
		}
	}

	if opts.Sort {
		col := collate.New(language.Und, collate.IgnoreCase)
		sort.SliceStable(files, func(i, j int) bool {
			if files[i].IsFolder != files[j].IsFolder {
				return files[i].IsFolder
			}
			return col.CompareString(files[i].Name, files[j].Name) < 0
		})
	}

	listing := &Listing{PathName: urlPath, Files: files, Total: len(files)}
	if opts.MaxEntries > 0 && len(files) > opts.MaxEntries {
		listing.Files = files[:opts.MaxEntries]
		listing.Truncated = true
	}
	return listing, nil
}

//go:embed listing.html
var listingHTML string

var listingTemplate = template.Must(template.New("listing").Funcs(template.FuncMap{
	"bytes": func(n int64) string { return humanize.IBytes(uint64(n)) },
	"parent": func(p string) string {
		if p == "/" || p == "" {
			return ""
		}
		return path.Dir(path.Clean(p))
	},
}).Parse(listingHTML))

// RenderListing renders l as an HTML page.
func RenderListing(l *Listing) ([]byte, error) {
	var buf bytes.Buffer
	if err := listingTemplate.Execute(&buf, l); err != nil {
		return nil, fmt.Errorf("render listing for %s: %w", l.PathName, err)
	}
	return buf.Bytes(), nil
}
