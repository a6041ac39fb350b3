package staticfileserver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTree(t *testing.T, files map[string]string, dirs ...string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		writeFile(t, root, name, content)
	}
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
	return root
}

func TestListDirectory_Entries(t *testing.T) {
	root := makeTree(t, map[string]string{"a.txt": "0123456789"}, "b")

	l, err := ListDirectory(context.Background(), root, "/", ListOptions{StatWorkers: 4})
	require.NoError(t, err)
	require.Len(t, l.Files, 2)
	assert.Equal(t, 2, l.Total)
	assert.False(t, l.Truncated)
	assert.Equal(t, "/", l.PathName)

	byName := map[string]DirectoryEntry{}
	for _, e := range l.Files {
		byName[e.Name] = e
	}
	assert.Equal(t, DirectoryEntry{Name: "a.txt", RelativeURL: "/a.txt", SizeBytes: 10}, byName["a.txt"])
	assert.True(t, byName["b"].IsFolder)
	assert.Equal(t, "/b", byName["b"].RelativeURL)
}

func TestListDirectory_NestedLinks(t *testing.T) {
	root := makeTree(t, map[string]string{"x.bin": "x"})
	l, err := ListDirectory(context.Background(), root, "/deep/dir/", ListOptions{})
	require.NoError(t, err)
	require.Len(t, l.Files, 1)
	assert.Equal(t, "/deep/dir/x.bin", l.Files[0].RelativeURL)
}

func TestListDirectory_Empty(t *testing.T) {
	l, err := ListDirectory(context.Background(), t.TempDir(), "/empty", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, l.Files)
}

func TestListDirectory_SortFoldersFirst(t *testing.T) {
	root := makeTree(t, map[string]string{"b.txt": "", "A.txt": "", "c.txt": ""}, "zdir", "Adir")
	l, err := ListDirectory(context.Background(), root, "/", ListOptions{Sort: true, StatWorkers: 2})
	require.NoError(t, err)

	var names []string
	for _, e := range l.Files {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Adir", "zdir", "A.txt", "b.txt", "c.txt"}, names)
}

func TestListDirectory_MaxEntries(t *testing.T) {
	root := makeTree(t, map[string]string{"1": "", "2": "", "3": "", "4": ""})
	l, err := ListDirectory(context.Background(), root, "/", ListOptions{Sort: true, MaxEntries: 3})
	require.NoError(t, err)
	assert.Len(t, l.Files, 3)
	assert.Equal(t, 4, l.Total)
	assert.True(t, l.Truncated)

	page, err := RenderListing(l)
	require.NoError(t, err)
	assert.Contains(t, string(page), "Showing 3 of 4 entries.")
}

func TestListDirectory_Errors(t *testing.T) {
	_, err := ListDirectory(context.Background(), filepath.Join(t.TempDir(), "missing"), "/", ListOptions{})
	assert.ErrorIs(t, err, os.ErrNotExist)

	root := makeTree(t, map[string]string{"a": ""})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ListDirectory(ctx, root, "/", ListOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListDirectory_DanglingSymlinkIsListed(t *testing.T) {
	root := makeTree(t, nil)
	require.NoError(t, os.Symlink(filepath.Join(root, "nowhere"), filepath.Join(root, "dangling")))

	var dropped []string
	l, err := ListDirectory(context.Background(), root, "/", ListOptions{
		OnStatError: func(name string, err error) { dropped = append(dropped, name) },
	})
	require.NoError(t, err)
	require.Len(t, l.Files, 1)
	assert.Equal(t, "dangling", l.Files[0].Name)
	assert.False(t, l.Files[0].IsFolder)
	assert.Empty(t, dropped)
}

func TestRenderListing(t *testing.T) {
	page, err := RenderListing(&Listing{
		PathName: "/docs/<x>",
		Files: []DirectoryEntry{
			{Name: "big.iso", RelativeURL: "/docs/<x>/big.iso", SizeBytes: 3 * 1024 * 1024},
			{Name: "sub", RelativeURL: "/docs/<x>/sub", IsFolder: true},
		},
		Total: 2,
	})
	require.NoError(t, err)
	body := string(page)

	assert.Contains(t, body, "<title>Index of /docs/&lt;x&gt;</title>")
	assert.Contains(t, body, "3.0 MiB")
	assert.Contains(t, body, `<tr class="folder">`)
	assert.Contains(t, body, "sub/</a>")
	assert.Contains(t, body, `class="parent"`)
	assert.False(t, strings.Contains(body, "truncated"))

	root, err := RenderListing(&Listing{PathName: "/"})
	require.NoError(t, err)
	assert.NotContains(t, string(root), `class="parent"`)
}

func TestListDirectory_EscapesEntryURLs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a#b.txt", "what?.txt", "100%.txt", "two words.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	l, err := ListDirectory(context.Background(), dir, "/files", ListOptions{Sort: true})
	require.NoError(t, err)
	urls := map[string]string{}
	for _, e := range l.Files {
		urls[e.Name] = e.RelativeURL
	}
	assert.Equal(t, map[string]string{
		"100%.txt":      "/files/100%25.txt",
		"a#b.txt":       "/files/a%23b.txt",
		"two words.txt": "/files/two%20words.txt",
		"what?.txt":     "/files/what%3F.txt",
	}, urls)

	page, err := RenderListing(l)
	require.NoError(t, err)
	assert.Contains(t, string(page), `href="/files/a%23b.txt"`)
	assert.Contains(t, string(page), ">a#b.txt</a>")
}
