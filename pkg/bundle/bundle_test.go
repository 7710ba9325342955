package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/resource"
)

func TestResolveDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "article.cls"), []byte("class"), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := Resolve(context.Background(), Selection{LocalPath: dir}, Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	defer b.Close()

	if b.Kind() != KindDirectory {
		t.Errorf("Kind() = %s", b.Kind())
	}
	data, err := b.Lookup(context.Background(), "article.cls")
	if err != nil || string(data) != "class" {
		t.Errorf("Lookup() = %q, %v", data, err)
	}

	d1, err := b.Digest(context.Background())
	if err != nil || d1 == "" {
		t.Fatalf("Digest() = %q, %v", d1, err)
	}
	d2, _ := b.Digest(context.Background())
	if d1 != d2 {
		t.Error("digest is not stable")
	}
}

func TestResolveDirectoryWithPublishedDigest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "SHA256SUM"), []byte("ABCDEF\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := Resolve(context.Background(), Selection{LocalPath: dir}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d, _ := b.Digest(context.Background()); d != "abcdef" {
		t.Errorf("Digest() = %q, want abcdef", d)
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name   string
		sel    Selection
		opts   Options
		target error
	}{
		{
			name:   "missing local path",
			sel:    Selection{LocalPath: "/definitely/not/here"},
			target: fault.ErrInvalidBundlePath,
		},
		{
			name:   "both path and url",
			sel:    Selection{LocalPath: "/tmp", URL: "https://example.org/b.tar"},
			target: fault.ErrConfiguration,
		},
		{
			name:   "bad url",
			sel:    Selection{URL: "not a url"},
			target: fault.ErrConfiguration,
		},
		{
			name:   "nothing selected and no default",
			sel:    Selection{},
			target: fault.ErrConfiguration,
		},
		{
			name:   "remote without cache dir",
			sel:    Selection{URL: "https://example.org/b.tar"},
			target: fault.ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(context.Background(), tt.sel, tt.opts)
			if !errors.Is(err, tt.target) {
				t.Errorf("Resolve() error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestResolveDefaultRemoteOnlyCached(t *testing.T) {
	cacheDir := t.TempDir()
	_, err := Resolve(context.Background(), Selection{OnlyCached: true}, Options{
		DefaultURL: "http://127.0.0.1:1/default.tar",
		CacheDir:   cacheDir,
	})
	if !errors.Is(err, fault.ErrNotCachedLocally) {
		t.Fatalf("Resolve() error = %v, want NotCachedLocally", err)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "index.db")); err != nil {
		t.Errorf("cache index not created: %v", err)
	}
}

func TestResolveDefaultRemoteUnreachable(t *testing.T) {
	_, err := Resolve(context.Background(), Selection{}, Options{
		DefaultURL: "http://127.0.0.1:1/default.tar",
		CacheDir:   t.TempDir(),
	})
	if !errors.Is(err, fault.ErrResourceUnavailable) {
		t.Fatalf("Resolve() error = %v, want ResourceUnavailable", err)
	}
}

// serveBundle serves files, in the given order, as an indexed bundle.
func serveBundle(t *testing.T, names []string, files map[string]string) string {
	t.Helper()
	var blob, index bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&index, "%s %d %d\n", name, blob.Len(), len(files[name]))
		blob.WriteString(files[name])
	}
	var gzIndex bytes.Buffer
	gw := gzip.NewWriter(&gzIndex)
	_, _ = gw.Write(index.Bytes())
	_ = gw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bundle.tar.index.gz":
			_, _ = w.Write(gzIndex.Bytes())
		case "/bundle.tar":
			http.ServeContent(w, r, "bundle.tar", time.Time{}, bytes.NewReader(blob.Bytes()))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/bundle.tar"
}

func TestCachedListsOnlyFetchedFiles(t *testing.T) {
	url := serveBundle(t, []string{resource.DigestEntryName, "amsmath.sty", "article.cls"}, map[string]string{
		resource.DigestEntryName: strings.Repeat("ab", 32) + "\n",
		"amsmath.sty":            "%% amsmath",
		"article.cls":            "%% article",
	})
	ctx := context.Background()

	b, err := Resolve(ctx, Selection{URL: url}, Options{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	defer b.Close()

	if _, err := b.Lookup(ctx, "article.cls"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	names, err := b.Names(ctx)
	if err != nil || strings.Join(names, ",") != "amsmath.sty,article.cls" {
		t.Errorf("Names() = %v, %v", names, err)
	}
	cached, err := b.Cached(ctx)
	if err != nil {
		t.Fatalf("Cached() error = %v", err)
	}
	if strings.Join(cached, ",") != "article.cls" {
		t.Errorf("Cached() = %v, want [article.cls]", cached)
	}
}

func TestCachedLocalBundleListsEverything(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "article.cls"), []byte("class"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := Resolve(context.Background(), Selection{LocalPath: dir}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	cached, err := b.Cached(context.Background())
	if err != nil || len(cached) != 1 || cached[0] != "article.cls" {
		t.Errorf("Cached() = %v, %v", cached, err)
	}
}
