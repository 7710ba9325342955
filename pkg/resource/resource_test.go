package resource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/stores"
)

func TestCleanName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"article.cls", "article.cls", false},
		{"tex/latex/base/size10.clo", "tex/latex/base/size10.clo", false},
		{"./a/../b.sty", "b.sty", false},
		{"", "", true},
		{"../secret", "", true},
		{"a/../../secret", "", true},
		{"/etc/passwd", "", true},
		{`dir\file`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CleanName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, fault.ErrPermissionDenied) {
				t.Errorf("error %v is not PermissionDenied", err)
			}
			if got != tt.want {
				t.Errorf("CleanName(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDirProvider(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "article.cls"), "class")
	writeFile(t, filepath.Join(root, "fonts", "cmr10.tfm"), "font")
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret"), "secret")

	p, err := NewDirProvider(root)
	if err != nil {
		t.Fatalf("NewDirProvider() error = %v", err)
	}
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		data, err := p.Lookup(ctx, "fonts/cmr10.tfm")
		if err != nil || string(data) != "font" {
			t.Errorf("Lookup() = %q, %v", data, err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := p.Lookup(ctx, "missing.sty"); !fault.IsNotFound(err) {
			t.Errorf("Lookup() error = %v, want not found", err)
		}
	})

	t.Run("directory is not a resource", func(t *testing.T) {
		if _, err := p.Lookup(ctx, "fonts"); !fault.IsNotFound(err) {
			t.Errorf("Lookup() error = %v, want not found", err)
		}
	})

	t.Run("traversal", func(t *testing.T) {
		if _, err := p.Lookup(ctx, "../secret"); !errors.Is(err, fault.ErrPermissionDenied) {
			t.Errorf("Lookup() error = %v, want permission denied", err)
		}
	})

	t.Run("symlink escape", func(t *testing.T) {
		if err := os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "link")); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		if _, err := p.Lookup(ctx, "link"); !errors.Is(err, fault.ErrPermissionDenied) {
			t.Errorf("Lookup() error = %v, want permission denied", err)
		}
	})

	t.Run("names", func(t *testing.T) {
		names, err := p.Names(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !contains(names, "article.cls") || !contains(names, "fonts/cmr10.tfm") {
			t.Errorf("Names() = %v", names)
		}
	})
}

func TestNewDirProviderInvalidPath(t *testing.T) {
	_, err := NewDirProvider(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, fault.ErrInvalidBundlePath) {
		t.Errorf("error = %v, want InvalidBundlePath", err)
	}
}

func makeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.zip")
	makeZip(t, path, map[string]string{
		"article.cls":     "class",
		"fonts/cmr10.tfm": "font",
	})

	a, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("OpenArchive() error = %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	data, err := a.Lookup(ctx, "fonts/cmr10.tfm")
	if err != nil || string(data) != "font" {
		t.Errorf("Lookup() = %q, %v", data, err)
	}
	if _, err := a.Lookup(ctx, "missing.sty"); !fault.IsNotFound(err) {
		t.Errorf("Lookup(missing) error = %v", err)
	}

	names, _ := a.Names(ctx)
	if len(names) != 2 || names[0] != "article.cls" {
		t.Errorf("Names() = %v", names)
	}
}

func TestArchiveProviderErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		_, err := OpenArchive(filepath.Join(dir, "none.zip"))
		if !errors.Is(err, fault.ErrInvalidBundlePath) {
			t.Errorf("error = %v, want InvalidBundlePath", err)
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		path := filepath.Join(dir, "bad.zip")
		writeFile(t, path, "this is not a zip archive")
		_, err := OpenArchive(path)
		if !errors.Is(err, fault.ErrCorruptArchive) {
			t.Errorf("error = %v, want CorruptArchive", err)
		}
	})

	t.Run("unsafe member", func(t *testing.T) {
		path := filepath.Join(dir, "evil.zip")
		makeZip(t, path, map[string]string{"../evil": "x"})
		_, err := OpenArchive(path)
		if !errors.Is(err, fault.ErrCorruptArchive) {
			t.Errorf("error = %v, want CorruptArchive", err)
		}
	})
}

func TestParseIndex(t *testing.T) {
	idx, err := ParseIndex(strings.NewReader("a.sty 0 10\n\nb.cls 10 5\n"))
	if err != nil {
		t.Fatalf("ParseIndex() error = %v", err)
	}
	if idx["b.cls"] != (Span{Offset: 10, Length: 5}) {
		t.Errorf("b.cls = %+v", idx["b.cls"])
	}

	for _, bad := range []string{"a.sty 0\n", "a.sty x 10\n", "a.sty 0 -1\n"} {
		if _, err := ParseIndex(strings.NewReader(bad)); !errors.Is(err, fault.ErrCorruptArchive) {
			t.Errorf("ParseIndex(%q) error = %v, want CorruptArchive", bad, err)
		}
	}
}

// bundleServer serves an indexed bundle and counts requests.
type bundleServer struct {
	*httptest.Server
	requests atomic.Int64
	digest   string
}

func newBundleServer(t *testing.T, files map[string]string) *bundleServer {
	t.Helper()

	sum := sha256.Sum256([]byte(fmt.Sprint(files)))
	digest := hex.EncodeToString(sum[:])

	all := map[string]string{DigestEntryName: digest + "\n"}
	for k, v := range files {
		all[k] = v
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	var blob, index bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&index, "%s %d %d\n", name, blob.Len(), len(all[name]))
		blob.WriteString(all[name])
	}

	var gzIndex bytes.Buffer
	gw := gzip.NewWriter(&gzIndex)
	_, _ = gw.Write(index.Bytes())
	_ = gw.Close()

	bs := &bundleServer{digest: digest}
	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs.requests.Add(1)
		switch r.URL.Path {
		case "/bundle.tar.index.gz":
			_, _ = w.Write(gzIndex.Bytes())
		case "/bundle.tar":
			http.ServeContent(w, r, "bundle.tar", time.Time{}, bytes.NewReader(blob.Bytes()))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(bs.Close)
	return bs
}

func (bs *bundleServer) bundleURL() string {
	return bs.URL + "/bundle.tar"
}

func openIndex(t *testing.T, dir string) stores.Index {
	t.Helper()
	idx, err := stores.OpenSQLiteIndex(context.Background(), filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteIndex() error = %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestCachedProviderOnlyCachedAfterFetch(t *testing.T) {
	srv := newBundleServer(t, map[string]string{
		"article.cls": "\\ProvidesClass{article}",
		"never.sty":   "never fetched",
	})
	cacheDir := t.TempDir()
	index := openIndex(t, cacheDir)
	ctx := context.Background()

	online, err := NewCachedProvider(NewHTTPSource(srv.bundleURL(), HTTPOptions{}), CacheOptions{Dir: cacheDir, Index: index})
	if err != nil {
		t.Fatalf("NewCachedProvider() error = %v", err)
	}

	data, err := online.Lookup(ctx, "article.cls")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if string(data) != "\\ProvidesClass{article}" {
		t.Errorf("Lookup() = %q", data)
	}

	afterFirst := srv.requests.Load()
	if _, err := online.Lookup(ctx, "article.cls"); err != nil {
		t.Fatalf("second Lookup() error = %v", err)
	}
	if srv.requests.Load() != afterFirst {
		t.Errorf("second lookup made %d network requests", srv.requests.Load()-afterFirst)
	}

	digest, _ := online.Digest(ctx)
	if digest != srv.digest {
		t.Errorf("Digest() = %q, want %q", digest, srv.digest)
	}

	// Offline session against the same cache.
	srv.Close()
	before := srv.requests.Load()

	offline, err := NewCachedProvider(NewHTTPSource(srv.bundleURL(), HTTPOptions{}), CacheOptions{Dir: cacheDir, Index: index, OnlyCached: true})
	if err != nil {
		t.Fatalf("NewCachedProvider() error = %v", err)
	}

	data, err = offline.Lookup(ctx, "article.cls")
	if err != nil {
		t.Fatalf("offline Lookup() error = %v", err)
	}
	if string(data) != "\\ProvidesClass{article}" {
		t.Errorf("offline Lookup() = %q", data)
	}

	if _, err := offline.Lookup(ctx, "never.sty"); !errors.Is(err, fault.ErrNotCachedLocally) {
		t.Errorf("offline Lookup(never.sty) error = %v, want NotCachedLocally", err)
	}
	if _, err := offline.Lookup(ctx, "absent.sty"); !fault.IsNotFound(err) {
		t.Errorf("offline Lookup(absent.sty) error = %v, want not found", err)
	}
	if srv.requests.Load() != before {
		t.Error("only-cached provider touched the network")
	}

	cached, err := offline.Cached(ctx)
	if err != nil {
		t.Fatalf("Cached() error = %v", err)
	}
	if len(cached) != 1 || cached[0].Name != "article.cls" {
		t.Errorf("Cached() = %+v", cached)
	}
}

func TestCachedProviderOnlyCachedEmptyCache(t *testing.T) {
	cacheDir := t.TempDir()
	p, err := NewCachedProvider(NewHTTPSource("http://127.0.0.1:1/bundle.tar", HTTPOptions{}), CacheOptions{
		Dir: cacheDir, Index: openIndex(t, cacheDir), OnlyCached: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Lookup(context.Background(), "article.cls"); !errors.Is(err, fault.ErrNotCachedLocally) {
		t.Errorf("Lookup() error = %v, want NotCachedLocally", err)
	}
}

func TestCachedProviderMissesAreMemoized(t *testing.T) {
	srv := newBundleServer(t, map[string]string{"article.cls": "class"})
	cacheDir := t.TempDir()
	p, err := NewCachedProvider(NewHTTPSource(srv.bundleURL(), HTTPOptions{}), CacheOptions{Dir: cacheDir, Index: openIndex(t, cacheDir)})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := p.Lookup(ctx, "missing.sty"); !fault.IsNotFound(err) {
		t.Fatalf("Lookup() error = %v, want not found", err)
	}
	before := srv.requests.Load()
	for i := 0; i < 3; i++ {
		if _, err := p.Lookup(ctx, "missing.sty"); !fault.IsNotFound(err) {
			t.Fatalf("Lookup() error = %v, want not found", err)
		}
	}
	if srv.requests.Load() != before {
		t.Error("repeated misses hit the network")
	}
}

func TestCachedProviderUnreachable(t *testing.T) {
	srv := newBundleServer(t, map[string]string{"article.cls": "class"})
	url := srv.bundleURL()
	srv.Close()

	cacheDir := t.TempDir()
	p, err := NewCachedProvider(NewHTTPSource(url, HTTPOptions{}), CacheOptions{Dir: cacheDir, Index: openIndex(t, cacheDir)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Lookup(context.Background(), "article.cls"); !errors.Is(err, fault.ErrResourceUnavailable) {
		t.Errorf("Lookup() error = %v, want ResourceUnavailable", err)
	}
}

func TestHTTPSourceRequiresPartialContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("whole body, range ignored"))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/bundle.tar", HTTPOptions{})
	_, err := src.FetchRange(context.Background(), Span{Offset: 2, Length: 4})
	if !errors.Is(err, fault.ErrResourceUnavailable) {
		t.Errorf("FetchRange() error = %v, want ResourceUnavailable", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ab", "abcdef")

	if err := WriteFileAtomic(path, []byte("one")); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two")); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "two" {
		t.Errorf("content = %q", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
