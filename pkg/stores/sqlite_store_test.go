package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestIndex creates a migrated SQLite index in a temp directory.
func setupTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()

	idx, err := OpenSQLiteIndex(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestIndexLifecycle(t *testing.T) {
	idx, err := NewSQLiteIndex(Config{Path: filepath.Join(t.TempDir(), "index.db")})
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}

	ctx := context.Background()
	if err := idx.Init(ctx); err != nil {
		t.Fatalf("failed to initialize index: %v", err)
	}
	if err := idx.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// A second migration run is a no-op.
	if err := idx.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := idx.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("failed to close index: %v", err)
	}
}

func TestNewSQLiteIndexRequiresPath(t *testing.T) {
	if _, err := NewSQLiteIndex(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestBundleResolution(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()
	url := "https://example.org/bundle.tar"

	if _, err := idx.LookupBundle(ctx, url, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookupBundle() on empty index error = %v, want ErrNotFound", err)
	}

	if err := idx.PutBundle(ctx, url, "aaaa"); err != nil {
		t.Fatalf("PutBundle() error = %v", err)
	}
	if err := idx.PutBundle(ctx, url, "bbbb"); err != nil {
		t.Fatalf("PutBundle() update error = %v", err)
	}

	rec, err := idx.LookupBundle(ctx, url, time.Hour)
	if err != nil {
		t.Fatalf("LookupBundle() error = %v", err)
	}
	if rec.Digest != "bbbb" {
		t.Errorf("Digest = %q, want bbbb", rec.Digest)
	}

	t.Run("expired", func(t *testing.T) {
		if _, err := idx.LookupBundle(ctx, url, time.Nanosecond); !errors.Is(err, ErrNotFound) {
			t.Errorf("LookupBundle() with tiny max age error = %v, want ErrNotFound", err)
		}
	})
}

func TestEntriesAreImmutable(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	first := &CacheEntry{BundleDigest: "d1", Name: "article.cls", Size: 10, ContentDigest: "c1"}
	if err := idx.PutEntry(ctx, first); err != nil {
		t.Fatalf("PutEntry() error = %v", err)
	}
	second := &CacheEntry{BundleDigest: "d1", Name: "article.cls", Size: 99, ContentDigest: "c2"}
	if err := idx.PutEntry(ctx, second); err != nil {
		t.Fatalf("PutEntry() duplicate error = %v", err)
	}

	got, err := idx.GetEntry(ctx, "d1", "article.cls")
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if got.ContentDigest != "c1" || got.Size != 10 {
		t.Errorf("entry was overwritten: %+v", got)
	}

	if _, err := idx.GetEntry(ctx, "d2", "article.cls"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntry() other bundle error = %v, want ErrNotFound", err)
	}
}

func TestListEntries(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	for _, name := range []string{"b.sty", "a.cls", "c.tfm"} {
		if err := idx.PutEntry(ctx, &CacheEntry{BundleDigest: "d1", Name: name, ContentDigest: name}); err != nil {
			t.Fatalf("PutEntry(%s) error = %v", name, err)
		}
	}
	if err := idx.PutEntry(ctx, &CacheEntry{BundleDigest: "d2", Name: "z.sty", ContentDigest: "z"}); err != nil {
		t.Fatalf("PutEntry() error = %v", err)
	}

	entries, err := idx.ListEntries(ctx, "d1")
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Name != "a.cls" || entries[2].Name != "c.tfm" {
		t.Errorf("entries not ordered by name: %s, %s, %s", entries[0].Name, entries[1].Name, entries[2].Name)
	}
}

func TestFormats(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()

	if _, err := idx.GetFormat(ctx, "d1", "latex"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetFormat() error = %v, want ErrNotFound", err)
	}

	if err := idx.PutFormat(ctx, &FormatRecord{BundleDigest: "d1", Format: "latex", Path: "/cache/d1-latex.fmt"}); err != nil {
		t.Fatalf("PutFormat() error = %v", err)
	}

	rec, err := idx.GetFormat(ctx, "d1", "latex")
	if err != nil {
		t.Fatalf("GetFormat() error = %v", err)
	}
	if rec.Path != "/cache/d1-latex.fmt" {
		t.Errorf("Path = %q", rec.Path)
	}
}
