package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// BundleRecord maps a bundle URL to the digest it resolved to.
type BundleRecord struct {
	URL        string    `json:"url"`
	Digest     string    `json:"digest"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// CacheEntry describes one resource fetched into the local cache. Entries
// are keyed by bundle digest and never change once written.
type CacheEntry struct {
	BundleDigest  string    `json:"bundle_digest"`
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	ContentDigest string    `json:"content_digest"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// FormatRecord describes a generated format file in the format cache.
type FormatRecord struct {
	BundleDigest string    `json:"bundle_digest"`
	Format       string    `json:"format"`
	Path         string    `json:"path"`
	CreatedAt    time.Time `json:"created_at"`
}

// Index is the cache index used by caching providers and the format cache.
type Index interface {
	// PutBundle records that url currently resolves to digest.
	PutBundle(ctx context.Context, url, digest string) error

	// LookupBundle returns the digest url resolved to, if the resolution is
	// younger than maxAge. A maxAge of zero accepts any age.
	LookupBundle(ctx context.Context, url string, maxAge time.Duration) (*BundleRecord, error)

	// PutEntry records a cached entry. Re-recording an entry is a no-op.
	PutEntry(ctx context.Context, entry *CacheEntry) error

	// GetEntry returns the cached entry for name in the given bundle.
	GetEntry(ctx context.Context, bundleDigest, name string) (*CacheEntry, error)

	// ListEntries returns every cached entry of a bundle ordered by name.
	ListEntries(ctx context.Context, bundleDigest string) ([]*CacheEntry, error)

	// PutFormat records a generated format file.
	PutFormat(ctx context.Context, rec *FormatRecord) error

	// GetFormat returns the generated format for a bundle.
	GetFormat(ctx context.Context, bundleDigest, format string) (*FormatRecord, error)

	// Close releases the index.
	Close() error
}
