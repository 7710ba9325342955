package resource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/stores"
	"github.com/quire-tex/quire/pkg/telemetry"
)

// DefaultDigestTTL is how long a URL to digest resolution is trusted before
// the remote bundle is asked again.
const DefaultDigestTTL = 24 * time.Hour

// CacheOptions configures a CachedProvider.
type CacheOptions struct {
	// Dir is the cache root. Content lives under Dir/files, indexes under
	// Dir/indexes.
	Dir string

	// Index records bundle digests and cached entries.
	Index stores.Index

	// OnlyCached forbids network access. Lookups that would need it fail
	// with NotCachedLocally.
	OnlyCached bool

	// DigestTTL bounds the age of a cached URL resolution. Zero means
	// DefaultDigestTTL.
	DigestTTL time.Duration

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Logger  *telemetry.Logger
}

// CachedProvider serves a remote bundle through a content-addressed disk
// cache. Entries are stored under their SHA-256 and never rewritten.
type CachedProvider struct {
	remote     RemoteSource
	dir        string
	index      stores.Index
	onlyCached bool
	ttl        time.Duration
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	logger     *telemetry.Logger

	mu          sync.Mutex
	digest      string
	remoteIndex RemoteIndex
	misses      map[string]struct{}
}

// NewCachedProvider wraps remote with a disk cache.
func NewCachedProvider(remote RemoteSource, opts CacheOptions) (*CachedProvider, error) {
	if opts.Dir == "" {
		return nil, fault.Configuration("cache directory is required")
	}
	if opts.Index == nil {
		return nil, fault.Configuration("cache index is required")
	}
	for _, sub := range []string{"files", "indexes"} {
		if err := os.MkdirAll(filepath.Join(opts.Dir, sub), 0o755); err != nil {
			return nil, fault.IO(fault.KindPermissionDenied, "cannot create cache directory", err).WithResource(opts.Dir)
		}
	}

	ttl := opts.DigestTTL
	if ttl == 0 {
		ttl = DefaultDigestTTL
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNopTracer()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &CachedProvider{
		remote:     remote,
		dir:        opts.Dir,
		index:      opts.Index,
		onlyCached: opts.OnlyCached,
		ttl:        ttl,
		metrics:    opts.Metrics,
		tracer:     tracer,
		logger:     logger.NewComponentLogger("cache"),
		misses:     make(map[string]struct{}),
	}, nil
}

// Digest returns the digest of the bundle, resolving it if needed.
func (c *CachedProvider) Digest(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveDigest(ctx)
}

// Lookup implements Provider.
func (c *CachedProvider) Lookup(ctx context.Context, name string) ([]byte, error) {
	cleaned, err := CleanName(name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, miss := c.misses[cleaned]; miss {
		return nil, fault.NotFound(name)
	}

	digest, err := c.resolveDigest(ctx)
	if err != nil {
		c.metrics.RecordBundleLookup("error")
		return nil, err
	}

	entry, err := c.index.GetEntry(ctx, digest, cleaned)
	switch {
	case err == nil:
		data, readErr := os.ReadFile(c.contentPath(entry.ContentDigest))
		if readErr == nil {
			c.metrics.RecordBundleLookup("hit")
			return data, nil
		}
		if !errors.Is(readErr, fs.ErrNotExist) {
			return nil, fault.IO("", "cannot read cached resource", readErr).WithResource(name)
		}
		c.logger.WithResource(cleaned).Warn("cache entry indexed but missing on disk")
	case !errors.Is(err, stores.ErrNotFound):
		return nil, fault.IO("", "cache index lookup failed", err).WithResource(name)
	}

	remoteIndex, err := c.loadIndex(ctx, digest)
	if err != nil {
		if errors.Is(err, fault.ErrNotCachedLocally) {
			return nil, fault.Resolution(fault.KindNotCachedLocally, "resource is not cached locally", err).WithResource(name)
		}
		c.metrics.RecordBundleLookup("error")
		return nil, err
	}

	span, ok := remoteIndex[cleaned]
	if !ok {
		c.misses[cleaned] = struct{}{}
		c.metrics.RecordBundleLookup("not_found")
		return nil, fault.NotFound(name)
	}

	if c.onlyCached {
		return nil, fault.Resolution(fault.KindNotCachedLocally, "resource is not cached locally", nil).WithResource(name)
	}

	data, err := c.fetch(ctx, cleaned, span)
	if err != nil {
		c.metrics.RecordBundleLookup("error")
		return nil, err
	}

	sum := sha256.Sum256(data)
	contentDigest := hex.EncodeToString(sum[:])
	if err := WriteFileAtomic(c.contentPath(contentDigest), data); err != nil {
		return nil, fault.IO("", "cannot write cache entry", err).WithResource(name)
	}
	if err := c.index.PutEntry(ctx, &stores.CacheEntry{
		BundleDigest:  digest,
		Name:          cleaned,
		Size:          int64(len(data)),
		ContentDigest: contentDigest,
	}); err != nil {
		return nil, fault.IO("", "cannot record cache entry", err).WithResource(name).WithOp("fetch")
	}

	c.metrics.RecordBundleLookup("fetched")
	c.logger.Zerolog().Debug().Str("resource", cleaned).Int("bytes", len(data)).Msg("fetched into cache")
	return data, nil
}

// Names implements Provider. It lists the members of the bundle index.
func (c *CachedProvider) Names(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	digest, err := c.resolveDigest(ctx)
	if err != nil {
		return nil, err
	}
	remoteIndex, err := c.loadIndex(ctx, digest)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(remoteIndex))
	for name := range remoteIndex {
		if name == DigestEntryName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Cached lists the entries of this bundle already on disk.
func (c *CachedProvider) Cached(ctx context.Context) ([]*stores.CacheEntry, error) {
	digest, err := c.Digest(ctx)
	if err != nil {
		return nil, err
	}
	return c.index.ListEntries(ctx, digest)
}

func (c *CachedProvider) String() string {
	return "cached bundle " + c.remote.URL()
}

func (c *CachedProvider) sealed() {}

func (c *CachedProvider) resolveDigest(ctx context.Context) (string, error) {
	if c.digest != "" {
		return c.digest, nil
	}

	url := c.remote.URL()
	rec, err := c.index.LookupBundle(ctx, url, c.ttl)
	if err == nil {
		c.digest = rec.Digest
		return c.digest, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return "", fault.IO("", "cache index lookup failed", err).WithResource(url)
	}

	stale, staleErr := c.index.LookupBundle(ctx, url, 0)
	if c.onlyCached {
		if staleErr == nil {
			c.digest = stale.Digest
			return c.digest, nil
		}
		return "", fault.Resolution(fault.KindNotCachedLocally, "bundle digest is not cached locally", nil).WithResource(url)
	}

	digest, err := c.fetchDigest(ctx)
	if err != nil {
		if staleErr == nil && errors.Is(err, fault.ErrResourceUnavailable) {
			c.logger.WithError(err).Warn("bundle unreachable, using previously resolved digest")
			c.digest = stale.Digest
			return c.digest, nil
		}
		return "", err
	}

	if err := c.index.PutBundle(ctx, url, digest); err != nil {
		return "", fault.IO("", "cannot record bundle digest", err).WithResource(url).WithOp("digest resolution")
	}
	c.digest = digest
	return digest, nil
}

func (c *CachedProvider) fetchDigest(ctx context.Context) (string, error) {
	raw, err := c.remote.FetchIndex(ctx)
	if err != nil {
		return "", err
	}
	remoteIndex, err := ParseIndex(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}

	span, ok := remoteIndex[DigestEntryName]
	if !ok {
		return "", fault.Resolution(fault.KindCorruptArchive, "bundle has no "+DigestEntryName+" member", nil).WithResource(c.remote.URL())
	}
	data, err := c.fetch(ctx, DigestEntryName, span)
	if err != nil {
		return "", err
	}

	digest := strings.ToLower(strings.TrimSpace(string(data)))
	if !isHexDigest(digest) {
		return "", fault.Resolution(fault.KindCorruptArchive, "bundle digest is malformed", nil).WithResource(c.remote.URL())
	}

	if err := WriteFileAtomic(c.indexPath(digest), raw); err != nil {
		return "", fault.IO("", "cannot write bundle index", err).WithResource(c.remote.URL()).WithOp("index update")
	}
	c.remoteIndex = remoteIndex
	return digest, nil
}

func (c *CachedProvider) loadIndex(ctx context.Context, digest string) (RemoteIndex, error) {
	if c.remoteIndex != nil {
		return c.remoteIndex, nil
	}

	raw, err := os.ReadFile(c.indexPath(digest))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fault.IO("", "cannot read cached bundle index", err)
		}
		if c.onlyCached {
			return nil, fault.Resolution(fault.KindNotCachedLocally, "bundle index is not cached locally", nil).WithResource(c.remote.URL())
		}
		raw, err = c.remote.FetchIndex(ctx)
		if err != nil {
			return nil, err
		}
		if err := WriteFileAtomic(c.indexPath(digest), raw); err != nil {
			return nil, fault.IO("", "cannot write bundle index", err).WithResource(c.remote.URL()).WithOp("index update")
		}
	}

	remoteIndex, err := ParseIndex(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c.remoteIndex = remoteIndex
	return remoteIndex, nil
}

func (c *CachedProvider) fetch(ctx context.Context, name string, span Span) ([]byte, error) {
	ctx, sp := c.tracer.StartFetchSpan(ctx, name, span.Offset, span.Length)
	defer sp.End()

	timer := telemetry.NewTimer()
	data, err := c.remote.FetchRange(ctx, span)
	if err != nil {
		telemetry.RecordError(sp, err)
		return nil, err
	}
	c.metrics.RecordFetch(len(data), timer.Duration())
	telemetry.RecordSuccess(sp)
	return data, nil
}

func (c *CachedProvider) contentPath(digest string) string {
	return filepath.Join(c.dir, "files", digest[:2], digest)
}

func (c *CachedProvider) indexPath(digest string) string {
	return filepath.Join(c.dir, "indexes", digest+".index")
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// WriteFileAtomic writes data to path through a temporary file in the same
// directory, so readers see either the old state or the complete new file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
