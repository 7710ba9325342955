// Package bundle turns a bundle selection into exactly one active bundle.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/resource"
	"github.com/quire-tex/quire/pkg/stores"
	"github.com/quire-tex/quire/pkg/telemetry"
)

// Kind identifies the provider behind a bundle.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindArchive   Kind = "archive"
	KindRemote    Kind = "remote"
)

// Selection chooses the bundle source. At most one of LocalPath and URL may
// be set; with neither, the default remote bundle is used.
type Selection struct {
	LocalPath  string `validate:"excluded_with=URL"`
	URL        string `validate:"omitempty,url"`
	OnlyCached bool
}

// Options carries what Resolve needs beyond the selection.
type Options struct {
	// DefaultURL is the remote bundle used when nothing is selected.
	DefaultURL string

	// CacheDir holds cached remote content and, unless Index is set, the
	// cache index database.
	CacheDir string

	// Index overrides the cache index. The caller keeps ownership.
	Index stores.Index

	// DigestTTL bounds cached URL resolutions.
	DigestTTL time.Duration

	HTTP    resource.HTTPOptions
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Logger  *telemetry.Logger
}

// Bundle is the single active bundle of a session.
type Bundle struct {
	resource.Provider

	kind    Kind
	digest  func(ctx context.Context) (string, error)
	closers []func() error
}

var validate = validator.New()

// Resolve constructs the bundle described by sel.
func Resolve(ctx context.Context, sel Selection, opts Options) (*Bundle, error) {
	if err := validate.Struct(sel); err != nil {
		return nil, fault.Configuration("invalid bundle selection: %v", err)
	}

	if sel.LocalPath != "" {
		return resolveLocal(sel.LocalPath)
	}

	url := sel.URL
	if url == "" {
		url = opts.DefaultURL
	}
	if url == "" {
		return nil, fault.Configuration("no bundle selected and no default bundle URL configured")
	}
	return resolveRemote(ctx, url, sel.OnlyCached, opts)
}

func resolveLocal(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.Resolution(fault.KindInvalidBundlePath, "bundle path does not exist or is not readable", err).WithResource(path)
	}

	if info.IsDir() {
		p, err := resource.NewDirProvider(path)
		if err != nil {
			return nil, err
		}
		b := &Bundle{Provider: p, kind: KindDirectory}
		b.digest = onceDigest(func(ctx context.Context) (string, error) { return localDigest(ctx, p) })
		return b, nil
	}

	a, err := resource.OpenArchive(path)
	if err != nil {
		return nil, err
	}
	b := &Bundle{Provider: a, kind: KindArchive, closers: []func() error{a.Close}}
	b.digest = onceDigest(func(ctx context.Context) (string, error) { return localDigest(ctx, a) })
	return b, nil
}

func resolveRemote(ctx context.Context, url string, onlyCached bool, opts Options) (*Bundle, error) {
	if opts.CacheDir == "" {
		return nil, fault.Configuration("a cache directory is required for remote bundles")
	}

	b := &Bundle{kind: KindRemote}

	index := opts.Index
	if index == nil {
		if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
			return nil, fault.IO(fault.KindPermissionDenied, "cannot create cache directory", err).WithResource(opts.CacheDir)
		}
		idx, err := stores.OpenSQLiteIndex(ctx, filepath.Join(opts.CacheDir, "index.db"))
		if err != nil {
			return nil, fault.IO("", "cannot open cache index", err).WithResource(opts.CacheDir)
		}
		index = idx
		b.closers = append(b.closers, idx.Close)
	}

	cp, err := resource.NewCachedProvider(resource.NewHTTPSource(url, opts.HTTP), resource.CacheOptions{
		Dir:        opts.CacheDir,
		Index:      index,
		OnlyCached: onlyCached,
		DigestTTL:  opts.DigestTTL,
		Metrics:    opts.Metrics,
		Tracer:     opts.Tracer,
		Logger:     opts.Logger,
	})
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	b.Provider = cp
	b.digest = cp.Digest

	// Resolve the digest up front so an unreachable or uncached bundle fails
	// before any engine pass starts.
	if _, err := cp.Digest(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// Kind reports which provider backs the bundle.
func (b *Bundle) Kind() Kind {
	return b.kind
}

// Digest identifies the bundle's content. Remote bundles report the digest
// they publish; local bundles use their SHA256SUM member when present and a
// hash of their listing otherwise.
func (b *Bundle) Digest(ctx context.Context) (string, error) {
	return b.digest(ctx)
}

// Cached lists the names already available without network access. Every
// file of a local bundle is available; a remote bundle reports what the
// cache index holds for its current digest.
func (b *Bundle) Cached(ctx context.Context) ([]string, error) {
	cp, ok := b.Provider.(*resource.CachedProvider)
	if !ok {
		return b.Names(ctx)
	}
	entries, err := cp.Cached(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// Close releases files held by the bundle.
func (b *Bundle) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func localDigest(ctx context.Context, p resource.Provider) (string, error) {
	data, err := p.Lookup(ctx, resource.DigestEntryName)
	if err == nil {
		if d := strings.ToLower(strings.TrimSpace(string(data))); d != "" {
			return d, nil
		}
	} else if !fault.IsNotFound(err) {
		return "", err
	}

	names, err := p.Names(ctx)
	if err != nil {
		return "", fault.IO("", "cannot list bundle", err)
	}
	h := sha256.New()
	h.Write([]byte(p.String()))
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(name))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func onceDigest(fn func(ctx context.Context) (string, error)) func(ctx context.Context) (string, error) {
	var (
		mu     sync.Mutex
		digest string
	)
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if digest != "" {
			return digest, nil
		}
		d, err := fn(ctx)
		if err != nil {
			return "", err
		}
		digest = d
		return d, nil
	}
}
