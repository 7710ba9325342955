// Package resource implements the content providers a bundle is built from:
// plain directories, zip archives, and remote indexed-tar bundles cached on
// local disk.
package resource

import (
	"context"
	"path"
	"strings"

	"github.com/quire-tex/quire/pkg/fault"
)

// Provider is a single named source of byte blobs. The set of providers is
// closed: DirProvider, ArchiveProvider and CachedProvider.
type Provider interface {
	// Lookup returns the bytes of name, or an error satisfying
	// fault.IsNotFound when the provider does not hold it. Any other error
	// is a hard failure.
	Lookup(ctx context.Context, name string) ([]byte, error)

	// Names lists every resource the provider can serve without touching
	// the network for content.
	Names(ctx context.Context) ([]string, error)

	// String describes the provider for diagnostics.
	String() string

	sealed()
}

// CleanName validates a resource identifier and returns its canonical form.
// Identifiers are slash-separated and relative; anything that would escape
// the provider's root is rejected.
func CleanName(name string) (string, error) {
	if name == "" {
		return "", fault.IO(fault.KindPermissionDenied, "empty resource name", nil)
	}
	if strings.ContainsRune(name, '\\') || strings.ContainsRune(name, 0) {
		return "", fault.IO(fault.KindPermissionDenied, "invalid character in resource name", nil).WithResource(name)
	}
	if path.IsAbs(name) {
		return "", fault.IO(fault.KindPermissionDenied, "absolute resource names are not allowed", nil).WithResource(name)
	}

	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fault.IO(fault.KindPermissionDenied, "resource name escapes provider root", nil).WithResource(name)
	}
	return cleaned, nil
}
