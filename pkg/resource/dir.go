package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quire-tex/quire/pkg/fault"
)

// DirProvider serves files below a root directory.
type DirProvider struct {
	root string
}

// NewDirProvider returns a provider rooted at dir. The directory must exist.
func NewDirProvider(dir string) (*DirProvider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fault.Resolution(fault.KindInvalidBundlePath, "cannot resolve bundle directory", err).WithResource(dir)
	}
	// Resolve symlinks in the root itself so escape checks compare like with like.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fault.Resolution(fault.KindInvalidBundlePath, "bundle directory is not accessible", err).WithResource(dir)
	}
	if !info.IsDir() {
		return nil, fault.Resolution(fault.KindInvalidBundlePath, "bundle path is not a directory", nil).WithResource(dir)
	}

	return &DirProvider{root: abs}, nil
}

// Root returns the absolute root directory.
func (d *DirProvider) Root() string {
	return d.root
}

// Path returns the on-disk path name would resolve to, after validation.
func (d *DirProvider) Path(name string) (string, error) {
	cleaned, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(cleaned)), nil
}

// Lookup implements Provider.
func (d *DirProvider) Lookup(_ context.Context, name string) ([]byte, error) {
	p, err := d.Path(name)
	if err != nil {
		return nil, err
	}

	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.NotFound(name)
		}
		return nil, fault.IO(fault.KindPermissionDenied, "cannot resolve resource path", err).WithResource(name)
	}
	if !within(d.root, resolved) {
		return nil, fault.IO(fault.KindPermissionDenied, "resource resolves outside provider root", nil).WithResource(name)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fault.IO(fault.KindPermissionDenied, "cannot stat resource", err).WithResource(name)
	}
	if info.IsDir() {
		return nil, fault.NotFound(name)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fault.IO(fault.KindPermissionDenied, "permission denied", err).WithResource(name)
		}
		return nil, fault.IO("", "failed to read resource", err).WithResource(name)
	}
	return data, nil
}

// Names implements Provider.
func (d *DirProvider) Names(_ context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.root, err)
	}
	sort.Strings(names)
	return names, nil
}

func (d *DirProvider) String() string {
	return "directory " + d.root
}

func (d *DirProvider) sealed() {}

func within(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}
