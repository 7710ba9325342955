package iostack

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/resource"
)

// Writable is the single layer a stack writes through. Reads of
// intermediates produced by earlier passes are served from it too.
type Writable interface {
	Get(ctx context.Context, name string) ([]byte, time.Time, error)
	Put(name string, data []byte) error
	Remove(name string) error
}

// DirLayer is an output directory on disk.
type DirLayer struct {
	dir *resource.DirProvider
}

// NewDirLayer returns a writable layer rooted at dir, which must exist.
func NewDirLayer(dir string) (*DirLayer, error) {
	p, err := resource.NewDirProvider(dir)
	if err != nil {
		return nil, fault.Configuration("output directory %q does not exist or is not a directory", dir)
	}
	return &DirLayer{dir: p}, nil
}

// Root returns the absolute output directory.
func (l *DirLayer) Root() string {
	return l.dir.Root()
}

// Get implements Writable.
func (l *DirLayer) Get(ctx context.Context, name string) ([]byte, time.Time, error) {
	data, err := l.dir.Lookup(ctx, name)
	if err != nil {
		return nil, time.Time{}, err
	}
	var mtime time.Time
	if p, err := l.dir.Path(name); err == nil {
		if info, err := os.Stat(p); err == nil {
			mtime = info.ModTime()
		}
	}
	return data, mtime, nil
}

// Put implements Writable.
func (l *DirLayer) Put(name string, data []byte) error {
	p, err := l.dir.Path(name)
	if err != nil {
		return err
	}
	if err := resource.WriteFileAtomic(p, data); err != nil {
		return fault.IO(fault.KindPermissionDenied, "cannot write output file", err).WithResource(name).WithOp("commit")
	}
	return nil
}

// Remove implements Writable.
func (l *DirLayer) Remove(name string) error {
	p, err := l.dir.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Path returns where name lives on disk.
func (l *DirLayer) Path(name string) string {
	p, err := l.dir.Path(name)
	if err != nil {
		return filepath.Join(l.dir.Root(), name)
	}
	return p
}

// MemoryLayer keeps written files in memory. Format generation writes here
// so nothing reaches the cache until the result is committed.
type MemoryLayer struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemoryLayer returns an empty in-memory layer.
func NewMemoryLayer() *MemoryLayer {
	return &MemoryLayer{files: make(map[string][]byte)}
}

// Get implements Writable.
func (m *MemoryLayer) Get(_ context.Context, name string) ([]byte, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return nil, time.Time{}, fault.NotFound(name)
	}
	return data, time.Time{}, nil
}

// Put implements Writable.
func (m *MemoryLayer) Put(name string, data []byte) error {
	cleaned, err := resource.CleanName(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[cleaned] = data
	return nil
}

// Remove implements Writable.
func (m *MemoryLayer) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

// File returns the content written under name.
func (m *MemoryLayer) File(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	return data, ok
}

// Names lists the files written so far.
func (m *MemoryLayer) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
