package resource

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/quire-tex/quire/pkg/fault"
)

// ArchiveProvider serves the members of a zip archive. The member index is
// built once when the archive is opened.
type ArchiveProvider struct {
	path   string
	reader *zip.ReadCloser
	index  map[string]*zip.File
}

// OpenArchive opens a zip bundle and indexes its members.
func OpenArchive(path string) (*ArchiveProvider, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.Resolution(fault.KindInvalidBundlePath, "bundle archive is not accessible", err).WithResource(path)
	}
	if info.IsDir() {
		return nil, fault.Resolution(fault.KindInvalidBundlePath, "bundle archive is a directory", nil).WithResource(path)
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fault.Resolution(fault.KindInvalidBundlePath, "bundle archive is not readable", err).WithResource(path)
		}
		return nil, fault.Resolution(fault.KindCorruptArchive, "malformed bundle archive", err).WithResource(path)
	}

	index := make(map[string]*zip.File, len(reader.File))
	for _, f := range reader.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		name, err := CleanName(f.Name)
		if err != nil {
			_ = reader.Close()
			return nil, fault.Resolution(fault.KindCorruptArchive, "archive member has an unsafe name", err).WithResource(path)
		}
		if _, dup := index[name]; dup {
			_ = reader.Close()
			return nil, fault.Resolution(fault.KindCorruptArchive, "archive has duplicate member "+name, nil).WithResource(path)
		}
		index[name] = f
	}

	return &ArchiveProvider{path: path, reader: reader, index: index}, nil
}

// Lookup implements Provider.
func (a *ArchiveProvider) Lookup(_ context.Context, name string) ([]byte, error) {
	cleaned, err := CleanName(name)
	if err != nil {
		return nil, err
	}

	f, ok := a.index[cleaned]
	if !ok {
		return nil, fault.NotFound(name)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fault.Resolution(fault.KindCorruptArchive, "cannot open archive member", err).WithResource(name)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fault.Resolution(fault.KindCorruptArchive, "cannot read archive member", err).WithResource(name)
	}
	return data, nil
}

// Names implements Provider.
func (a *ArchiveProvider) Names(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(a.index))
	for name := range a.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the archive file.
func (a *ArchiveProvider) Close() error {
	return a.reader.Close()
}

func (a *ArchiveProvider) String() string {
	return "archive " + a.path
}

func (a *ArchiveProvider) sealed() {}
