// Package iostack resolves the engine's file operations against an ordered
// set of layers and records what each session touched.
//
// Reads consult, first match wins: the hidden list, the primary input, the
// writable layer, the format cache and finally the bundle. The format cache
// only ever serves the session's format file. Writes only ever reach the
// writable layer.
package iostack

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/resource"
	"github.com/quire-tex/quire/pkg/telemetry"
)

const (
	// StdinName is the name given to a primary input read from stdin.
	StdinName = "texput.tex"

	// ChatterName is the pseudo-file holding the engine's terminal output.
	ChatterName = "stdout"
)

// Primary is the main input of a session.
type Primary struct {
	// Name is what the engine asks for.
	Name string

	// Path is the input as given by the user, used in dependency files.
	Path string

	Data    []byte
	ModTime time.Time
}

// PrimaryFromFile loads the primary input from path.
func PrimaryFromFile(path string) (*Primary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Configuration("cannot read input file %q: %v", path, err)
	}
	var mtime time.Time
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime()
	}
	return &Primary{
		Name:    filepath.Base(path),
		Path:    path,
		Data:    data,
		ModTime: mtime,
	}, nil
}

// PrimaryFromReader loads the primary input from r, typically stdin.
func PrimaryFromReader(r io.Reader) (*Primary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Configuration("cannot read input from stdin: %v", err)
	}
	return &Primary{Name: StdinName, Path: StdinName, Data: data}, nil
}

// Config assembles a stack. Any layer may be nil.
type Config struct {
	Hidden      []string
	Primary     *Primary
	Output      Writable
	FormatCache resource.Provider
	FormatFile  string
	Bundle      resource.Provider
	Logger      *telemetry.Logger
}

// Stack is the per-session view of every file the engine can see. It is not
// safe for concurrent use.
type Stack struct {
	hidden      map[string]struct{}
	primary     *Primary
	output      Writable
	formatCache resource.Provider
	formatFile  string
	bundle      resource.Provider
	logger      *telemetry.Logger

	record  *Record
	trace   *Trace
	chatter bytes.Buffer
}

// New builds a stack from cfg.
func New(cfg Config) *Stack {
	hidden := make(map[string]struct{}, len(cfg.Hidden))
	for _, name := range cfg.Hidden {
		if cleaned, err := resource.CleanName(name); err == nil {
			name = cleaned
		}
		hidden[name] = struct{}{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &Stack{
		hidden:      hidden,
		primary:     cfg.Primary,
		output:      cfg.Output,
		formatCache: cfg.FormatCache,
		formatFile:  cfg.FormatFile,
		bundle:      cfg.Bundle,
		logger:      logger.NewComponentLogger("iostack"),
		record:      newRecord(),
		trace:       newTrace(),
	}
}

// OpenRead opens name for reading.
func (s *Stack) OpenRead(ctx context.Context, name string) (*InputHandle, error) {
	cleaned, err := resource.CleanName(name)
	if err != nil {
		return nil, err
	}

	if _, ok := s.hidden[cleaned]; ok {
		s.trace.Misses[cleaned] = struct{}{}
		return nil, fault.NotFound(name)
	}

	if s.primary != nil && cleaned == s.primary.Name {
		return s.openPrimary(), nil
	}

	if s.output != nil {
		data, mtime, err := s.output.Get(ctx, cleaned)
		switch {
		case err == nil:
			return s.opened(cleaned, LayerOutput, data, mtime), nil
		case fault.IsHard(err):
			return nil, err
		}
	}

	formatCache := s.formatCache
	if cleaned != s.formatFile {
		formatCache = nil
	}
	for _, l := range []struct {
		layer Layer
		p     resource.Provider
	}{
		{LayerFormatCache, formatCache},
		{LayerBundle, s.bundle},
	} {
		if l.p == nil {
			continue
		}
		data, err := l.p.Lookup(ctx, cleaned)
		if err == nil {
			return s.opened(cleaned, l.layer, data, time.Time{}), nil
		}
		if fault.IsHard(err) {
			return nil, err
		}
	}

	s.trace.Misses[cleaned] = struct{}{}
	s.logger.WithResource(cleaned).Trace("not found in any layer")
	return nil, fault.NotFound(name)
}

// OpenReadGz opens a gzip-compressed file and returns its decompressed
// content.
func (s *Stack) OpenReadGz(ctx context.Context, name string) (*InputHandle, error) {
	h, err := s.OpenRead(ctx, name)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(h)
	if err != nil {
		return nil, err
	}
	data, err := gunzip(raw)
	if err != nil {
		return nil, fault.IO("", "input is not valid gzip data", err).WithResource(name)
	}
	return newInputHandle(h.name, h.layer, data, h.mtime), nil
}

// OpenPrimary opens the primary input.
func (s *Stack) OpenPrimary(_ context.Context) (*InputHandle, error) {
	if s.primary == nil {
		return nil, fault.NotFound("primary input")
	}
	if _, ok := s.hidden[s.primary.Name]; ok {
		s.trace.Misses[s.primary.Name] = struct{}{}
		return nil, fault.NotFound(s.primary.Name)
	}
	return s.openPrimary(), nil
}

func (s *Stack) openPrimary() *InputHandle {
	p := s.primary
	s.trace.read(p.Name, digestOf(p.Data))
	s.record.add(Entry{Name: p.Name, Path: p.Path, Direction: Read, Layer: LayerPrimary})
	return newInputHandle(p.Name, LayerPrimary, p.Data, p.ModTime)
}

func (s *Stack) opened(name string, layer Layer, data []byte, mtime time.Time) *InputHandle {
	s.trace.read(name, digestOf(data))
	s.record.add(Entry{Name: name, Path: name, Direction: Read, Layer: layer})
	s.logger.Zerolog().Trace().Str("resource", name).Str("layer", string(layer)).Msg("opened for reading")
	return newInputHandle(name, layer, data, mtime)
}

// OpenWrite opens name for writing. The file appears in the writable layer
// when the handle is closed. With gz set the content is gzip-compressed.
func (s *Stack) OpenWrite(name string, gz bool) (*OutputHandle, error) {
	if s.output == nil {
		return nil, fault.IO(fault.KindReadOnlyLayer, "no writable layer", nil).WithResource(name)
	}
	cleaned, err := resource.CleanName(name)
	if err != nil {
		return nil, err
	}
	if cleaned == ChatterName {
		return nil, fault.IO(fault.KindPermissionDenied, "reserved output name", nil).WithResource(name)
	}
	return &OutputHandle{
		name:   cleaned,
		gz:     gz,
		buf:    new(bytes.Buffer),
		commit: s.commit,
	}, nil
}

func (s *Stack) commit(name string, data []byte) error {
	if err := s.output.Put(name, data); err != nil {
		return err
	}
	s.trace.Writes[name] = digestOf(data)
	s.record.add(Entry{Name: name, Path: name, Direction: Write, Layer: LayerOutput})
	return nil
}

// OpenStdout opens the chatter pseudo-file. It lives in memory only.
func (s *Stack) OpenStdout() *OutputHandle {
	return &OutputHandle{name: ChatterName, buf: &s.chatter}
}

// Chatter returns everything written to the chatter pseudo-file during the
// current pass.
func (s *Stack) Chatter() []byte {
	return s.chatter.Bytes()
}

// FileMD5 returns the MD5 digest of name as resolved by the stack.
func (s *Stack) FileMD5(ctx context.Context, name string) ([md5.Size]byte, error) {
	h, err := s.OpenRead(ctx, name)
	if err != nil {
		return [md5.Size]byte{}, err
	}
	defer h.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, h); err != nil {
		return [md5.Size]byte{}, fmt.Errorf("hashing %s: %w", name, err)
	}
	var sum [md5.Size]byte
	copy(sum[:], hash.Sum(nil))
	return sum, nil
}

// BeginPass starts a new pass: the per-pass trace and the chatter buffer
// are reset. The dependency record carries over.
func (s *Stack) BeginPass() {
	s.trace = newTrace()
	s.chatter.Reset()
}

// Trace returns the current pass's trace.
func (s *Stack) Trace() *Trace {
	return s.trace
}

// Record returns the dependency record.
func (s *Stack) Record() *Record {
	return s.record
}

// Output returns the writable layer, or nil.
func (s *Stack) Output() Writable {
	return s.output
}
