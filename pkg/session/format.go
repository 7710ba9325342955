package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quire-tex/quire/pkg/engine"
	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/iostack"
	"github.com/quire-tex/quire/pkg/resource"
	"github.com/quire-tex/quire/pkg/status"
	"github.com/quire-tex/quire/pkg/stores"
	"github.com/quire-tex/quire/pkg/telemetry"
)

// FormatSourceName is the initex input that builds format.
func FormatSourceName(format string) string {
	return format + ".ini"
}

// FormatFileName is the file a format is stored under.
func FormatFileName(format string) string {
	return format + ".fmt"
}

// prepareFormat makes sure the session's format exists in the cache for the
// active bundle, generating it when missing. It returns the format cache
// layer and the name the tex passes load.
func (s *Session) prepareFormat(ctx context.Context) (resource.Provider, string, error) {
	if s.opts.OutputKind == OutputFormat {
		return nil, "", nil
	}

	format := strings.TrimSuffix(s.opts.Format, ".fmt")
	digest, err := s.bundle.Digest(ctx)
	if err != nil {
		return nil, "", err
	}

	dir := filepath.Join(s.opts.FormatCacheDir, digest)
	name := FormatFileName(format)
	path := filepath.Join(dir, name)

	log := s.logger.Zerolog().With().Str("format", format).Str("bundle_digest", digest).Logger()

	recorded := s.formatRecorded(ctx, digest, format, path)
	_, err = os.Stat(path)
	switch {
	case err == nil:
		log.Debug().Str("path", path).Msg("using cached format")
		if s.index != nil && !recorded {
			s.recordFormat(ctx, digest, format, path)
		}
	case errors.Is(err, os.ErrNotExist):
		if recorded {
			log.Warn().Str("path", path).Msg("recorded format file is missing, regenerating")
		} else {
			log.Info().Msg("format not cached, generating")
		}
		if err := s.generateFormat(ctx, format, path); err != nil {
			return nil, "", err
		}
		s.recordFormat(ctx, digest, format, path)
	default:
		return nil, "", fault.IO("", "cannot access format cache", err).WithResource(path)
	}

	p, err := resource.NewDirProvider(dir)
	if err != nil {
		return nil, "", fault.IO("", "cannot open format cache", err).WithResource(dir)
	}
	return p, name, nil
}

// formatRecorded reports whether the index knows format for the bundle at
// path.
func (s *Session) formatRecorded(ctx context.Context, digest, format, path string) bool {
	if s.index == nil {
		return false
	}
	rec, err := s.index.GetFormat(ctx, digest, format)
	if err != nil {
		if !errors.Is(err, stores.ErrNotFound) {
			s.logger.WithError(err).Warn("cannot consult format index")
		}
		return false
	}
	return rec.Path == path
}

func (s *Session) recordFormat(ctx context.Context, digest, format, path string) {
	if s.index == nil {
		return
	}
	rec := &stores.FormatRecord{BundleDigest: digest, Format: format, Path: path, CreatedAt: time.Now().UTC()}
	if err := s.index.PutFormat(ctx, rec); err != nil {
		s.logger.WithError(err).Warn("failed to record generated format")
	}
}

// generateFormat runs initex over the format's source. Everything the pass
// writes stays in memory; only the format file is committed, atomically.
func (s *Session) generateFormat(ctx context.Context, format, path string) (err error) {
	op := telemetry.StartOperation(ctx, "format.generate")
	defer func() { op.End(err) }()
	ctx = op.Ctx

	mem := iostack.NewMemoryLayer()
	stack := iostack.New(iostack.Config{
		Output: mem,
		Bundle: s.bundle,
		Logger: s.logger,
	})

	status.Note(s.status, "generating format %q; this only happens once per bundle", format)

	e := engine.NewTexEngine()
	e.InitexMode = true
	e.BuildTime = s.opts.BuildTime

	s.invocations = append(s.invocations, "initex")
	if _, err := e.Process(ctx, s.lock, stack, nil, s.status, "", FormatSourceName(format), s.opts.Unstables); err != nil {
		if fault.IsEngine(err) {
			s.status.DumpErrorLogs(stack.Chatter())
		}
		return err
	}

	data, ok := mem.File(FormatFileName(format))
	if !ok {
		return fault.Internal("format generation for %q produced no %s", format, FormatFileName(format))
	}
	if err := resource.WriteFileAtomic(path, data); err != nil {
		return fault.IO("", "cannot write format file", err).WithResource(path)
	}
	return nil
}
