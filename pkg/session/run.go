package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/quire-tex/quire/pkg/engine"
	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/iostack"
	"github.com/quire-tex/quire/pkg/status"
	"github.com/quire-tex/quire/pkg/telemetry"
)

// Result summarises a converged session.
type Result struct {
	// Passes holds every engine invocation's result, in order.
	Passes []engine.PassResult

	// Outcome is the worst outcome of any pass.
	Outcome engine.Outcome

	// Outputs lists the on-disk paths of the files kept after cleanup.
	Outputs []string
}

// Run executes the session's passes. It may be called once.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if s.state != StateConfiguring {
		return nil, fault.Internal("session %s already ran", s.id)
	}
	ctx = s.tel.WithContext(ctx)

	start := time.Now()
	ctx, span := s.tel.Tracer.StartSessionSpan(ctx, s.id, s.primary.Path)
	defer span.End()

	s.tel.Metrics.RecordSessionStarted()
	s.events.SessionStarted(s.primary.Path)
	s.logger.Zerolog().Info().Str("input", s.primary.Path).Str("output_kind", string(s.opts.OutputKind)).Str("policy", string(s.opts.PassPolicy)).Msg("session started")

	res, err := s.run(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		s.tel.Metrics.RecordSessionCompleted("failed", time.Since(start))
		s.events.SessionFailed(err.Error())
		s.logger.WithError(err).Zerolog().Error().Int("invocations", s.pass).Msg("session aborted")
		return nil, err
	}

	telemetry.RecordSuccess(span)
	s.tel.Metrics.RecordSessionCompleted(res.Outcome.String(), time.Since(start))
	s.events.SessionCompleted(s.pass, time.Since(start))
	s.logger.Zerolog().Info().Int("invocations", s.pass).Str("outcome", res.Outcome.String()).Msg("session converged")
	return res, nil
}

func (s *Session) run(ctx context.Context) (*Result, error) {
	formatCache, formatFile, err := s.prepareFormat(ctx)
	if err != nil {
		s.setState(StateAborted)
		return nil, err
	}

	s.stack = iostack.New(iostack.Config{
		Hidden:      s.opts.Hidden,
		Primary:     s.primary,
		Output:      s.output,
		FormatCache: formatCache,
		FormatFile:  formatFile,
		Bundle:      s.bundle,
		Logger:      s.logger,
	})

	s.setState(StateRunningPass)
	if err := s.runPasses(ctx, formatFile); err != nil {
		return nil, s.abort(err)
	}

	if s.opts.OutputKind == OutputPDF {
		pdf := engine.NewPdfEngine()
		pdf.Config.BuildTime = s.opts.BuildTime
		pdf.Config.DeterministicTags = s.pinned
		_, err := s.invoke(ctx, "xdvipdfmx", func(ctx context.Context) (engine.PassResult, error) {
			return pdf.Process(ctx, s.lock, s.stack, s.events, s.status, s.file(".xdv"), s.file(".pdf"))
		})
		if err != nil {
			return nil, s.abort(err)
		}
	}

	s.setState(StateConverged)
	return s.finish(), nil
}

// runPasses runs bibtex and tex according to the pass policy.
func (s *Session) runPasses(ctx context.Context, formatFile string) error {
	if s.opts.PassPolicy == PolicyBibtexFirst {
		if err := s.bibtexPass(ctx); err != nil {
			return err
		}
	}

	res, err := s.texPass(ctx, formatFile)
	if err != nil {
		return err
	}

	if s.opts.OutputKind == OutputAux || s.opts.OutputKind == OutputFormat {
		return nil
	}

	changed := s.convergence.Rerun(s.texPasses, res, s.stack.Trace())

	if s.opts.PassPolicy == PolicyDefault && s.needsBibtex(ctx) {
		if err := s.bibtexPass(ctx); err != nil {
			return err
		}
		changed = append(changed, s.file(".bbl"))
	}

	if s.opts.Reruns != nil {
		for i := 0; i < *s.opts.Reruns; i++ {
			if _, err := s.texPass(ctx, formatFile); err != nil {
				return err
			}
		}
		return nil
	}

	if s.opts.PassPolicy == PolicyTexOnly {
		return nil
	}

	for len(changed) > 0 {
		if s.texPasses >= s.opts.MaxPasses {
			status.Warn(s.status, nil, "TeX rerun seems needed, but stopping at %d passes", s.texPasses)
			return nil
		}
		status.Note(s.status, "Rerunning TeX because %q changed ...", changed[0])

		res, err := s.texPass(ctx, formatFile)
		if err != nil {
			return err
		}
		changed = s.convergence.Rerun(s.texPasses, res, s.stack.Trace())
	}
	return nil
}

// needsBibtex reports whether the aux file written by the last tex pass
// declares a bibliography database.
func (s *Session) needsBibtex(ctx context.Context) bool {
	data, _, err := s.output.Get(ctx, s.file(".aux"))
	if err != nil {
		return false
	}
	return bytes.Contains(data, []byte(`\bibdata`))
}

func (s *Session) texPass(ctx context.Context, formatFile string) (engine.PassResult, error) {
	e := engine.NewTexEngine()
	e.BuildTime = s.opts.BuildTime
	e.Synctex = s.opts.Synctex
	e.SemanticPagination = s.opts.OutputKind == OutputHTML
	e.InitexMode = s.opts.OutputKind == OutputFormat

	s.texPasses++
	return s.invoke(ctx, "tex", func(ctx context.Context) (engine.PassResult, error) {
		return e.Process(ctx, s.lock, s.stack, s.events, s.status, formatFile, s.primary.Name, s.opts.Unstables)
	})
}

func (s *Session) bibtexPass(ctx context.Context) error {
	status.Note(s.status, "Running BibTeX ...")
	_, err := s.invoke(ctx, "bibtex", func(ctx context.Context) (engine.PassResult, error) {
		return engine.BibtexEngine{}.Process(ctx, s.lock, s.stack, s.events, s.status, s.file(".aux"))
	})
	return err
}

// invoke runs one engine pass with a fresh per-pass trace.
func (s *Session) invoke(ctx context.Context, name string, call func(context.Context) (engine.PassResult, error)) (engine.PassResult, error) {
	s.pass++
	s.stack.BeginPass()
	s.invocations = append(s.invocations, name)

	ctx, span := s.tel.Tracer.StartPassSpan(ctx, name, s.pass)
	defer span.End()

	log := s.logger.WithPass(name, s.pass)
	log.Debug("pass started")

	res, err := call(ctx)
	res.Pass = s.pass

	if s.echo != nil {
		if _, werr := s.echo.Write(s.stack.Chatter()); werr != nil {
			log.WithError(werr).Warn("cannot copy engine output")
		}
	}

	if err != nil {
		telemetry.RecordError(span, err)
		s.events.PassCompleted(name, s.pass, engine.OutcomeFatal.String())
		log.WithError(err).Debug("pass failed")
		return res, err
	}

	telemetry.RecordSuccess(span)
	s.results = append(s.results, res)
	s.events.PassCompleted(name, s.pass, res.Outcome.String())
	log.Zerolog().Debug().Str("outcome", res.Outcome.String()).Msg("pass finished")
	return res, nil
}

// abort moves the session to Aborted and returns err unchanged. Engine
// failures get the engine's terminal output attached for diagnosis.
func (s *Session) abort(err error) error {
	s.setState(StateAborted)

	if fault.IsEngine(err) {
		name := "the engine"
		if n := len(s.invocations); n > 0 {
			name = s.invocations[n-1]
		}
		status.Error(s.status, nil, "something bad happened inside %s; its output follows:", name)
		s.status.DumpErrorLogs(s.stack.Chatter())
	}

	if s.pass > 0 {
		if werr := s.writeMakefileRules(s.stack.Record().Written()); werr != nil {
			status.Warn(s.status, werr, "failed to write dependency file")
		}
	}
	return err
}

// finish writes the dependency file and removes intermediates.
func (s *Session) finish() *Result {
	worst := engine.OutcomeClean
	for _, r := range s.results {
		if r.Outcome > worst {
			worst = r.Outcome
		}
	}
	switch worst {
	case engine.OutcomeWarnings:
		status.Note(s.status, "warnings were issued by the TeX engine; use --print and/or --keep-logs for details.")
	case engine.OutcomeErrors:
		status.Warn(s.status, nil, "errors were issued by the TeX engine, but were ignored; use --print and/or --keep-logs for details.")
	}

	final := s.finalName()
	var (
		keep, remove []iostack.Entry
		sawFinal     bool
	)
	for _, e := range s.stack.Record().Written() {
		if e.Name == final {
			sawFinal = true
		}
		if s.keeps(e.Name, final) {
			keep = append(keep, e)
		} else {
			remove = append(remove, e)
		}
	}
	if !sawFinal {
		status.Warn(s.status, nil, "the engine did not produce %s", final)
	}

	if err := s.writeMakefileRules(keep); err != nil {
		status.Warn(s.status, err, "failed to write dependency file")
	}

	for _, e := range remove {
		if err := s.output.Remove(e.Name); err != nil {
			status.Warn(s.status, err, "failed to delete intermediate file %s", e.Name)
			s.tel.Metrics.RecordCleanupFailure()
		}
	}

	res := &Result{
		Passes:  append([]engine.PassResult(nil), s.results...),
		Outcome: worst,
	}
	for _, e := range keep {
		path := s.output.Path(e.Name)
		res.Outputs = append(res.Outputs, path)
		var size string
		if info, err := os.Stat(path); err == nil {
			size = " (" + humanize.Bytes(uint64(info.Size())) + ")"
		}
		s.status.NoteHighlighted("Writing ", "`"+path+"`", size)
	}
	return res
}

// keeps reports whether a written file survives cleanup.
func (s *Session) keeps(name, final string) bool {
	if name == final || s.opts.KeepIntermediates {
		return true
	}
	switch filepath.Ext(name) {
	case ".log", ".blg":
		return s.opts.KeepLogs
	}
	return s.opts.Synctex && strings.HasSuffix(name, ".synctex.gz")
}
