// Package session sequences engine passes over one document: it builds the
// I/O stack, runs tex and bibtex until the output converges, converts the
// result and cleans up.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/quire-tex/quire/pkg/bundle"
	"github.com/quire-tex/quire/pkg/engine"
	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/iostack"
	"github.com/quire-tex/quire/pkg/status"
	"github.com/quire-tex/quire/pkg/stores"
	"github.com/quire-tex/quire/pkg/telemetry"
)

// OutputKind is the final artifact of a session.
type OutputKind string

const (
	OutputPDF    OutputKind = "pdf"
	OutputHTML   OutputKind = "html"
	OutputXDV    OutputKind = "xdv"
	OutputAux    OutputKind = "aux"
	OutputFormat OutputKind = "fmt"
)

// PassPolicy chooses which engines run and in what order.
type PassPolicy string

const (
	// PolicyDefault runs tex, adds a bibtex pass when the aux file asks for
	// one, and reruns tex until its output converges.
	PolicyDefault PassPolicy = "default"

	// PolicyTexOnly runs a single tex pass plus any explicit reruns.
	PolicyTexOnly PassPolicy = "tex"

	// PolicyBibtexFirst runs bibtex before the tex passes.
	PolicyBibtexFirst PassPolicy = "bibtex-first"
)

// DefaultMaxPasses bounds automatic tex reruns.
const DefaultMaxPasses = 6

// SourceDateEpochEnv pins the build time for reproducible output.
const SourceDateEpochEnv = "SOURCE_DATE_EPOCH"

// State is where a session is in its lifecycle.
type State int

const (
	StateConfiguring State = iota
	StateRunningPass
	StateConverged
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateRunningPass:
		return "running"
	case StateConverged:
		return "converged"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Options is the validated configuration of a session.
type Options struct {
	InputPath string `validate:"required_without=Stdin"`
	Stdin     io.Reader

	Format     string     `validate:"required_unless=OutputKind fmt"`
	OutputKind OutputKind `validate:"oneof=pdf html xdv aux fmt"`
	PassPolicy PassPolicy `validate:"oneof=default tex bibtex-first"`

	// Reruns, when set, forces exactly 1+Reruns tex passes.
	Reruns    *int `validate:"omitempty,min=0,max=100"`
	MaxPasses int  `validate:"min=1,max=100"`

	OutputDir         string
	FormatCacheDir    string
	MakefileRules     string
	Hidden            []string
	KeepIntermediates bool
	KeepLogs          bool
	Synctex           bool
	BuildTime         time.Time
	Unstables         engine.Unstables
}

// Builder collects session configuration.
type Builder struct {
	opts        Options
	bundle      *bundle.Bundle
	lock        *engine.Lock
	sink        status.Sink
	tel         *telemetry.Telemetry
	index       stores.Index
	convergence ConvergencePolicy
	echo        io.Writer
}

// NewBuilder returns a builder with default options.
func NewBuilder() *Builder {
	return &Builder{
		opts: Options{
			Format:     "latex",
			OutputKind: OutputPDF,
			PassPolicy: PolicyDefault,
			MaxPasses:  DefaultMaxPasses,
		},
		convergence: DigestConvergence{},
	}
}

// Input sets the primary input file. "-" reads standard input.
func (b *Builder) Input(path string) *Builder {
	if path == "-" {
		b.opts.InputPath = ""
		b.opts.Stdin = os.Stdin
		return b
	}
	b.opts.InputPath = path
	return b
}

// Stdin reads the primary input from r.
func (b *Builder) Stdin(r io.Reader) *Builder {
	b.opts.InputPath = ""
	b.opts.Stdin = r
	return b
}

func (b *Builder) Format(name string) *Builder           { b.opts.Format = name; return b }
func (b *Builder) OutputKind(k OutputKind) *Builder      { b.opts.OutputKind = k; return b }
func (b *Builder) PassPolicy(p PassPolicy) *Builder      { b.opts.PassPolicy = p; return b }
func (b *Builder) MaxPasses(n int) *Builder              { b.opts.MaxPasses = n; return b }
func (b *Builder) OutputDir(dir string) *Builder         { b.opts.OutputDir = dir; return b }
func (b *Builder) MakefileRules(path string) *Builder    { b.opts.MakefileRules = path; return b }
func (b *Builder) Hidden(names ...string) *Builder       { b.opts.Hidden = append(b.opts.Hidden, names...); return b }
func (b *Builder) KeepIntermediates(keep bool) *Builder  { b.opts.KeepIntermediates = keep; return b }
func (b *Builder) KeepLogs(keep bool) *Builder           { b.opts.KeepLogs = keep; return b }
func (b *Builder) Synctex(enabled bool) *Builder         { b.opts.Synctex = enabled; return b }
func (b *Builder) BuildTime(t time.Time) *Builder        { b.opts.BuildTime = t; return b }
func (b *Builder) Unstables(u engine.Unstables) *Builder { b.opts.Unstables = u; return b }

// Reruns forces exactly 1+n tex passes, disabling automatic detection.
func (b *Builder) Reruns(n int) *Builder {
	b.opts.Reruns = &n
	return b
}

// Bundle sets the bundle every session lookup falls back to.
func (b *Builder) Bundle(bun *bundle.Bundle) *Builder {
	b.bundle = bun
	return b
}

// Lock sets the engine lock.
func (b *Builder) Lock(l *engine.Lock) *Builder {
	b.lock = l
	return b
}

// Status sets the status sink.
func (b *Builder) Status(s status.Sink) *Builder {
	b.sink = s
	return b
}

// Telemetry sets logging, tracing, metrics and events.
func (b *Builder) Telemetry(t *telemetry.Telemetry) *Builder {
	b.tel = t
	return b
}

// FormatCache sets where generated formats are kept. index may be nil.
func (b *Builder) FormatCache(dir string, index stores.Index) *Builder {
	b.opts.FormatCacheDir = dir
	b.index = index
	return b
}

// Convergence replaces the rerun detection policy.
func (b *Builder) Convergence(p ConvergencePolicy) *Builder {
	b.convergence = p
	return b
}

// PrintChatter copies the engine's terminal output to w after each pass.
func (b *Builder) PrintChatter(w io.Writer) *Builder {
	b.echo = w
	return b
}

var validate = validator.New()

// Create validates the configuration and prepares a session. No engine is
// invoked; every configuration problem is reported here.
func (b *Builder) Create(ctx context.Context) (*Session, error) {
	opts := b.opts
	if err := validate.Struct(opts); err != nil {
		return nil, fault.Configuration("invalid session options: %v", err)
	}
	if b.lock == nil {
		return nil, fault.Configuration("no engine configured")
	}
	if b.bundle == nil {
		return nil, fault.Configuration("no bundle configured")
	}
	if opts.OutputKind != OutputFormat && opts.FormatCacheDir == "" {
		return nil, fault.Configuration("a format cache directory is required")
	}

	var (
		primary *iostack.Primary
		err     error
	)
	if opts.InputPath != "" {
		primary, err = iostack.PrimaryFromFile(opts.InputPath)
	} else {
		primary, err = iostack.PrimaryFromReader(opts.Stdin)
	}
	if err != nil {
		return nil, err
	}

	if opts.OutputDir == "" {
		opts.OutputDir = "."
		if opts.InputPath != "" {
			opts.OutputDir = filepath.Dir(opts.InputPath)
		}
	}
	out, err := iostack.NewDirLayer(opts.OutputDir)
	if err != nil {
		return nil, err
	}

	pinned := !opts.BuildTime.IsZero()
	if !pinned {
		opts.BuildTime, pinned, err = BuildTimeFromEnv()
		if err != nil {
			return nil, err
		}
	}

	tel := b.tel
	if tel == nil {
		tel = telemetry.NewNop()
	}
	sink := b.sink
	if sink == nil {
		sink = status.Discard
	}
	conv := b.convergence
	if conv == nil {
		conv = DigestConvergence{}
	}

	id := uuid.New().String()
	return &Session{
		id:          id,
		opts:        opts,
		primary:     primary,
		output:      out,
		bundle:      b.bundle,
		lock:        b.lock,
		status:      sink,
		tel:         tel,
		logger:      tel.Logger.NewComponentLogger("session").WithSessionID(id),
		events:      tel.Events.ForSession(id),
		index:       b.index,
		convergence: conv,
		echo:        b.echo,
		pinned:      pinned,
		state:       StateConfiguring,
	}, nil
}

// BuildTimeFromEnv returns the time pinned by SOURCE_DATE_EPOCH, or now.
// pinned reports whether the variable was set.
func BuildTimeFromEnv() (t time.Time, pinned bool, err error) {
	v := strings.TrimSpace(os.Getenv(SourceDateEpochEnv))
	if v == "" {
		return time.Now().UTC(), false, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fault.Configuration("%s must be an integer number of seconds, got %q", SourceDateEpochEnv, v)
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

// Session is one processing run over a primary input. It is not safe for
// concurrent use.
type Session struct {
	id          string
	opts        Options
	primary     *iostack.Primary
	output      *iostack.DirLayer
	bundle      *bundle.Bundle
	lock        *engine.Lock
	status      status.Sink
	tel         *telemetry.Telemetry
	logger      *telemetry.Logger
	events      *telemetry.SessionEvents
	index       stores.Index
	convergence ConvergencePolicy
	echo        io.Writer
	pinned      bool

	stack       *iostack.Stack
	state       State
	pass        int
	results     []engine.PassResult
	invocations []string
	texPasses   int
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Record returns the dependency record, or nil before Run.
func (s *Session) Record() *iostack.Record {
	if s.stack == nil {
		return nil
	}
	return s.stack.Record()
}

// Invocations lists the engines invoked so far, in order.
func (s *Session) Invocations() []string {
	out := make([]string, len(s.invocations))
	copy(out, s.invocations)
	return out
}

func (s *Session) setState(st State) {
	s.state = st
	s.logger.Zerolog().Debug().Str("state", st.String()).Int("pass", s.pass).Msg("session state")
}

func (s *Session) stem() string {
	name := s.primary.Name
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (s *Session) file(ext string) string {
	return s.stem() + ext
}

// finalName is the output the session is asked to produce.
func (s *Session) finalName() string {
	switch s.opts.OutputKind {
	case OutputPDF:
		return s.file(".pdf")
	case OutputHTML:
		return s.file(".spx")
	case OutputXDV:
		return s.file(".xdv")
	case OutputAux:
		return s.file(".aux")
	case OutputFormat:
		return s.file(".fmt")
	}
	return ""
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.id, s.primary.Path)
}
