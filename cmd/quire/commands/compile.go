package commands

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quire-tex/quire/pkg/bundle"
	"github.com/quire-tex/quire/pkg/engine"
	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/session"
	"github.com/quire-tex/quire/pkg/stores"
)

// compileOptions are the flags controlling one processing session.
type compileOptions struct {
	bundle bundleOptions

	format            string
	outdir            string
	outfmt            string
	pass              string
	reruns            int
	keepIntermediates bool
	keepLogs          bool
	synctex           bool
	print             bool
	makefileRules     string
	hide              []string
	unstables         []string
}

func (o *compileOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.bundle.local, "bundle", "b", "", "use this directory or zip file as the bundle")
	f.StringVarP(&o.bundle.web, "web-bundle", "w", "", "use this URL as the bundle")
	f.BoolVarP(&o.bundle.onlyCached, "only-cached", "C", false, "use only resources already in the local cache")
	f.StringVar(&o.format, "format", "latex", "name of the format to load")
	f.StringVarP(&o.outdir, "outdir", "o", "", "directory for output files (must exist; default: next to the input)")
	f.StringVar(&o.outfmt, "outfmt", "pdf", "kind of output to generate (pdf, html, xdv, aux, fmt)")
	f.StringVar(&o.pass, "pass", "default", "which engines to run (default, tex, bibtex_first)")
	f.IntVarP(&o.reruns, "reruns", "r", -1, "rerun TeX exactly this many times after the first pass")
	f.BoolVarP(&o.keepIntermediates, "keep-intermediates", "k", false, "keep intermediate files")
	f.BoolVar(&o.keepLogs, "keep-logs", false, "keep the log files generated during processing")
	f.BoolVar(&o.synctex, "synctex", false, "generate SyncTeX data")
	f.BoolVarP(&o.print, "print", "p", false, "print the engine's chatter during processing")
	f.StringVar(&o.makefileRules, "makefile-rules", "", "write Makefile-format rules expressing the dependencies of this run")
	f.StringArrayVar(&o.hide, "hide", nil, "pretend this file does not exist (repeatable)")
	f.StringArrayVarP(&o.unstables, "unstable", "Z", nil, "unstable options: continue-on-errors, shell-escape (repeatable)")
}

func runCompile(cmd *cobra.Command, g *globalOptions, o *compileOptions, input string) error {
	env, err := newEnvironment(g)
	if err != nil {
		return err
	}
	ctx := env.tel.WithContext(cmd.Context())
	defer env.close(context.Background())

	lock, closeEngine, err := env.openEngine(ctx)
	if err != nil {
		return env.fail(err)
	}
	defer closeEngine()

	index := env.openIndex(ctx)
	if index != nil {
		defer index.Close()
	}

	bun, err := env.resolveBundle(ctx, o.bundle, index)
	if err != nil {
		return env.fail(err)
	}
	defer bun.Close()

	return env.fail(env.compile(ctx, lock, bun, index, o, input))
}

// compile runs one session over input.
func (e *environment) compile(ctx context.Context, lock *engine.Lock, bun *bundle.Bundle, index stores.Index, o *compileOptions, input string) error {
	b, err := o.builder(input)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(e.cfg.Cache.FormatDir, 0o755); err != nil {
		return fault.IO(fault.KindPermissionDenied, "cannot create format cache", err).WithResource(e.cfg.Cache.FormatDir)
	}

	b.Bundle(bun).
		Lock(lock).
		Status(e.sink).
		Telemetry(e.tel).
		FormatCache(e.cfg.Cache.FormatDir, index)

	s, err := b.Create(ctx)
	if err != nil {
		return err
	}
	_, err = s.Run(ctx)
	return err
}

// builder translates flags into a session builder.
func (o *compileOptions) builder(input string) (*session.Builder, error) {
	policy, err := parsePassPolicy(o.pass)
	if err != nil {
		return nil, err
	}
	unstables, err := parseUnstables(o.unstables)
	if err != nil {
		return nil, err
	}

	b := session.NewBuilder().
		Input(input).
		Format(o.format).
		OutputKind(session.OutputKind(o.outfmt)).
		PassPolicy(policy).
		KeepIntermediates(o.keepIntermediates).
		KeepLogs(o.keepLogs).
		Synctex(o.synctex).
		MakefileRules(o.makefileRules).
		Hidden(o.hide...).
		Unstables(unstables)

	if o.reruns >= 0 {
		b.Reruns(o.reruns)
	}
	if o.outdir != "" {
		b.OutputDir(o.outdir)
	} else if input == "-" {
		b.OutputDir(".")
	}
	if o.print {
		b.PrintChatter(os.Stdout)
	}
	return b, nil
}

func parsePassPolicy(s string) (session.PassPolicy, error) {
	switch strings.ReplaceAll(s, "_", "-") {
	case "", "default":
		return session.PolicyDefault, nil
	case "tex":
		return session.PolicyTexOnly, nil
	case "bibtex-first":
		return session.PolicyBibtexFirst, nil
	}
	return "", fault.Configuration("unknown pass %q (want default, tex or bibtex_first)", s)
}

func parseUnstables(opts []string) (engine.Unstables, error) {
	var u engine.Unstables
	for _, opt := range opts {
		switch strings.ReplaceAll(strings.TrimSpace(opt), "_", "-") {
		case "continue-on-errors":
			u.ContinueOnErrors = true
		case "shell-escape":
			u.ShellEscape = true
		default:
			return u, fault.Configuration("unknown unstable option %q", opt)
		}
	}
	return u, nil
}
