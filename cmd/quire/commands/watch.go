package commands

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quire-tex/quire/pkg/config"
	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/status"
	"github.com/quire-tex/quire/pkg/watch"
)

// sourceExtensions are the files whose change triggers a rebuild.
var sourceExtensions = map[string]bool{
	".tex": true, ".ltx": true, ".bib": true, ".sty": true,
	".cls": true, ".bst": true, ".def": true, ".cfg": true,
}

func newWatchCommand(g *globalOptions) *cobra.Command {
	var (
		o           = &compileOptions{}
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch [flags] INPUT",
		Short: "Rebuild a document whenever its sources change",
		Long: `Build the document once, then rebuild it every time a TeX source in its
directory changes.

The engine and bundle are loaded once and shared by every rebuild. With
--metrics-addr a Prometheus endpoint reports cache and engine activity.`,
		Example: `  # Rebuild doc.pdf on every save
  quire watch doc.tex

  # Expose metrics while watching
  quire watch --metrics-addr :9090 doc.tex`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if input == "-" {
				return fault.Configuration("watch needs an input file, not stdin")
			}
			env, err := newEnvironment(g, func(cfg *config.Config) {
				if metricsAddr != "" {
					cfg.Telemetry.Metrics.Enabled = true
					cfg.Telemetry.Metrics.ListenAddress = metricsAddr
				}
			})
			if err != nil {
				return err
			}
			ctx := env.tel.WithContext(cmd.Context())
			defer env.close(context.Background())
			return env.fail(env.watch(ctx, o, input))
		},
	}

	o.register(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func (e *environment) watch(ctx context.Context, o *compileOptions, input string) error {
	if srv := e.tel.Metrics.StartMetricsServer(func(err error) {
		e.log.WithError(err).Warn("metrics server stopped")
	}); srv != nil {
		defer srv.Close()
		status.Note(e.sink, "serving metrics on %s", srv.Addr)
	}

	lock, closeEngine, err := e.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	index := e.openIndex(ctx)
	if index != nil {
		defer index.Close()
	}

	bun, err := e.resolveBundle(ctx, o.bundle, index)
	if err != nil {
		return err
	}
	defer bun.Close()

	build := func(ctx context.Context) {
		if err := e.compile(ctx, lock, bun, index, o, input); err != nil {
			e.sink.ReportError(err)
		}
	}
	build(ctx)

	w, err := watch.New(watch.Config{
		Dirs:     []string{filepath.Dir(input)},
		Match:    func(p string) bool { return sourceExtensions[strings.ToLower(filepath.Ext(p))] },
		Debounce: e.cfg.Watch.Debounce,
		Logger:   e.tel.Logger,
		OnChange: func(ctx context.Context, changed []string) error {
			status.Note(e.sink, "%s changed; rebuilding", filepath.Base(changed[0]))
			build(ctx)
			return nil
		},
	})
	if err != nil {
		return fault.IO("", "cannot watch input directory", err).WithResource(filepath.Dir(input))
	}
	status.Note(e.sink, "watching %s for changes; press Ctrl-C to stop", filepath.Dir(input))
	return w.Run(ctx)
}
