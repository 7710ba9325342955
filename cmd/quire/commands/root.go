package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quire-tex/quire/pkg/status"
)

// EnvLogLevel overrides the configured log level.
const EnvLogLevel = "QUIRE_LOG_LEVEL"

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	chatter    string
	color      string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	var reported *reportedError
	if err != nil && !errors.As(err, &reported) {
		status.NewPlainSink(status.ChatterDefault).ReportError(err)
	}
	return err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	g := &globalOptions{}
	compile := &compileOptions{}

	rootCmd := &cobra.Command{
		Use:   "quire [flags] INPUT",
		Short: "Quire - a self-contained TeX/LaTeX engine driver",
		Long: `Quire processes a TeX or LaTeX document into PDF (or XDV, HTML, an aux
file or a format file) in one step.

It:
  - Fetches support files on demand from a bundle, caching them locally
  - Reruns TeX until cross-references settle
  - Runs BibTeX when the document asks for a bibliography
  - Removes intermediate files unless asked to keep them`,
		Example: `  # Build doc.pdf next to doc.tex
  quire doc.tex

  # Build into another directory and keep the log
  quire --outdir build --keep-logs doc.tex

  # Work offline against what is already cached
  quire --only-cached doc.tex

  # Read the document from stdin
  cat doc.tex | quire -`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, g, compile, args[0])
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file path")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (trace, debug, info, warn, error); overrides "+EnvLogLevel)
	pf.StringVarP(&g.chatter, "chatter", "c", "default", "how much status to print (default, minimal)")
	pf.StringVar(&g.color, "color", "auto", "when to colorize status output (auto, always, never)")

	compile.register(rootCmd)

	rootCmd.AddCommand(newWatchCommand(g))
	rootCmd.AddCommand(newBundleCommand(g))

	return rootCmd
}

// reportedError marks an error already shown through the status sink.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }
