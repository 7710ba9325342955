package status

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Palette shared by styled output.
const (
	ColorNote    = lipgloss.Color("#10B981")
	ColorWarning = lipgloss.Color("#F59E0B")
	ColorError   = lipgloss.Color("#EF4444")
)

// ColorMode selects when styled output is coloured.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// ParseColorMode validates a --color value.
func ParseColorMode(s string) (ColorMode, error) {
	switch m := ColorMode(s); m {
	case ColorAuto, ColorAlways, ColorNever:
		return m, nil
	case "":
		return ColorAuto, nil
	default:
		return "", fmt.Errorf("unknown color mode %q (want always, auto or never)", s)
	}
}

// StyledSink writes coloured diagnostics: green notes, yellow warnings and
// red errors, with the prefix alone carrying the colour.
type StyledSink struct {
	chatter ChatterLevel
	stdout  io.Writer
	stderr  io.Writer

	note      lipgloss.Style
	warning   lipgloss.Style
	errs      lipgloss.Style
	highlight lipgloss.Style

	mu sync.Mutex
}

// NewStyledSink returns a styled sink for the process's standard streams.
// In auto mode colour is used only when stderr is a terminal.
func NewStyledSink(chatter ChatterLevel, mode ColorMode) *StyledSink {
	colored := mode == ColorAlways
	if mode == ColorAuto {
		colored = term.IsTerminal(int(os.Stderr.Fd()))
	}
	return NewStyledSinkTo(chatter, os.Stdout, os.Stderr, colored)
}

// NewStyledSinkTo returns a styled sink writing to the given streams.
func NewStyledSinkTo(chatter ChatterLevel, stdout, stderr io.Writer, colored bool) *StyledSink {
	renderer := lipgloss.NewRenderer(stderr)
	if colored {
		renderer.SetColorProfile(termenv.ANSI256)
	} else {
		renderer.SetColorProfile(termenv.Ascii)
	}

	return &StyledSink{
		chatter:   chatter,
		stdout:    stdout,
		stderr:    stderr,
		note:      renderer.NewStyle().Bold(true).Foreground(ColorNote),
		warning:   renderer.NewStyle().Bold(true).Foreground(ColorWarning),
		errs:      renderer.NewStyle().Bold(true).Foreground(ColorError),
		highlight: renderer.NewStyle().Bold(true),
	}
}

func (s *StyledSink) styleFor(kind Kind) (lipgloss.Style, io.Writer) {
	switch kind {
	case KindNote:
		return s.note, s.stdout
	case KindWarning:
		return s.warning, s.stderr
	default:
		return s.errs, s.stderr
	}
}

// Report implements Sink.
func (s *StyledSink) Report(kind Kind, message string, err error) {
	if kind == KindNote && s.chatter >= ChatterMinimal {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	style, w := s.styleFor(kind)
	fmt.Fprintf(w, "%s %s\n", style.Render(kind.String()+":"), message)
	for _, line := range Chain(err) {
		fmt.Fprintf(s.stderr, "%s %s\n", s.errs.Render("caused by:"), line)
	}
}

// ReportError implements Sink.
func (s *StyledSink) ReportError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := "error:"
	for _, line := range Chain(err) {
		fmt.Fprintf(s.stderr, "%s %s\n", s.errs.Render(prefix), line)
		prefix = "caused by:"
	}
}

// NoteHighlighted implements Sink.
func (s *StyledSink) NoteHighlighted(before, highlighted, after string) {
	if s.chatter >= ChatterMinimal {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.stdout, "%s %s%s%s\n", s.note.Render("note:"), before, s.highlight.Render(highlighted), after)
}

// DumpErrorLogs implements Sink.
func (s *StyledSink) DumpErrorLogs(output []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintln(s.stderr, s.errs.Render(rule))
	_, _ = s.stderr.Write(output)
	fmt.Fprintln(s.stderr, s.errs.Render(rule))
}
