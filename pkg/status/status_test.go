package status

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/quire-tex/quire/pkg/fault"
)

func TestChain(t *testing.T) {
	root := errors.New("connection refused")
	mid := fault.Resolution(fault.KindResourceUnavailable, "bundle unreachable", root)
	top := fmt.Errorf("resolving bundle: %w", mid)

	got := Chain(top)
	want := []string{"resolving bundle", "bundle unreachable", "connection refused"}
	if len(got) != len(want) {
		t.Fatalf("Chain() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Chain()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if Chain(nil) != nil {
		t.Error("Chain(nil) should be empty")
	}
}

func TestPlainSinkStreams(t *testing.T) {
	var stdout, stderr bytes.Buffer
	sink := NewPlainSinkTo(ChatterDefault, &stdout, &stderr)

	Note(sink, "Running %s", "xetex")
	Warn(sink, errors.New("disk full"), "could not delete %s", "doc.log")

	if got := stdout.String(); got != "note: Running xetex\n" {
		t.Errorf("stdout = %q", got)
	}
	if got, want := stderr.String(), "warning: could not delete doc.log\ncaused by: disk full\n"; got != want {
		t.Errorf("stderr = %q, want %q", got, want)
	}
}

func TestMinimalChatterSuppressesNotes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	sink := NewPlainSinkTo(ChatterMinimal, &stdout, &stderr)

	Note(sink, "hidden")
	sink.NoteHighlighted("Writing ", "doc.pdf", "")
	Error(sink, nil, "shown")

	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want nothing", stdout.String())
	}
	if !strings.Contains(stderr.String(), "error: shown") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestReportError(t *testing.T) {
	var stderr bytes.Buffer
	sink := NewPlainSinkTo(ChatterDefault, &bytes.Buffer{}, &stderr)

	err := fmt.Errorf("processing doc.tex: %w", fault.Engine("xetex", "undefined control sequence"))
	sink.ReportError(err)

	want := "error: processing doc.tex\ncaused by: undefined control sequence\n"
	if stderr.String() != want {
		t.Errorf("stderr = %q, want %q", stderr.String(), want)
	}
}

func TestDumpErrorLogs(t *testing.T) {
	var stderr bytes.Buffer
	sink := NewPlainSinkTo(ChatterMinimal, &bytes.Buffer{}, &stderr)

	sink.DumpErrorLogs([]byte("! Undefined control sequence.\n"))

	lines := strings.Split(strings.TrimSuffix(stderr.String(), "\n"), "\n")
	if len(lines) != 3 || lines[0] != rule || lines[2] != rule {
		t.Fatalf("dump = %q", stderr.String())
	}
	if lines[1] != "! Undefined control sequence." {
		t.Errorf("dump body = %q", lines[1])
	}
}

func TestStyledSinkWithoutColor(t *testing.T) {
	var stdout, stderr bytes.Buffer
	sink := NewStyledSinkTo(ChatterDefault, &stdout, &stderr, false)

	sink.NoteHighlighted("Writing ", "doc.pdf", " (12 KiB)")
	Warn(sink, nil, "rerun needed")

	if got := stdout.String(); got != "note: Writing doc.pdf (12 KiB)\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := stderr.String(); got != "warning: rerun needed\n" {
		t.Errorf("stderr = %q", got)
	}
}

func TestStyledSinkWithColor(t *testing.T) {
	var stderr bytes.Buffer
	sink := NewStyledSinkTo(ChatterDefault, &bytes.Buffer{}, &stderr, true)

	Error(sink, nil, "boom")

	if !strings.Contains(stderr.String(), "\x1b[") {
		t.Errorf("expected ANSI escapes in %q", stderr.String())
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Errorf("message missing from %q", stderr.String())
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	Note(&r, "one")
	Warn(&r, errors.New("cause"), "two")
	r.DumpErrorLogs([]byte("log"))

	if len(r.Messages()) != 2 {
		t.Fatalf("got %d messages, want 2", len(r.Messages()))
	}
	warnings := r.MessagesOfKind(KindWarning)
	if len(warnings) != 1 || warnings[0].Causes[0] != "cause" {
		t.Errorf("warnings = %+v", warnings)
	}
	if dumps := r.Dumps(); len(dumps) != 1 || string(dumps[0]) != "log" {
		t.Errorf("dumps = %q", dumps)
	}
}

func TestParseOptions(t *testing.T) {
	if lvl, err := ParseChatterLevel("minimal"); err != nil || lvl != ChatterMinimal {
		t.Errorf("ParseChatterLevel(minimal) = %v, %v", lvl, err)
	}
	if _, err := ParseChatterLevel("loud"); err == nil {
		t.Error("expected error for unknown chatter level")
	}
	if m, err := ParseColorMode(""); err != nil || m != ColorAuto {
		t.Errorf("ParseColorMode('') = %v, %v", m, err)
	}
	if _, err := ParseColorMode("sometimes"); err == nil {
		t.Error("expected error for unknown color mode")
	}
}
