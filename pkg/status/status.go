// Package status carries user-facing diagnostics out of a processing session.
//
// Diagnostics never travel through return values other than the single
// terminal error; everything else is reported to a Sink.
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the severity of a status message.
type Kind int

const (
	KindNote Kind = iota
	KindWarning
	KindError
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNote:
		return "note"
	case KindWarning:
		return "warning"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ChatterLevel controls how much a sink prints.
type ChatterLevel int

const (
	// ChatterDefault prints everything.
	ChatterDefault ChatterLevel = iota
	// ChatterMinimal suppresses notes.
	ChatterMinimal
)

// ParseChatterLevel converts "default" or "minimal" into a ChatterLevel.
func ParseChatterLevel(s string) (ChatterLevel, error) {
	switch s {
	case "", "default":
		return ChatterDefault, nil
	case "minimal":
		return ChatterMinimal, nil
	default:
		return ChatterDefault, fmt.Errorf("unknown chatter level %q", s)
	}
}

// Sink receives diagnostics.
type Sink interface {
	// Report emits a message of the given kind. When err is non-nil its
	// cause chain is printed after the message.
	Report(kind Kind, message string, err error)

	// ReportError emits err and every error in its cause chain.
	ReportError(err error)

	// NoteHighlighted emits a note with the middle part emphasised.
	NoteHighlighted(before, highlighted, after string)

	// DumpErrorLogs writes raw engine output for diagnosis.
	DumpErrorLogs(output []byte)
}

// Note reports a formatted note.
func Note(s Sink, format string, args ...any) {
	s.Report(KindNote, fmt.Sprintf(format, args...), nil)
}

// Warn reports a formatted warning with an optional cause.
func Warn(s Sink, err error, format string, args ...any) {
	s.Report(KindWarning, fmt.Sprintf(format, args...), err)
}

// Error reports a formatted error with an optional cause.
func Error(s Sink, err error, format string, args ...any) {
	s.Report(KindError, fmt.Sprintf(format, args...), err)
}

// Chain flattens err into one line per link of its Unwrap chain. When a
// link's text ends with the text of its cause, as fmt.Errorf with %w
// produces, the duplicated suffix is trimmed.
func Chain(err error) []string {
	var lines []string
	for err != nil {
		msg := err.Error()
		next := errors.Unwrap(err)
		if next != nil {
			msg = strings.TrimSuffix(msg, ": "+next.Error())
		}
		lines = append(lines, msg)
		err = next
	}
	return lines
}

const rule = "==============================================================================="

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Report(Kind, string, error) {}
func (discard) ReportError(error) {}
func (discard) NoteHighlighted(string, string, string) {}
func (discard) DumpErrorLogs([]byte) {}
