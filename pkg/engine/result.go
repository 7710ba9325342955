package engine

// Outcome is how a pass finished.
type Outcome int

const (
	OutcomeClean Outcome = iota
	OutcomeWarnings
	OutcomeErrors
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeWarnings:
		return "warnings"
	case OutcomeErrors:
		return "errors"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// PassResult is the outcome of one engine invocation. Message is set for
// fatal outcomes.
type PassResult struct {
	Outcome Outcome
	Pass    int
	Message string
}

// Unstables are experimental options passed through to the engine.
type Unstables struct {
	// ContinueOnErrors turns halt-on-error off regardless of the engine
	// default.
	ContinueOnErrors bool

	// ShellEscape lets the engine run external programs.
	ShellEscape bool
}

// EventSink is notified when the engine opens and closes files.
type EventSink interface {
	InputOpened(name, origin string)
	InputClosed(name string)
	OutputOpened(name string)
	OutputClosed(name string)
}

type noEvents struct{}

func (noEvents) InputOpened(string, string) {}
func (noEvents) InputClosed(string)         {}
func (noEvents) OutputOpened(string)        {}
func (noEvents) OutputClosed(string)        {}
