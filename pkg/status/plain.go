package status

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// PlainSink writes uncoloured diagnostics. Notes go to Stdout, everything
// else to Stderr.
type PlainSink struct {
	chatter ChatterLevel
	stdout  io.Writer
	stderr  io.Writer
	mu      sync.Mutex
}

// NewPlainSink returns a sink writing to the process's standard streams.
func NewPlainSink(chatter ChatterLevel) *PlainSink {
	return NewPlainSinkTo(chatter, os.Stdout, os.Stderr)
}

// NewPlainSinkTo returns a sink writing to the given streams.
func NewPlainSinkTo(chatter ChatterLevel, stdout, stderr io.Writer) *PlainSink {
	return &PlainSink{chatter: chatter, stdout: stdout, stderr: stderr}
}

// Report implements Sink.
func (p *PlainSink) Report(kind Kind, message string, err error) {
	if kind == KindNote && p.chatter >= ChatterMinimal {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.stderr
	if kind == KindNote {
		w = p.stdout
	}
	fmt.Fprintf(w, "%s: %s\n", kind, message)
	for _, line := range Chain(err) {
		fmt.Fprintf(p.stderr, "caused by: %s\n", line)
	}
}

// ReportError implements Sink.
func (p *PlainSink) ReportError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefix := "error"
	for _, line := range Chain(err) {
		fmt.Fprintf(p.stderr, "%s: %s\n", prefix, line)
		prefix = "caused by"
	}
}

// NoteHighlighted implements Sink.
func (p *PlainSink) NoteHighlighted(before, highlighted, after string) {
	if p.chatter >= ChatterMinimal {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.stdout, "note: %s%s%s\n", before, highlighted, after)
}

// DumpErrorLogs implements Sink.
func (p *PlainSink) DumpErrorLogs(output []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.stderr, rule)
	_, _ = p.stderr.Write(output)
	fmt.Fprintln(p.stderr, rule)
}
