package status

import "sync"

// Message is one recorded diagnostic.
type Message struct {
	Kind   Kind
	Text   string
	Causes []string
}

// Recorder is a Sink that keeps everything in memory. It is safe for
// concurrent use.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	dumps    [][]byte
}

// Report implements Sink.
func (r *Recorder) Report(kind Kind, message string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Kind: kind, Text: message, Causes: Chain(err)})
}

// ReportError implements Sink.
func (r *Recorder) ReportError(err error) {
	lines := Chain(err)
	if len(lines) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Kind: KindError, Text: lines[0], Causes: lines[1:]})
}

// NoteHighlighted implements Sink.
func (r *Recorder) NoteHighlighted(before, highlighted, after string) {
	r.Report(KindNote, before+highlighted+after, nil)
}

// DumpErrorLogs implements Sink.
func (r *Recorder) DumpErrorLogs(output []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dumps = append(r.dumps, append([]byte(nil), output...))
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// MessagesOfKind returns the recorded messages of one kind.
func (r *Recorder) MessagesOfKind(kind Kind) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Dumps returns the raw outputs passed to DumpErrorLogs.
func (r *Recorder) Dumps() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.dumps...)
}
