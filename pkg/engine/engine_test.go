package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/iostack"
	"github.com/quire-tex/quire/pkg/status"
)

// fakeNative is a scriptable Native. It records the flags it was given and
// the highest number of concurrent invocations it observed.
type fakeNative struct {
	lock *Lock

	mu   sync.Mutex
	vars map[string]int

	code      int
	message   string
	err       error
	delay     time.Duration
	maxActive atomic.Int32
	calls     atomic.Int32

	tex func(ctx context.Context, h *Host) (int, error)
}

func newFake() (*fakeNative, *Lock) {
	f := &fakeNative{vars: make(map[string]int)}
	f.lock = NewLock(f, nil)
	return f, f.lock
}

func (f *fakeNative) observe() {
	f.calls.Add(1)
	n := int32(f.lock.Active())
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeNative) SetIntVariable(_ context.Context, name string, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars[name] = value
	return nil
}

func (f *fakeNative) TexMain(ctx context.Context, h *Host, _, _ string, _ time.Time) (int, error) {
	f.observe()
	if f.tex != nil {
		return f.tex(ctx, h)
	}
	return f.code, f.err
}

func (f *fakeNative) BibtexMain(_ context.Context, _ *Host, _ string) (int, error) {
	f.observe()
	return f.code, f.err
}

func (f *fakeNative) XdvipdfmxMain(_ context.Context, _ *Host, _ PdfConfig, _, _ string) (int, error) {
	f.observe()
	return f.code, f.err
}

func (f *fakeNative) ErrorMessage(context.Context) string {
	if f.lock.Active() != 1 {
		return "message read without the lock"
	}
	return f.message
}

func memStack() *iostack.Stack {
	return iostack.New(iostack.Config{Output: iostack.NewMemoryLayer()})
}

func TestCompletionCodes(t *testing.T) {
	tests := []struct {
		name        string
		code        int
		run         func(*Lock) (PassResult, error)
		wantOutcome Outcome
		wantErr     error
	}{
		{"tex clean", 0, runTex, OutcomeClean, nil},
		{"tex warnings", 1, runTex, OutcomeWarnings, nil},
		{"tex errors", 2, runTex, OutcomeErrors, nil},
		{"tex fatal", 3, runTex, OutcomeFatal, fault.ErrEngine},
		{"tex unexpected", 7, runTex, OutcomeClean, fault.ErrInternal},
		{"tex abort code is not special", 99, runTex, OutcomeClean, fault.ErrInternal},
		{"bibtex abort", 99, runBibtex, OutcomeFatal, fault.ErrEngine},
		{"bibtex warnings", 1, runBibtex, OutcomeWarnings, nil},
		{"xdvipdfmx abort", 99, runPdf, OutcomeFatal, fault.ErrEngine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, lock := newFake()
			f.code = tt.code
			f.message = "undefined control sequence"

			res, err := tt.run(lock)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.wantOutcome)
			}
			if tt.wantOutcome == OutcomeFatal {
				if res.Message != "undefined control sequence" {
					t.Errorf("Message = %q", res.Message)
				}
				if err.Error() != "undefined control sequence" {
					t.Errorf("error text = %q", err.Error())
				}
			}
		})
	}
}

func runTex(lock *Lock) (PassResult, error) {
	return NewTexEngine().Process(context.Background(), lock, memStack(), nil, status.Discard, "latex.fmt", "doc.tex", Unstables{})
}

func runBibtex(lock *Lock) (PassResult, error) {
	return BibtexEngine{}.Process(context.Background(), lock, memStack(), nil, status.Discard, "doc.aux")
}

func runPdf(lock *Lock) (PassResult, error) {
	return NewPdfEngine().Process(context.Background(), lock, memStack(), nil, status.Discard, "doc.xdv", "doc.pdf")
}

func TestFlagsPushedBeforeEachCall(t *testing.T) {
	tests := []struct {
		name      string
		engine    *TexEngine
		unstables Unstables
		want      map[string]int
	}{
		{
			name:   "defaults",
			engine: NewTexEngine(),
			want: map[string]int{
				"halt_on_error_p":             1,
				"shell_escape_enabled":        0,
				"in_initex_mode":              0,
				"synctex_enabled":             0,
				"semantic_pagination_enabled": 0,
			},
		},
		{
			name:      "continue on errors overrides halt",
			engine:    &TexEngine{HaltOnError: true, Synctex: true},
			unstables: Unstables{ContinueOnErrors: true, ShellEscape: true},
			want: map[string]int{
				"halt_on_error_p":      0,
				"shell_escape_enabled": 1,
				"synctex_enabled":      1,
			},
		},
		{
			name:   "initex and semantic pagination",
			engine: &TexEngine{InitexMode: true, SemanticPagination: true},
			want: map[string]int{
				"halt_on_error_p":             0,
				"in_initex_mode":              1,
				"semantic_pagination_enabled": 1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, lock := newFake()
			if _, err := tt.engine.Process(context.Background(), lock, memStack(), nil, status.Discard, "latex.fmt", "doc.tex", tt.unstables); err != nil {
				t.Fatal(err)
			}
			for name, want := range tt.want {
				if got, ok := f.vars[name]; !ok || got != want {
					t.Errorf("%s = %d (set %v), want %d", name, got, ok, want)
				}
			}
		})
	}
}

func TestLockNeverExceedsOne(t *testing.T) {
	f, lock := newFake()
	f.delay = 2 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				runTex(lock)
			} else {
				runBibtex(lock)
			}
		}(i)
	}
	wg.Wait()

	if got := f.calls.Load(); got != 8 {
		t.Fatalf("calls = %d, want 8", got)
	}
	if got := f.maxActive.Load(); got != 1 {
		t.Errorf("max concurrent invocations = %d, want 1", got)
	}
	if lock.Active() != 0 {
		t.Errorf("Active() = %d after all invocations", lock.Active())
	}
}

type recordingEvents struct {
	events []string
}

func (r *recordingEvents) InputOpened(name, origin string) {
	r.events = append(r.events, "in:"+name+"@"+origin)
}
func (r *recordingEvents) InputClosed(name string)  { r.events = append(r.events, "close-in:"+name) }
func (r *recordingEvents) OutputOpened(name string) { r.events = append(r.events, "out:"+name) }
func (r *recordingEvents) OutputClosed(name string) { r.events = append(r.events, "close-out:"+name) }

func TestHostRoutesThroughStack(t *testing.T) {
	f, lock := newFake()
	mem := iostack.NewMemoryLayer()
	stack := iostack.New(iostack.Config{
		Primary: &iostack.Primary{Name: "doc.tex", Path: "doc.tex", Data: []byte("\\input x")},
		Output:  mem,
	})

	var primary string
	f.tex = func(ctx context.Context, h *Host) (int, error) {
		id, err := h.OpenPrimary(ctx)
		if err != nil {
			return 0, err
		}
		data, _ := io.ReadAll(h.Input(id))
		primary = string(data)
		h.CloseInput(id)

		if _, err := h.OpenInput(ctx, "optional.cfg", 0); !fault.IsNotFound(err) {
			t.Errorf("optional open error = %v", err)
		}

		out, err := h.OpenOutput("doc.log", false)
		if err != nil {
			return 0, err
		}
		h.Output(out).Write([]byte("log"))

		// Left open on purpose: the bridge commits it.
		stdout := h.OpenStdout()
		h.Output(stdout).Write([]byte("chatter"))
		return 0, nil
	}

	events := &recordingEvents{}
	res, err := NewTexEngine().Process(context.Background(), lock, stack, events, status.Discard, "", "doc.tex", Unstables{})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != OutcomeClean {
		t.Errorf("Outcome = %s", res.Outcome)
	}
	if primary != "\\input x" {
		t.Errorf("primary = %q", primary)
	}
	if data, ok := mem.File("doc.log"); !ok || string(data) != "log" {
		t.Errorf("doc.log = %q, %v", data, ok)
	}
	if string(stack.Chatter()) != "chatter" {
		t.Errorf("Chatter() = %q", stack.Chatter())
	}

	want := []string{"in:doc.tex@primary", "close-in:doc.tex", "out:doc.log", "close-out:doc.log"}
	if len(events.events) != len(want) {
		t.Fatalf("events = %v, want %v", events.events, want)
	}
	for i := range want {
		if events.events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, events.events[i], want[i])
		}
	}
}

func TestHostRequiredMissingIsResolutionError(t *testing.T) {
	f, lock := newFake()
	f.message = "engine gave up"
	f.tex = func(ctx context.Context, h *Host) (int, error) {
		if _, err := h.OpenInput(ctx, "missing.sty", OpenRequired); err != nil {
			return 3, nil
		}
		return 0, nil
	}

	res, err := runTex(lock)
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("error = %v, want NotFound", err)
	}
	if fault.IsEngine(err) || res.Outcome == OutcomeFatal {
		t.Errorf("missing input surfaced as engine fatal: %+v, %v", res, err)
	}
}

func TestHostWriteWithoutWritableLayer(t *testing.T) {
	f, lock := newFake()
	f.tex = func(_ context.Context, h *Host) (int, error) {
		if _, err := h.OpenOutput("doc.log", false); err != nil {
			return 0, nil
		}
		return 0, nil
	}

	stack := iostack.New(iostack.Config{})
	_, err := NewTexEngine().Process(context.Background(), lock, stack, nil, status.Discard, "", "doc.tex", Unstables{})
	if !errors.Is(err, fault.ErrReadOnlyLayer) {
		t.Fatalf("error = %v, want ReadOnlyLayer", err)
	}
}

func TestHostWarningsReachStatus(t *testing.T) {
	f, lock := newFake()
	f.tex = func(_ context.Context, h *Host) (int, error) {
		h.Warn("font shape undefined")
		h.Error("missing $ inserted")
		return 2, nil
	}

	rec := &status.Recorder{}
	if _, err := NewTexEngine().Process(context.Background(), lock, memStack(), nil, rec, "", "doc.tex", Unstables{}); err != nil {
		t.Fatal(err)
	}
	if got := rec.MessagesOfKind(status.KindWarning); len(got) != 1 || got[0].Text != "font shape undefined" {
		t.Errorf("warnings = %+v", got)
	}
	if got := rec.MessagesOfKind(status.KindError); len(got) != 1 {
		t.Errorf("errors = %+v", got)
	}
}

func TestNativeCallErrorIsInternal(t *testing.T) {
	f, lock := newFake()
	f.err = errors.New("trap")
	_, err := runTex(lock)
	if !errors.Is(err, fault.ErrInternal) {
		t.Fatalf("error = %v, want internal", err)
	}
	if !errors.Is(err, f.err) {
		t.Error("cause not wrapped")
	}
}

func TestFailedPassDropsOpenOutputs(t *testing.T) {
	f, lock := newFake()
	mem := iostack.NewMemoryLayer()
	stack := iostack.New(iostack.Config{Output: mem})

	f.tex = func(ctx context.Context, h *Host) (int, error) {
		out, err := h.OpenOutput("doc.xdv", false)
		if err != nil {
			return 0, err
		}
		h.Output(out).Write([]byte("partial page 1"))
		h.Output(h.OpenStdout()).Write([]byte("! missing file"))
		if _, err := h.OpenInput(ctx, "missing.sty", OpenRequired); err != nil {
			return 3, nil
		}
		return 0, nil
	}

	_, err := NewTexEngine().Process(context.Background(), lock, stack, nil, status.Discard, "", "doc.tex", Unstables{})
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("error = %v, want NotFound", err)
	}
	if _, ok := mem.File("doc.xdv"); ok {
		t.Error("partial doc.xdv committed after a failed pass")
	}
	if len(stack.Record().Written()) != 0 {
		t.Errorf("Written() = %v", stack.Record().Written())
	}
	if string(stack.Chatter()) != "! missing file" {
		t.Errorf("Chatter() = %q", stack.Chatter())
	}
}
