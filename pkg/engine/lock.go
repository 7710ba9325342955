package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/iostack"
	"github.com/quire-tex/quire/pkg/status"
	"github.com/quire-tex/quire/pkg/telemetry"
)

// Native is the typesetting engine behind the bridge. Implementations hold
// process-global state and are never called concurrently; every call goes
// through a Lock.
type Native interface {
	// SetIntVariable sets one of the engine's global flags.
	SetIntVariable(ctx context.Context, name string, value int) error

	// TexMain runs one TeX pass and returns its history code.
	TexMain(ctx context.Context, host *Host, format, input string, buildTime time.Time) (int, error)

	// BibtexMain runs bibtex over an aux file.
	BibtexMain(ctx context.Context, host *Host, aux string) (int, error)

	// XdvipdfmxMain converts an XDV file to PDF.
	XdvipdfmxMain(ctx context.Context, host *Host, cfg PdfConfig, xdv, pdf string) (int, error)

	// ErrorMessage returns the message of the last fatal error. It is only
	// valid while the lock is held.
	ErrorMessage(ctx context.Context) string
}

// Lock is the single handle guarding a Native. Create one per process and
// pass it to every invocation site.
type Lock struct {
	mu      sync.Mutex
	native  Native
	active  atomic.Int32
	metrics *telemetry.Metrics
}

// NewLock wraps native. metrics may be nil.
func NewLock(native Native, metrics *telemetry.Metrics) *Lock {
	return &Lock{native: native, metrics: metrics}
}

// Active reports how many invocations are in flight. It never exceeds 1.
func (l *Lock) Active() int {
	return int(l.active.Load())
}

// invocation describes one call through the lock.
type invocation struct {
	engine    string
	stack     *iostack.Stack
	events    EventSink
	status    status.Sink
	abortCode int
	call      func(ctx context.Context, n Native, h *Host) (int, error)
}

func (l *Lock) invoke(ctx context.Context, inv invocation) (PassResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.metrics.SetEngineActive(int(l.active.Add(1)))
	defer func() { l.metrics.SetEngineActive(int(l.active.Add(-1))) }()

	timer := telemetry.NewTimer()
	host := newHost(inv.stack, inv.events, inv.status)

	code, callErr := inv.call(ctx, l.native, host)
	res, err := l.interpret(ctx, inv, host, code, callErr)
	if finishErr := host.finish(err != nil); finishErr != nil && err == nil {
		res, err = PassResult{}, finishErr
	}

	outcome := "error"
	if err == nil || res.Outcome == OutcomeFatal {
		outcome = res.Outcome.String()
	}
	l.metrics.RecordEngineInvocation(inv.engine, outcome, timer.Duration())
	return res, err
}

// interpret maps a completion code to a result. It runs with the lock held
// so a fatal message is read while still valid.
func (l *Lock) interpret(ctx context.Context, inv invocation, host *Host, code int, callErr error) (PassResult, error) {
	if herr := host.Err(); herr != nil {
		return PassResult{}, herr
	}
	if callErr != nil {
		e := fault.Internal("%s engine failed", inv.engine)
		e.Err = callErr
		return PassResult{}, e
	}

	switch code {
	case 0:
		return PassResult{Outcome: OutcomeClean}, nil
	case 1:
		return PassResult{Outcome: OutcomeWarnings}, nil
	case 2:
		return PassResult{Outcome: OutcomeErrors}, nil
	case 3:
		return l.fatal(ctx, inv.engine)
	}
	if inv.abortCode != 0 && code == inv.abortCode {
		return l.fatal(ctx, inv.engine)
	}
	return PassResult{}, fault.Internal("internal error: unexpected 'history' value %d from %s", code, inv.engine)
}

func (l *Lock) fatal(ctx context.Context, engine string) (PassResult, error) {
	msg := l.native.ErrorMessage(ctx)
	return PassResult{Outcome: OutcomeFatal, Message: msg}, fault.Engine(engine, msg)
}
