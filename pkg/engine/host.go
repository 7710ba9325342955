package engine

import (
	"context"
	"crypto/md5"
	"errors"
	"maps"
	"slices"

	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/iostack"
	"github.com/quire-tex/quire/pkg/status"
)

// Handle identifies an open file on the engine side. Zero is never valid.
type Handle uint32

// OpenFlags modify OpenInput.
type OpenFlags uint32

const (
	// OpenGz decompresses the input.
	OpenGz OpenFlags = 1 << iota

	// OpenRequired turns a missing file into a resolution failure of the
	// whole pass instead of leaving the engine to cope.
	OpenRequired
)

// Host is the capability handle through which a native engine performs all
// file operations during one invocation. It routes them into the I/O stack
// and keeps the table of open handles.
type Host struct {
	stack  *iostack.Stack
	events EventSink
	status status.Sink

	inputs  map[Handle]*iostack.InputHandle
	outputs map[Handle]*iostack.OutputHandle
	next    Handle
	err     error
}

func newHost(stack *iostack.Stack, events EventSink, sink status.Sink) *Host {
	if events == nil {
		events = noEvents{}
	}
	if sink == nil {
		sink = status.Discard
	}
	return &Host{
		stack:   stack,
		events:  events,
		status:  sink,
		inputs:  make(map[Handle]*iostack.InputHandle),
		outputs: make(map[Handle]*iostack.OutputHandle),
	}
}

func (h *Host) allocate() Handle {
	h.next++
	return h.next
}

// Fail records err as the reason the pass cannot continue. Only the first
// failure is kept.
func (h *Host) Fail(err error) {
	if h.err == nil && err != nil {
		h.err = err
	}
}

// Err returns the first failure recorded during the invocation.
func (h *Host) Err() error {
	return h.err
}

// OpenInput opens name through the stack. Hard failures are recorded and
// abort the pass.
func (h *Host) OpenInput(ctx context.Context, name string, flags OpenFlags) (Handle, error) {
	var (
		in  *iostack.InputHandle
		err error
	)
	if flags&OpenGz != 0 {
		in, err = h.stack.OpenReadGz(ctx, name)
	} else {
		in, err = h.stack.OpenRead(ctx, name)
	}
	if err != nil {
		if fault.IsHard(err) || flags&OpenRequired != 0 {
			h.Fail(err)
		}
		return 0, err
	}

	id := h.allocate()
	h.inputs[id] = in
	h.events.InputOpened(in.Name(), string(in.Layer()))
	return id, nil
}

// OpenPrimary opens the primary input.
func (h *Host) OpenPrimary(ctx context.Context) (Handle, error) {
	in, err := h.stack.OpenPrimary(ctx)
	if err != nil {
		h.Fail(err)
		return 0, err
	}
	id := h.allocate()
	h.inputs[id] = in
	h.events.InputOpened(in.Name(), string(in.Layer()))
	return id, nil
}

// Input returns the open input for id, or nil.
func (h *Host) Input(id Handle) *iostack.InputHandle {
	return h.inputs[id]
}

// CloseInput closes an input handle.
func (h *Host) CloseInput(id Handle) error {
	in, ok := h.inputs[id]
	if !ok {
		return errors.New("close of unknown input handle")
	}
	delete(h.inputs, id)
	h.events.InputClosed(in.Name())
	return in.Close()
}

// OpenOutput opens name for writing.
func (h *Host) OpenOutput(name string, gz bool) (Handle, error) {
	out, err := h.stack.OpenWrite(name, gz)
	if err != nil {
		h.Fail(err)
		return 0, err
	}
	id := h.allocate()
	h.outputs[id] = out
	h.events.OutputOpened(out.Name())
	return id, nil
}

// OpenStdout opens the chatter pseudo-file.
func (h *Host) OpenStdout() Handle {
	id := h.allocate()
	h.outputs[id] = h.stack.OpenStdout()
	return id
}

// Output returns the open output for id, or nil.
func (h *Host) Output(id Handle) *iostack.OutputHandle {
	return h.outputs[id]
}

// CloseOutput closes an output handle, committing its content.
func (h *Host) CloseOutput(id Handle) error {
	out, ok := h.outputs[id]
	if !ok {
		return errors.New("close of unknown output handle")
	}
	delete(h.outputs, id)
	if err := out.Close(); err != nil {
		h.Fail(err)
		return err
	}
	if out.Name() != iostack.ChatterName {
		h.events.OutputClosed(out.Name())
	}
	return nil
}

// Warn reports an engine warning to the status sink.
func (h *Host) Warn(msg string) {
	h.status.Report(status.KindWarning, msg, nil)
}

// Error reports a non-fatal engine error to the status sink.
func (h *Host) Error(msg string) {
	h.status.Report(status.KindError, msg, nil)
}

// FileMD5 digests a file as the stack resolves it.
func (h *Host) FileMD5(ctx context.Context, name string) ([md5.Size]byte, error) {
	sum, err := h.stack.FileMD5(ctx, name)
	if fault.IsHard(err) {
		h.Fail(err)
	}
	return sum, err
}

// finish closes whatever the engine left open. When the pass failed, open
// outputs are dropped so a partial file never reaches the writable layer;
// otherwise they are committed as if the engine had closed them.
func (h *Host) finish(failed bool) error {
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(h.inputs)) {
		errs = append(errs, h.CloseInput(id))
	}
	for _, id := range slices.Sorted(maps.Keys(h.outputs)) {
		if failed {
			h.outputs[id].Discard()
			delete(h.outputs, id)
			continue
		}
		errs = append(errs, h.CloseOutput(id))
	}
	return errors.Join(errs...)
}
