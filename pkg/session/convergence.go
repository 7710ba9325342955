package session

import (
	"github.com/quire-tex/quire/pkg/engine"
	"github.com/quire-tex/quire/pkg/iostack"
)

// ConvergencePolicy decides whether another tex pass is needed. It returns
// the names whose change triggers the rerun, or nothing once the output is
// stable.
type ConvergencePolicy interface {
	Rerun(pass int, res engine.PassResult, trace *iostack.Trace) []string
}

// DigestConvergence reruns while a pass rewrites a file it read with
// different content, or writes a file it looked for and did not find.
type DigestConvergence struct{}

// Rerun implements ConvergencePolicy.
func (DigestConvergence) Rerun(_ int, _ engine.PassResult, trace *iostack.Trace) []string {
	return trace.Changed()
}

// ConvergenceFunc adapts a function to ConvergencePolicy.
type ConvergenceFunc func(pass int, res engine.PassResult, trace *iostack.Trace) []string

// Rerun implements ConvergencePolicy.
func (f ConvergenceFunc) Rerun(pass int, res engine.PassResult, trace *iostack.Trace) []string {
	return f(pass, res, trace)
}
