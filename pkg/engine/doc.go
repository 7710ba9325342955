// Package engine is the single choke point through which the native
// typesetting engine is invoked.
//
// # Overview
//
// The native engine keeps process-global state and is not reentrant. Every
// call therefore goes through one Lock, created once per process and passed
// explicitly to each invocation site:
//
//	lock := engine.NewLock(native, metrics)
//	res, err := engine.NewTexEngine().Process(ctx, lock, stack, events, sink, "latex.fmt", "doc.tex", engine.Unstables{})
//
// # Pass Kinds
//
// Three entry points share the same protocol:
//
//   - TexEngine: one TeX pass; pushes halt_on_error_p, shell_escape_enabled,
//     in_initex_mode, synctex_enabled and semantic_pagination_enabled
//     before every call
//   - BibtexEngine: bibliography processing over an aux file
//   - PdfEngine: XDV to PDF conversion
//
// # Completion Codes
//
// The engine reports a history code that maps to a PassResult:
//
//	0  clean
//	1  warnings
//	2  errors (only seen with halt-on-error off)
//	3  fatal; the message is fetched before the lock is released
//	99 fatal abort, bibtex and xdvipdfmx only
//
// Anything else is an internal error.
//
// # Host Capability
//
// During an invocation the engine performs file operations through a Host,
// which owns the handle table and routes each open into the I/O stack. A
// hard failure recorded by the Host (anything but a plain miss, or a miss on
// a required input) takes precedence over the engine's own code.
//
// # WebAssembly
//
// WasmNative runs an engine compiled to WebAssembly under wazero. The guest
// exports memory, malloc, tt_set_int_variable, tex_simple_main,
// bibtex_simple_main, xdvipdfmx_simple_main and tt_get_error_message, and
// imports its file operations from the quire_bridge host module.
package engine
