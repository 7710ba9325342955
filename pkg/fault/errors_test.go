package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"not found matches class", NotFound("a.sty"), ErrResolution, true},
		{"not found matches kind", NotFound("a.sty"), ErrNotFound, true},
		{"not found is not not-cached", NotFound("a.sty"), ErrNotCachedLocally, false},
		{"wrapped", fmt.Errorf("open: %w", Resolution(KindCorruptArchive, "bad zip", nil)), ErrCorruptArchive, true},
		{"io vs resolution", IO(KindReadOnlyLayer, "read only", nil), ErrResolution, false},
		{"engine", Engine("xetex", "undefined control sequence"), ErrEngine, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := NotFound("missing.sty")
	if got, want := err.Error(), `resource not found (resource "missing.sty")`; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	cause := errors.New("connection refused")
	wrapped := Resolution(KindResourceUnavailable, "cannot reach bundle", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
}

func TestIsHard(t *testing.T) {
	if IsHard(nil) {
		t.Error("nil must not be hard")
	}
	if IsHard(NotFound("x")) {
		t.Error("not found must not be hard")
	}
	if !IsHard(Resolution(KindNotCachedLocally, "not cached", nil)) {
		t.Error("not cached must be hard")
	}
	if ClassOf(fmt.Errorf("x: %w", IO(KindPermissionDenied, "denied", nil))) != ClassIO {
		t.Error("ClassOf should see through wrapping")
	}
}

func TestErrorMessageWithOp(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{IO("", "cannot write output file", nil).WithResource("doc.pdf").WithOp("commit"), `cannot write output file (resource "doc.pdf", during commit)`},
		{IO("", "cannot write dependency file", nil).WithOp("makefile rules"), `cannot write dependency file (during makefile rules)`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
