package engine

import (
	"context"
	"time"

	"github.com/quire-tex/quire/pkg/iostack"
	"github.com/quire-tex/quire/pkg/status"
)

// TexEngine runs TeX passes.
type TexEngine struct {
	HaltOnError        bool
	InitexMode         bool
	Synctex            bool
	SemanticPagination bool

	// BuildTime is what the document sees as "now". Pin it for
	// reproducible output.
	BuildTime time.Time
}

// NewTexEngine returns an engine that halts on the first error and builds
// as of the Unix epoch.
func NewTexEngine() *TexEngine {
	return &TexEngine{
		HaltOnError: true,
		BuildTime:   time.Unix(0, 0).UTC(),
	}
}

// Process runs a single TeX pass over input with the given format.
func (e *TexEngine) Process(ctx context.Context, lock *Lock, stack *iostack.Stack, events EventSink, sink status.Sink, format, input string, unstables Unstables) (PassResult, error) {
	haltOnError := e.HaltOnError
	if unstables.ContinueOnErrors {
		haltOnError = false
	}

	vars := []struct {
		name  string
		value bool
	}{
		{"halt_on_error_p", haltOnError},
		{"shell_escape_enabled", unstables.ShellEscape},
		{"in_initex_mode", e.InitexMode},
		{"synctex_enabled", e.Synctex},
		{"semantic_pagination_enabled", e.SemanticPagination},
	}

	return lock.invoke(ctx, invocation{
		engine: "tex",
		stack:  stack,
		events: events,
		status: sink,
		call: func(ctx context.Context, n Native, h *Host) (int, error) {
			for _, v := range vars {
				if err := n.SetIntVariable(ctx, v.name, boolToInt(v.value)); err != nil {
					return 0, err
				}
			}
			return n.TexMain(ctx, h, format, input, e.BuildTime)
		},
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
