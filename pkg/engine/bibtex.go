package engine

import (
	"context"
	"time"

	"github.com/quire-tex/quire/pkg/iostack"
	"github.com/quire-tex/quire/pkg/status"
)

// abortCode is what bibtex and xdvipdfmx return when they bail out through
// their abort path. The message is available like a fatal one.
const abortCode = 99

// BibtexEngine runs bibtex over an aux file.
type BibtexEngine struct{}

// Process runs bibtex once.
func (BibtexEngine) Process(ctx context.Context, lock *Lock, stack *iostack.Stack, events EventSink, sink status.Sink, aux string) (PassResult, error) {
	return lock.invoke(ctx, invocation{
		engine:    "bibtex",
		stack:     stack,
		events:    events,
		status:    sink,
		abortCode: abortCode,
		call: func(ctx context.Context, n Native, h *Host) (int, error) {
			return n.BibtexMain(ctx, h, aux)
		},
	})
}

// PdfConfig controls XDV to PDF conversion.
type PdfConfig struct {
	PaperSpec         string
	EnableCompression bool
	DeterministicTags bool
	BuildTime         time.Time
}

// PdfEngine converts XDV output to PDF.
type PdfEngine struct {
	Config PdfConfig
}

// NewPdfEngine returns a converter with compression on and letter paper.
func NewPdfEngine() *PdfEngine {
	return &PdfEngine{Config: PdfConfig{
		PaperSpec:         "letter",
		EnableCompression: true,
		BuildTime:         time.Unix(0, 0).UTC(),
	}}
}

// Process converts xdv into pdf.
func (e *PdfEngine) Process(ctx context.Context, lock *Lock, stack *iostack.Stack, events EventSink, sink status.Sink, xdv, pdf string) (PassResult, error) {
	cfg := e.Config
	return lock.invoke(ctx, invocation{
		engine:    "xdvipdfmx",
		stack:     stack,
		events:    events,
		status:    sink,
		abortCode: abortCode,
		call: func(ctx context.Context, n Native, h *Host) (int, error) {
			return n.XdvipdfmxMain(ctx, h, cfg, xdv, pdf)
		},
	})
}
