package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/quire-tex/quire/pkg/iostack"
	"github.com/quire-tex/quire/pkg/telemetry"
)

// BridgeModule is the host module name the engine imports its file
// operations from.
const BridgeModule = "quire_bridge"

// WasmConfig configures a WasmNative.
type WasmConfig struct {
	// MemoryLimitPages caps guest memory in 64KiB pages. Default 16384 (1GiB).
	MemoryLimitPages uint32

	Logger *telemetry.Logger
}

// WasmNative runs an engine compiled to WebAssembly. The guest exports its
// entry points and a malloc; all file access goes through the quire_bridge
// host module, which resolves handles against the Host of the running call.
type WasmNative struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	module   api.Module
	memory   api.Memory
	logger   *telemetry.Logger

	// stale is set when a call trapped; the instance is replaced before
	// the next call so no guest state survives a failed pass.
	stale bool

	malloc     api.Function
	free       api.Function
	setInt     api.Function
	texMain    api.Function
	bibtexMain api.Function
	pdfMain    api.Function
	errMessage api.Function

	// current is the Host of the invocation in flight. Set and cleared
	// under the engine Lock.
	current *Host
}

// NewWasmNative compiles and instantiates the engine module.
func NewWasmNative(ctx context.Context, wasm []byte, cfg WasmConfig) (*WasmNative, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 16384
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	w := &WasmNative{runtime: runtime, logger: logger.NewComponentLogger("wasm")}

	if _, err := w.bridgeModule(runtime.NewHostModuleBuilder(BridgeModule)).Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasm)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile engine module: %w", err)
	}
	w.compiled = compiled

	if err := w.instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, err
	}
	return w, nil
}

// instantiate creates a fresh engine instance from the compiled module.
func (w *WasmNative) instantiate(ctx context.Context) error {
	module, err := w.runtime.InstantiateModule(ctx, w.compiled,
		wazero.NewModuleConfig().WithName("engine").WithStartFunctions("_initialize"))
	if err != nil {
		return fmt.Errorf("failed to instantiate engine module: %w", err)
	}

	memory := module.Memory()
	if memory == nil {
		module.Close(ctx)
		return errors.New("engine module does not export memory")
	}
	malloc := module.ExportedFunction("malloc")
	if malloc == nil {
		module.Close(ctx)
		return errors.New("engine module does not export malloc")
	}

	w.module = module
	w.memory = memory
	w.malloc = malloc
	w.free = module.ExportedFunction("free")
	w.setInt = module.ExportedFunction("tt_set_int_variable")
	w.texMain = module.ExportedFunction("tex_simple_main")
	w.bibtexMain = module.ExportedFunction("bibtex_simple_main")
	w.pdfMain = module.ExportedFunction("xdvipdfmx_simple_main")
	w.errMessage = module.ExportedFunction("tt_get_error_message")
	w.stale = false
	return nil
}

// refresh replaces a trapped instance.
func (w *WasmNative) refresh(ctx context.Context) error {
	if !w.stale {
		return nil
	}
	w.logger.Debug("re-instantiating engine module after trap")
	if err := w.module.Close(ctx); err != nil {
		w.logger.WithError(err).Debug("closing trapped engine instance failed")
	}
	return w.instantiate(ctx)
}

// Close releases the runtime.
func (w *WasmNative) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// SetIntVariable implements Native.
func (w *WasmNative) SetIntVariable(ctx context.Context, name string, value int) error {
	if err := w.refresh(ctx); err != nil {
		return err
	}
	if w.setInt == nil {
		return errors.New("engine module does not export tt_set_int_variable")
	}
	ptr, n, release, err := w.pushString(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	res, err := w.setInt.Call(ctx, uint64(ptr), uint64(n), api.EncodeI32(int32(value)))
	if err != nil {
		return fmt.Errorf("tt_set_int_variable: %w", err)
	}
	if len(res) > 0 && api.DecodeI32(res[0]) != 0 {
		return fmt.Errorf("engine rejected variable %q", name)
	}
	return nil
}

// TexMain implements Native.
func (w *WasmNative) TexMain(ctx context.Context, host *Host, format, input string, buildTime time.Time) (int, error) {
	if w.texMain == nil {
		return 0, errors.New("engine module does not export tex_simple_main")
	}
	return w.run(ctx, host, func(push func(string) (uint32, uint32, error)) (api.Function, []uint64, error) {
		fptr, flen, err := push(format)
		if err != nil {
			return nil, nil, err
		}
		iptr, ilen, err := push(input)
		if err != nil {
			return nil, nil, err
		}
		return w.texMain, []uint64{
			uint64(fptr), uint64(flen),
			uint64(iptr), uint64(ilen),
			api.EncodeI64(buildTime.Unix()),
		}, nil
	})
}

// BibtexMain implements Native.
func (w *WasmNative) BibtexMain(ctx context.Context, host *Host, aux string) (int, error) {
	if w.bibtexMain == nil {
		return 0, errors.New("engine module does not export bibtex_simple_main")
	}
	return w.run(ctx, host, func(push func(string) (uint32, uint32, error)) (api.Function, []uint64, error) {
		ptr, n, err := push(aux)
		if err != nil {
			return nil, nil, err
		}
		return w.bibtexMain, []uint64{uint64(ptr), uint64(n)}, nil
	})
}

// XdvipdfmxMain implements Native.
func (w *WasmNative) XdvipdfmxMain(ctx context.Context, host *Host, cfg PdfConfig, xdv, pdf string) (int, error) {
	if w.pdfMain == nil {
		return 0, errors.New("engine module does not export xdvipdfmx_simple_main")
	}
	var flags uint32
	if cfg.EnableCompression {
		flags |= 1
	}
	if cfg.DeterministicTags {
		flags |= 2
	}
	return w.run(ctx, host, func(push func(string) (uint32, uint32, error)) (api.Function, []uint64, error) {
		sptr, slen, err := push(cfg.PaperSpec)
		if err != nil {
			return nil, nil, err
		}
		xptr, xlen, err := push(xdv)
		if err != nil {
			return nil, nil, err
		}
		pptr, plen, err := push(pdf)
		if err != nil {
			return nil, nil, err
		}
		return w.pdfMain, []uint64{
			uint64(sptr), uint64(slen), uint64(flags),
			uint64(xptr), uint64(xlen),
			uint64(pptr), uint64(plen),
			api.EncodeI64(cfg.BuildTime.Unix()),
		}, nil
	})
}

// ErrorMessage implements Native.
func (w *WasmNative) ErrorMessage(ctx context.Context) string {
	if w.errMessage == nil {
		return "engine reported a fatal error"
	}
	res, err := w.errMessage.Call(ctx)
	if err != nil || len(res) == 0 {
		return "engine reported a fatal error"
	}
	ptr, n := uint32(res[0]>>32), uint32(res[0])
	msg, ok := w.memory.Read(ptr, n)
	if !ok {
		return "engine reported a fatal error"
	}
	return string(msg)
}

// run calls an entry point with host installed for the bridge functions.
func (w *WasmNative) run(ctx context.Context, host *Host, prepare func(push func(string) (uint32, uint32, error)) (api.Function, []uint64, error)) (int, error) {
	if err := w.refresh(ctx); err != nil {
		return 0, err
	}

	var releases []func()
	defer func() {
		if w.stale {
			return
		}
		for _, r := range releases {
			r()
		}
	}()
	push := func(s string) (uint32, uint32, error) {
		ptr, n, release, err := w.pushString(ctx, s)
		if err != nil {
			return 0, 0, err
		}
		releases = append(releases, release)
		return ptr, n, nil
	}

	fn, params, err := prepare(push)
	if err != nil {
		return 0, err
	}

	w.current = host
	defer func() { w.current = nil }()

	res, err := fn.Call(ctx, params...)
	if err != nil {
		w.stale = true
		// A bridge function that recorded a failure traps the guest; the
		// recorded failure is what the caller sees.
		if host.Err() != nil {
			return 0, nil
		}
		return 0, err
	}
	if len(res) == 0 {
		return 0, errors.New("entry point returned no result")
	}
	return int(api.DecodeI32(res[0])), nil
}

// pushString copies s into guest memory.
func (w *WasmNative) pushString(ctx context.Context, s string) (uint32, uint32, func(), error) {
	if len(s) == 0 {
		return 0, 0, func() {}, nil
	}
	res, err := w.malloc.Call(ctx, uint64(len(s)))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("malloc failed: %w", err)
	}
	if len(res) == 0 || uint32(res[0]) == 0 {
		return 0, 0, nil, errors.New("malloc returned null pointer")
	}
	ptr := uint32(res[0])
	if !w.memory.Write(ptr, []byte(s)) {
		return 0, 0, nil, errors.New("failed to write string to guest memory")
	}
	release := func() {
		if w.free != nil {
			if _, err := w.free.Call(ctx, uint64(ptr)); err != nil {
				w.logger.WithError(err).Debug("free failed")
			}
		}
	}
	return ptr, uint32(len(s)), release, nil
}

func (w *WasmNative) host() *Host {
	if w.current == nil {
		panic("engine file operation outside an invocation")
	}
	return w.current
}

func readString(mod api.Module, ptr, n uint32) (string, bool) {
	b, ok := mod.Memory().Read(ptr, n)
	if !ok {
		return "", false
	}
	return string(b), true
}

// bridgeModule registers the functions the engine imports.
func (w *WasmNative) bridgeModule(b wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen, flags uint32) uint32 {
			name, ok := readString(mod, namePtr, nameLen)
			if !ok {
				return 0
			}
			h := w.host()
			id, err := h.OpenInput(ctx, name, OpenFlags(flags))
			if err != nil {
				if h.Err() != nil {
					panic(h.Err())
				}
				return 0
			}
			return uint32(id)
		}).
		Export("input_open")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			h := w.host()
			id, err := h.OpenPrimary(ctx)
			if err != nil {
				panic(err)
			}
			return uint32(id)
		}).
		Export("input_open_primary")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, handle uint32) uint64 {
			in := w.host().Input(Handle(handle))
			if in == nil {
				return 0
			}
			return uint64(in.Size())
		}).
		Export("input_get_size")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, handle uint32) int64 {
			in := w.host().Input(Handle(handle))
			if in == nil || in.MTime().IsZero() {
				return 0
			}
			return in.MTime().Unix()
		}).
		Export("input_get_mtime")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, handle uint32, offset int64, whence uint32) int64 {
			in := w.host().Input(Handle(handle))
			if in == nil {
				return -1
			}
			pos, err := in.Seek(offset, int(whence))
			if err != nil {
				return -1
			}
			return pos
		}).
		Export("input_seek")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, handle, ptr, n uint32) int64 {
			in := w.host().Input(Handle(handle))
			if in == nil {
				return -1
			}
			buf := make([]byte, n)
			read, err := io.ReadFull(in, buf)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
				return -1
			}
			if !mod.Memory().Write(ptr, buf[:read]) {
				return -1
			}
			return int64(read)
		}).
		Export("input_read")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, handle uint32) int32 {
			in := w.host().Input(Handle(handle))
			if in == nil {
				return -1
			}
			c, err := in.Getc()
			if err != nil {
				return -1
			}
			return int32(c)
		}).
		Export("input_getc")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, handle, c uint32) int32 {
			in := w.host().Input(Handle(handle))
			if in == nil || in.Ungetc(byte(c)) != nil {
				return -1
			}
			return 0
		}).
		Export("input_ungetc")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, handle uint32) int32 {
			if w.host().CloseInput(Handle(handle)) != nil {
				return 1
			}
			return 0
		}).
		Export("input_close")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, namePtr, nameLen, isGz uint32) uint32 {
			name, ok := readString(mod, namePtr, nameLen)
			if !ok {
				return 0
			}
			h := w.host()
			id, err := h.OpenOutput(name, isGz != 0)
			if err != nil {
				panic(err)
			}
			return uint32(id)
		}).
		Export("output_open")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context) uint32 {
			return uint32(w.host().OpenStdout())
		}).
		Export("output_open_stdout")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, handle, ptr, n uint32) int64 {
			out := w.host().Output(Handle(handle))
			if out == nil {
				return -1
			}
			data, ok := mod.Memory().Read(ptr, n)
			if !ok {
				return -1
			}
			written, err := out.Write(data)
			if err != nil {
				return -1
			}
			return int64(written)
		}).
		Export("output_write")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, handle, c uint32) int32 {
			out := w.host().Output(Handle(handle))
			if out == nil || out.WriteByte(byte(c)) != nil {
				return -1
			}
			return int32(byte(c))
		}).
		Export("output_putc")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, handle uint32) int32 {
			out := w.host().Output(Handle(handle))
			if out == nil || out.Flush() != nil {
				return 1
			}
			return 0
		}).
		Export("output_flush")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, handle uint32) int32 {
			h := w.host()
			if err := h.CloseOutput(Handle(handle)); err != nil {
				panic(err)
			}
			return 0
		}).
		Export("output_close")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, n uint32) {
			if msg, ok := readString(mod, ptr, n); ok {
				w.host().Warn(msg)
			}
		}).
		Export("issue_warning")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, n uint32) {
			if msg, ok := readString(mod, ptr, n); ok {
				w.host().Error(msg)
			}
		}).
		Export("issue_error")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen, digestPtr uint32) int32 {
			name, ok := readString(mod, namePtr, nameLen)
			if !ok {
				return 1
			}
			sum, err := w.host().FileMD5(ctx, name)
			if err != nil || !mod.Memory().Write(digestPtr, sum[:]) {
				return 1
			}
			return 0
		}).
		Export("get_file_md5")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, dataPtr, dataLen, digestPtr uint32) int32 {
			data, ok := mod.Memory().Read(dataPtr, dataLen)
			if !ok {
				return 1
			}
			sum := iostack.DataMD5(data)
			if !mod.Memory().Write(digestPtr, sum[:]) {
				return 1
			}
			return 0
		}).
		Export("get_data_md5")

	return b
}
