package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/quire-tex/quire/pkg/bundle"
	"github.com/quire-tex/quire/pkg/config"
	"github.com/quire-tex/quire/pkg/engine"
	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/status"
	"github.com/quire-tex/quire/pkg/stores"
	"github.com/quire-tex/quire/pkg/telemetry"
)

// environment is what every command needs once flags are parsed.
type environment struct {
	cfg  *config.Config
	tel  *telemetry.Telemetry
	sink status.Sink
	log  *telemetry.Logger
}

// newEnvironment loads configuration and sets up telemetry. tweaks run
// against the loaded configuration before telemetry is built.
func newEnvironment(g *globalOptions, tweaks ...func(*config.Config)) (*environment, error) {
	chatter, err := status.ParseChatterLevel(g.chatter)
	if err != nil {
		return nil, fault.Configuration("%v", err)
	}
	mode, err := status.ParseColorMode(g.color)
	if err != nil {
		return nil, fault.Configuration("%v", err)
	}
	sink := status.NewStyledSink(chatter, mode)

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}

	level := g.logLevel
	if level == "" {
		level = os.Getenv(EnvLogLevel)
	}
	if level != "" {
		cfg.Telemetry.Logging.Level = level
		if err := cfg.Telemetry.Validate(); err != nil {
			return nil, fault.Configuration("%v", err)
		}
	}
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	// Engine I/O events are only interesting when debugging.
	switch cfg.Telemetry.Logging.Level {
	case "debug", "trace":
		cfg.Telemetry.Events.Enabled = true
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Telemetry.Logging.Level))

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fault.Configuration("cannot set up telemetry: %v", err)
	}

	return &environment{
		cfg:  cfg,
		tel:  tel,
		sink: sink,
		log:  tel.Logger.NewComponentLogger("cli"),
	}, nil
}

// close flushes telemetry.
func (e *environment) close(ctx context.Context) {
	if err := e.tel.Shutdown(ctx); err != nil {
		e.log.WithError(err).Debug("telemetry shutdown failed")
	}
}

// fail reports err through the status sink and marks it as reported.
func (e *environment) fail(err error) error {
	if err == nil {
		return nil
	}
	e.sink.ReportError(err)
	return &reportedError{err: err}
}

// openEngine loads the engine module and wraps it in the process-wide lock.
func (e *environment) openEngine(ctx context.Context) (*engine.Lock, func(), error) {
	path := e.cfg.Engine.WasmPath
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fault.Configuration("cannot load engine module %s: %v", path, err)
	}

	native, err := engine.NewWasmNative(ctx, wasm, engine.WasmConfig{
		MemoryLimitPages: e.cfg.Engine.MemoryLimitPages,
		Logger:           e.tel.Logger,
	})
	if err != nil {
		return nil, nil, err
	}
	e.log.Zerolog().Debug().Str("path", path).Msg("engine loaded")

	closeFn := func() {
		if err := native.Close(context.Background()); err != nil {
			e.log.WithError(err).Debug("closing engine failed")
		}
	}
	return engine.NewLock(native, e.tel.Metrics), closeFn, nil
}

// openIndex opens the cache index database, or returns nil when it cannot
// be opened; format caching then proceeds without bookkeeping.
func (e *environment) openIndex(ctx context.Context) stores.Index {
	dir := e.cfg.Cache.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.WithError(err).Debug("cannot create cache directory")
		return nil
	}
	idx, err := stores.OpenSQLiteIndex(ctx, filepath.Join(dir, "index.db"))
	if err != nil {
		e.log.WithError(err).Debug("cache index unavailable")
		return nil
	}
	if err := idx.HealthCheck(ctx); err != nil {
		e.log.WithError(err).Debug("cache index unhealthy")
		_ = idx.Close()
		return nil
	}
	return idx
}

// bundleOptions are the flags selecting a bundle.
type bundleOptions struct {
	local      string
	web        string
	onlyCached bool
}

// resolveBundle resolves the selected bundle. index, when set, is shared
// with the remote cache.
func (e *environment) resolveBundle(ctx context.Context, b bundleOptions, index stores.Index) (bun *bundle.Bundle, err error) {
	op := telemetry.StartOperation(ctx, "bundle.resolve")
	defer func() { op.End(err) }()

	sel := bundle.Selection{LocalPath: b.local, URL: b.web, OnlyCached: b.onlyCached}
	opts := e.cfg.BundleOptions(e.tel)
	opts.Index = index
	bun, err = bundle.Resolve(op.Ctx, sel, opts)
	if err != nil {
		return nil, err
	}
	op.Logger.Zerolog().Debug().Str("kind", string(bun.Kind())).Dur("elapsed", op.Timer.Duration()).Msg("bundle resolved")
	return bun, nil
}
