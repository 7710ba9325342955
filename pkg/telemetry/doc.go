// Package telemetry provides logging, tracing, metrics and event publishing
// for quire.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry with stdout or
// OTLP exporters, and metrics are Prometheus collectors on a private registry.
// Every component degrades to a no-op when disabled, so library code can
// record unconditionally.
//
// Initialize telemetry once per process:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Engine file events are published per session:
//
//	events := tel.Events.ForSession(sessionID)
//	events.InputOpened("article.cls", "bundle")
//
// # Metrics
//
//	quire_sessions_started_total
//	quire_sessions_completed_total{outcome}
//	quire_session_duration_seconds{outcome}
//	quire_engine_invocations_total{engine,outcome}
//	quire_engine_pass_duration_seconds{engine}
//	quire_engine_active
//	quire_bundle_lookups_total{result}
//	quire_bundle_fetched_bytes_total
//	quire_bundle_fetch_duration_seconds
//	quire_cleanup_failures_total
package telemetry
