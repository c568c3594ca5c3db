// Package telemetry wires OpenTelemetry tracing and metrics for draftpr.
//
// Pipeline stages open spans through Tracer and record counters and
// histograms through Meter. When telemetry is disabled the global no-op
// providers are returned, so instrumented code never needs a nil check:
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("draftpr/pipeline").Start(ctx, "pipeline.apply")
//	defer span.End()
//
// Exporters speak OTLP over gRPC (default) or http/protobuf. Tests use
// NewTestTelemetry, which records spans in memory.
package telemetry
