// Package telemetry sets up OpenTelemetry tracing and metrics export for
// verdict.
//
// Every kernel component starts spans from a package-level tracer obtained
// with otel.Tracer, so installing the global providers here is enough to
// export them. When telemetry is disabled the global no-op providers stay
// in place and nothing is exported.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Export failures never stop the daemon: the instance is marked degraded
// and Health reports it.
//
// Tests hand NewTestTelemetry's Meter or Tracer to the component and read
// the results back:
//
//	tt := telemetry.NewTestTelemetry()
//	srv, _ := mcp.NewServer(&mcp.Config{Meter: tt.Meter("mcp")}, k)
//	// ... call tools ...
//	n, _ := tt.Counter(ctx, "verdict.mcp.tool.calls_total")
package telemetry
