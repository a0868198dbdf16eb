// Package telemetry provides the worker's observability stack.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry with
// OTLP/gRPC or stdout exporters), Prometheus metrics on a private registry,
// and a small task event publisher.
//
// Initialize once at startup and attach to the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Components then recover the logger with FromContext, or start spans with
// StartOperation:
//
//	op := telemetry.StartOperation(ctx, "fetch.config")
//	defer func() { op.End(err) }()
//
// Metrics record methods are nil-safe so disabled metrics cost nothing.
package telemetry
