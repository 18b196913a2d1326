// Package telemetry sets up OpenTelemetry tracing and metrics for memvault.
//
// Every component creates its spans from otel.Tracer and its instruments
// from otel.Meter, so New installs its providers as the OTel globals.
// Export is OTLP over gRPC or HTTP/protobuf:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  service_name: "memvault"
//
// Telemetry failures never stop the service. A provider that cannot be
// built leaves the instance degraded and the no-op globals in place.
//
// Tests use NewTestTelemetry, which records spans in memory and collects
// metrics through a manual reader.
package telemetry
