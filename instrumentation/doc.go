// Package instrumentation provides OpenTelemetry instrumentation for the
// token lifecycle library.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:        true,
//		ServiceName:    "my-auth-service",
//		ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is set and no MeterProvider is supplied, New builds an SDK
// meter provider carrying the service resource. Attach an exporter or a
// reader through Config.MetricReader, or pass a fully configured provider.
// Traces go to the global tracer provider unless one is supplied.
//
// # Available Metrics
//
// Tokens:
//   - oauth.token.issued{token_type}
//   - oauth.token.verifications{token_type, result}
//   - oauth.token.rotations{result}
//   - oauth.token.reuse_detected
//   - oauth.token.revoked{kind}
//
// Authorization:
//   - oauth.pkce.validations{result}
//   - oauth.redirect.rejected{category}
//
// Storage:
//   - oauth.storage.operations.total{operation, result}
//   - oauth.storage.operation.duration{operation}
//   - oauth.storage.refresh_tokens.count, oauth.storage.revocations.count,
//     oauth.storage.attempts.count (gauges)
//   - oauth.storage.cleanup.removed{target}
//
// # Nil safety
//
// A nil *Instrumentation hands out no-op tracers and a nil *Metrics, and
// every Record method accepts a nil receiver, so components can be built
// without instrumentation and wired later.
package instrumentation
