// Package services defines shared utilities consumed by the conversion
// pipeline and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp document keys, operation names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent external error codes.
//
// Use these helpers when wiring new pipeline logic so operational behaviour
// (error handling, observability, retries) stays uniform across the system.
package services
