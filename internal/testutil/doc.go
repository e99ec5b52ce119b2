// Package testutil provides testing utilities for the token lifecycle
// packages: a controllable clock and helpers to read OpenTelemetry metrics
// collected by a manual reader.
package testutil
