// Package instrumentation provides OpenTelemetry metrics and tracing for
// the authorization layer. Providers are no-op unless an exporter is wired
// in by the embedding application, so instrumentation can stay enabled in
// library code at zero cost.
//
// Metric namespaces:
//   - toolgate.http.*     HTTP layer (request counts, durations)
//   - toolgate.flow.*     authorization flow lifecycle
//   - toolgate.security.* rate limiting, PKCE failures, reuse detection
//   - toolgate.storage.*  store sizes via registered callbacks
//
// Sensitive values (tokens, codes, secrets) are never recorded as metric or
// span attributes; only identifiers, types, and outcomes are.
package instrumentation
