// Package server hosts the optional Fiber diagnostics service. The cache
// engine itself is headless; this surface only exposes read-only endpoints
// (/healthz, /statistics) for local inspection while the daemon runs, so it
// binds to loopback and is disabled unless a port is configured. Keep exports
// narrow and accept explicit dependencies so tests can inject fakes.
package server
