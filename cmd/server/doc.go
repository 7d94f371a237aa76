// Package main is the entry point for the plugin runtime server.
//
// The server loads plugin manifests from a directory, keeps one sandboxed
// runtime host per enabled plugin and exposes them over HTTP:
//   - REST API for runtime inspection, calls and reloads
//   - Manifest validation and JSON schema
//   - WebSocket stream of status and telemetry events
//   - Prometheus metrics
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	PLUGINS_DIR=/srv/plugins ./server -port 8000
//
//	# Development mode (colored logs, debug level)
//	./server -dev -plugins ./plugins
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
