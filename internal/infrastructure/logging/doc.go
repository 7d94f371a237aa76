// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for humans
//
// Runtime hosts log through ForPlugin so every record carries plugin_id.
// Session tokens are never logged.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	hostLog := logger.Named("runtime").ForPlugin("acme.counter")
//	hostLog.Info("handshake complete", zap.Strings("methods", methods))
package logging
