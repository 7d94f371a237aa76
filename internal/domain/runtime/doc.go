/*
Package runtime hosts one plugin per Host.

# Lifecycle

	idle ──EnsureReady──▶ loading ──handshake──▶ ready
	                         │                     │
	                         └──timeout / crash────┴──▶ error ──EnsureReady──▶ loading
	any ──Destroy──▶ destroyed (terminal)

Reload rejects pending calls, drops the session and starts a new one with a
fresh token. Messages carrying the old token, or arriving from an old
session after the switch, are ignored.

# Calls

Host to plugin calls are correlated by request id only. Each call has its
own timeout; a timed out call fails with rpc_timeout and the host stays
ready. Plugin to host calls (host:rpc) are answered from the host method
surface built from the manifest's permissions, throttled per plugin.

# Events

Status transitions and plugin telemetry are handed to the configured
Observer in the order they happened.
*/
package runtime
