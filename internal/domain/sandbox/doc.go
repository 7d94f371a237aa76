/*
Package sandbox runs untrusted plugin bundles in isolated goja runtimes.

# Overview

Each Session owns one JavaScript VM, one event loop goroutine and one session
token. Nothing outside the bootstrap is exposed to plugin code:

  - plugin: register, unregister, methods, call, emit, announce
  - console: forwarded as telemetry
  - setTimeout / clearTimeout: driven by the session's event loop
  - self (worker mode) or window and a detached document (document mode)

require, process, module and setInterval are removed from the global scope.

# Message Flow

The host talks to the plugin only through protocol envelopes:

	host --Send--> jobQueue --> loop goroutine --> bootstrap.receive
	bootstrap native.post --> deliver --> OnMessage handler

Envelopes whose token does not match the session are ignored by the
bootstrap. Messages posted before the first OnMessage subscription are held
back (up to Config.MaxBacklog) and flushed in order.

# Limits

Every job (bundle evaluation, delivered message, timer callback) runs under
Config.JobBudget. A job that exceeds it is interrupted and the session
reports sandbox:crash and closes. Exceptions thrown from timer callbacks are
reported as "uncaught_exception" telemetry and do not end the session.

# Bundles

BundleLoader resolves a manifest location: relative paths are read below a
base directory, http(s) URLs are fetched once through resty. Bundles ending
in .gz or .zst are decompressed before the size limit is applied.
*/
package sandbox
