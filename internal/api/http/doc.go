/*
Package http is the admin API of the plugin runtime.

	GET  /health                  fleet summary
	GET  /runtimes                every host with status, methods and breaker state
	GET  /runtimes/:id            one host
	POST /runtimes/:id/call       {"method": "...", "args": ...} -> {"result": ...}
	POST /runtimes/:id/reload     restart the sandbox, wait until ready
	POST /manifest/validate       JSON, YAML or TOML body -> {"valid", "manifest", "errors"}
	GET  /manifest/schema         JSON Schema of the manifest format
	GET  /metrics                 Prometheus exposition

Failures are returned as {"error": {"code": "...", "message": "..."}} using
the same codes plugins see on the wire, mapped to an HTTP status.
*/
package http
