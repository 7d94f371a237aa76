/*
Package manager supervises the fleet of plugin runtimes.

The manager follows a Repository: every change to the installed plugin set
triggers a reconcile pass that creates, updates, reloads, recreates or
removes runtime.Host values so that exactly the enabled plugins with a
bundle have a host. Hosts start idle and bring their sandbox up on the
first call, or right away with Config.Preload.

Calls from outside go through Call, which wraps each host in a circuit
breaker. Only sandbox failures (handshake timeouts and crashes) count
against it, so a plugin that keeps dying stops being respawned for a
cooldown while a plugin that merely rejects calls is left alone.

Status transitions and telemetry of every host are republished unchanged
on subscriptions, plus a "removed" status when a host leaves the fleet.
*/
package manager
