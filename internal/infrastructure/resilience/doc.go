/*
Package resilience provides the circuit breaker that keeps a crash-looping
plugin from being respawned on every request.

# States

	Closed --[ReadyToTrip]--> Open --[Timeout]--> Half-Open --[MaxRequests successes]--> Closed
	                                                  |
	                                              [failure]
	                                                  v
	                                                Open

# Usage

	breaker := resilience.New("acme.counter", resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isInfrastructureFailure(err)
		},
	})

	result, err := breaker.Execute(func() (any, error) {
		return host.Call(ctx, method, args)
	})

IsSuccessful lets business errors pass through without tripping the
breaker. Reset closes it immediately, for example after an operator reload.
*/
package resilience
