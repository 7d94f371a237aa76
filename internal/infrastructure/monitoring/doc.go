/*
Package monitoring provides Prometheus metrics for the plugin runtime.

Metrics implements manager.Recorder, so the manager and every runtime
host report into it directly: hosts by status, RPC calls by direction and
outcome, handshake latency, rejected messages, breaker transitions and
dropped stream events. HTTP requests are recorded by Middleware.

# Usage

	metrics := monitoring.NewMetrics(nil)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	mgr, _ := manager.New(manager.Deps{Recorder: metrics, ...}, cfg)

Collectors live on their own registry rather than the global default.
*/
package monitoring
