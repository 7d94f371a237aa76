/*
Package tracing provides lightweight request tracing.

Every HTTP request gets a span; plugin calls made while serving it run in
child spans, so one trace id ties an admin API request to the plugin
method it invoked. Finished spans are logged by a collector goroutine.

# Propagation

X-Trace-ID and X-Span-ID request headers continue a caller's trace. The
response always carries the ids of the request span.

# Usage

	tracer := tracing.New("pluginruntime", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	err := tracing.Trace(ctx, tracer, "plugin.call", map[string]string{
		"plugin_id": pluginID,
	}, func(ctx context.Context) error {
		...
	})
*/
package tracing
