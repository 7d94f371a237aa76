package tracing

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Propagation headers
const (
	HeaderTraceID = "X-Trace-ID"
	HeaderSpanID  = "X-Span-ID"
)

// HTTPMiddleware creates Gin middleware for HTTP tracing. An incoming
// X-Trace-ID is continued; otherwise a new trace starts.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := WithParent(c.Request.Context(),
			TraceID(c.GetHeader(HeaderTraceID)),
			SpanID(c.GetHeader(HeaderSpanID)))

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		span, ctx := tracer.StartSpan(ctx, c.Request.Method+" "+route)
		c.Request = c.Request.WithContext(ctx)

		c.Header(HeaderTraceID, string(span.TraceID))
		c.Header(HeaderSpanID, string(span.SpanID))

		c.Next()

		span.SetStatus(c.Writer.Status())
		span.SetTag("http.status", strconv.Itoa(c.Writer.Status()))
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		}
		span.Finish()
		tracer.Submit(span)
	}
}

// Trace runs fn inside a child span of ctx and records its error
func Trace(ctx context.Context, tracer *Tracer, name string, tags map[string]string, fn func(context.Context) error) error {
	if tracer == nil {
		return fn(ctx)
	}
	span, ctx := tracer.StartSpan(ctx, name)
	for k, v := range tags {
		span.SetTag(k, v)
	}
	err := fn(ctx)
	if err != nil {
		span.SetError(err)
	}
	span.Finish()
	tracer.Submit(span)
	return err
}
