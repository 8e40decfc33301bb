package tracing

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/accountingproxy/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// proxiedRoute names spans of requests handled by the catch-all proxy.
const proxiedRoute = "proxy"

// GinMiddleware opens a server span per inbound request. Proxied requests are
// named after the public path of the resolved service, never the raw path.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("accountingproxy/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		ctx = c.Request.Context()
		route := c.FullPath()
		if route == "" {
			route = proxiedRoute
			if publicPath := obscontext.PublicPathFromContext(ctx); publicPath != "" {
				route = publicPath
			}
		}
		span.SetName(c.Request.Method + " " + route)

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
			attribute.String("request_id", obscontext.RequestIDFromContext(ctx)),
			attribute.String("accounting.api_key_fp", obscontext.APIKeyFromContext(ctx)),
		}
		if unit := c.GetString("accounting_unit"); unit != "" {
			attrs = append(attrs, attribute.String("accounting.unit", unit))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		lastErr := c.Errors.Last()
		switch {
		case status >= http.StatusInternalServerError:
			if lastErr != nil {
				span.RecordError(SafeError(lastErr.Err))
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		case lastErr != nil:
			span.AddEvent("request rejected", trace.WithAttributes(attribute.String("error.type", SafeError(lastErr.Err).Error())))
		}
	}
}
