package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftermath/internal/authmw"
	"github.com/linnemanlabs/aftermath/internal/incidentapi"
)

// maxBodyBytes bounds request bodies on the main listener. Alerts and
// action item batches are small; 1 MiB leaves room for large label sets.
const maxBodyBytes = 1 << 20

// handlerDeps carries what the main listener needs. Empty tokens disable
// auth on the mutating routes; a nil instrument skips request metrics.
type handlerDeps struct {
	logger           log.Logger
	service          incidentapi.IncidentService
	tokens           []string
	instrument       func(http.Handler) http.Handler
	healthz          http.HandlerFunc
	readyz           http.HandlerFunc
	trustedProxyHops int
}

func isProbe(path string) bool {
	return path == "/-/healthy" || path == "/-/ready"
}

// newHandler builds the main listener's handler: the chi router with the
// incident API, then the middleware stack from innermost to outermost.
func newHandler(d handlerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxBodyBytes))

	r.Get("/-/healthy", d.healthz)
	r.Get("/-/ready", d.readyz)

	var opts []incidentapi.Option
	if len(d.tokens) > 0 {
		opts = append(opts, incidentapi.WithAuth(authmw.BearerToken(d.tokens...)))
	}
	incidentapi.New(d.logger, d.service, opts...).RegisterRoutes(r)

	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(d.logger)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !isProbe(r.URL.Path) }),
		// AnnotateHTTPRoute renames the span to the route pattern once chi has matched
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	if d.instrument != nil {
		h = d.instrument(h)
	}

	// Outer so downstream middleware sees the resolved client ip
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: d.trustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(d.logger, nil)(h)

	// Security headers outermost to ensure they are served on every response
	return httpmw.SecurityHeaders(h)
}
