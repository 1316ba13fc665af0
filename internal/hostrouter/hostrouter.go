// Package hostrouter dispatches an inbound request to the Pipeline
// configured for its Host header, generalizing the teacher's single-Gateway
// router (which served one fixed route table) into a multi-tenant front
// door: many pipelines, each bound to its own host, sharing one process and
// one middleware stack.
package hostrouter

import (
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aicentral-gateway/pkg/apierr"
)

// Handler is anything that can serve one classified request end to end.
// internal/pipeline.Pipeline implements this.
type Handler interface {
	Name() string
	Handle(ctx *fasthttp.RequestCtx)
}

// Router matches an inbound Host header to a configured Handler. Path
// routing (chat vs. embeddings vs. provider-native shapes) happens inside
// the matched Handler via its own classifier — Router's only job is
// picking which pipeline owns this request. /health, /readiness and
// /metrics are registered as ordinary routes on the underlying
// fasthttp/router table; every other path falls through its NotFound
// handler into host-based pipeline dispatch, the same table-plus-catchall
// shape the teacher's own router built.
type Router struct {
	byHost   map[string]Handler
	fallback Handler

	rt          *router.Router
	corsOrigins []string
	log         *slog.Logger
}

// New builds a Router. handlers is keyed by the Host header each pipeline
// was configured to answer; an entry under the empty string key is used for
// any host that doesn't match one of the others, matching the teacher's
// "unmatched provider falls through to default" leniency.
func New(handlers map[string]Handler, metrics fasthttp.RequestHandler, corsOrigins []string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &Router{byHost: make(map[string]Handler, len(handlers)), corsOrigins: corsOrigins, log: log}
	for host, h := range handlers {
		if host == "" {
			r.fallback = h
			continue
		}
		r.byHost[host] = h
	}

	rt := router.New()
	rt.ANY("/health", func(ctx *fasthttp.RequestCtx) { writeJSON(ctx, map[string]string{"status": "ok"}) })
	rt.ANY("/readiness", func(ctx *fasthttp.RequestCtx) { writeJSON(ctx, map[string]string{"status": "ok"}) })
	if metrics != nil {
		rt.ANY("/metrics", metrics)
	}
	rt.NotFound = r.dispatch
	r.rt = rt

	return r
}

func (r *Router) match(host string) Handler {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if h, ok := r.byHost[host]; ok {
		return h
	}
	return r.fallback
}

// dispatch handles every path not claimed by the route table above: it
// picks the pipeline owning the request's Host and hands the request to it.
func (r *Router) dispatch(ctx *fasthttp.RequestCtx) {
	h := r.match(string(ctx.Host()))
	if h == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "no pipeline configured for host \""+string(ctx.Host())+"\"",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	h.Handle(ctx)
}

// Handle is the single entry point registered with the HTTP server.
func (r *Router) Handle(ctx *fasthttp.RequestCtx) {
	r.rt.Handler(ctx)
}

// ListenAndServe wraps Handle with the same middleware chain the teacher's
// router installs (recovery, request ID, timing, CORS, security headers)
// and starts the HTTP server on addr.
func (r *Router) ListenAndServe(addr string) error {
	handler := applyMiddleware(r.Handle,
		recovery,
		requestID,
		timing,
		corsHandler(r.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func writeJSON(ctx *fasthttp.RequestCtx, v map[string]string) {
	ctx.SetContentType("application/json")
	b := strings.Builder{}
	b.WriteByte('{')
	first := true
	for k, val := range v {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteByte('"')
		b.WriteString(k)
		b.WriteString(`":"`)
		b.WriteString(val)
		b.WriteByte('"')
	}
	b.WriteByte('}')
	ctx.SetBodyString(b.String())
}
