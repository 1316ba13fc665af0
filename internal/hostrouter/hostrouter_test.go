package hostrouter

import (
	"testing"

	"github.com/valyala/fasthttp"
)

type fakeHandler struct {
	name   string
	called bool
}

func (f *fakeHandler) Name() string { return f.name }
func (f *fakeHandler) Handle(ctx *fasthttp.RequestCtx) {
	f.called = true
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString(f.name)
}

func newCtx(host, path string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.Header.SetHost(host)
	ctx.Request.SetRequestURI(path)
	return ctx
}

func TestRouter_MatchesExactHost(t *testing.T) {
	a := &fakeHandler{name: "team-a"}
	b := &fakeHandler{name: "team-b"}
	r := New(map[string]Handler{"a.example.com": a, "b.example.com": b}, nil, nil, nil)

	ctx := newCtx("a.example.com", "/v1/chat/completions")
	r.Handle(ctx)

	if !a.called || b.called {
		t.Fatalf("expected only team-a's handler to be called")
	}
}

func TestRouter_FallsBackToDefaultHost(t *testing.T) {
	a := &fakeHandler{name: "team-a"}
	def := &fakeHandler{name: "default"}
	r := New(map[string]Handler{"a.example.com": a, "": def}, nil, nil, nil)

	ctx := newCtx("unknown.example.com", "/v1/chat/completions")
	r.Handle(ctx)

	if !def.called {
		t.Fatal("expected the default pipeline to handle an unmatched host")
	}
}

func TestRouter_NoMatchWritesNotFound(t *testing.T) {
	a := &fakeHandler{name: "team-a"}
	r := New(map[string]Handler{"a.example.com": a}, nil, nil, nil)

	ctx := newCtx("unknown.example.com", "/v1/chat/completions")
	r.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestRouter_HealthEndpointBypassesPipelines(t *testing.T) {
	r := New(map[string]Handler{}, nil, nil, nil)
	ctx := newCtx("anything", "/health")
	r.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", ctx.Response.StatusCode())
	}
}

func TestRouter_StripsPortBeforeMatching(t *testing.T) {
	a := &fakeHandler{name: "team-a"}
	r := New(map[string]Handler{"a.example.com": a}, nil, nil, nil)

	ctx := newCtx("a.example.com:8080", "/v1/chat/completions")
	r.Handle(ctx)

	if !a.called {
		t.Fatal("expected host match to ignore the port suffix")
	}
}
