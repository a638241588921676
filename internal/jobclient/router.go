package jobclient

import (
	"context"
	"strings"
)

// Router picks a Runner by engine id prefix, falling back to a default.
type Router struct {
	fallback Runner
	routes   []route
}

type route struct {
	prefix string
	runner Runner
}

func NewRouter(fallback Runner) *Router {
	return &Router{fallback: fallback}
}

// Route sends engines starting with prefix to runner. First match wins.
func (r *Router) Route(prefix string, runner Runner) *Router {
	r.routes = append(r.routes, route{prefix: prefix, runner: runner})
	return r
}

func (r *Router) For(engine string) Runner {
	for _, rt := range r.routes {
		if strings.HasPrefix(engine, rt.prefix) {
			return rt.runner
		}
	}
	return r.fallback
}

func (r *Router) Submit(ctx context.Context, job Job) (*Handle, error) {
	return r.For(job.Engine()).Submit(ctx, job)
}

func (r *Router) Poll(ctx context.Context, h *Handle) (*PollResult, error) {
	return r.For(h.Engine).Poll(ctx, h)
}

func (r *Router) FetchResult(ctx context.Context, h *Handle) (*Result, error) {
	return r.For(h.Engine).FetchResult(ctx, h)
}
