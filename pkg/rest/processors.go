package rest

import (
	"context"

	"exlink/pkg/core"
)

// PreProcessor rewrites a request before authentication. It must return a new
// descriptor rather than mutate the one it receives.
type PreProcessor interface {
	PreProcess(ctx context.Context, req *core.Request) (*core.Request, error)
}

type PreProcessorFunc func(ctx context.Context, req *core.Request) (*core.Request, error)

func (f PreProcessorFunc) PreProcess(ctx context.Context, req *core.Request) (*core.Request, error) {
	return f(ctx, req)
}

// PostProcessor sees every response before it is classified.
type PostProcessor interface {
	PostProcess(ctx context.Context, req *core.Request, resp *Response) (*Response, error)
}

type PostProcessorFunc func(ctx context.Context, req *core.Request, resp *Response) (*Response, error)

func (f PostProcessorFunc) PostProcess(ctx context.Context, req *core.Request, resp *Response) (*Response, error) {
	return f(ctx, req, resp)
}

// HeaderInjector adds headers the request does not already carry.
func HeaderInjector(headers map[string]string) PreProcessor {
	return PreProcessorFunc(func(ctx context.Context, req *core.Request) (*core.Request, error) {
		out := req
		for k, v := range headers {
			if _, set := req.Headers[k]; set {
				continue
			}
			out = out.WithHeader(k, v)
		}
		return out, nil
	})
}

// BaseURL prefixes relative request URLs.
func BaseURL(base string) PreProcessor {
	return PreProcessorFunc(func(ctx context.Context, req *core.Request) (*core.Request, error) {
		if len(req.URL) > 0 && req.URL[0] == '/' {
			c := req.Clone()
			c.URL = base + req.URL
			return c, nil
		}
		return req, nil
	})
}
