package orkestra

import (
	"context"
	"sync"
)

// RequestInterceptor transforms or rejects a descriptor before dispatch. A
// returned error fails the request with that error and skips the remaining
// chain. Interceptors re-run on every retry attempt, so they must be
// idempotent with respect to their side effects (an expired auth token gets
// refreshed on each attempt, not just the first).
type RequestInterceptor func(ctx context.Context, d *RequestDescriptor) (*RequestDescriptor, error)

// ResponseInterceptor transforms or rejects a settled response. Response
// interceptors run in the same registration order as request interceptors,
// not reversed.
type ResponseInterceptor func(ctx context.Context, resp *Response, d *RequestDescriptor) (*Response, error)

// interceptorChain is the ordered, mutable pipeline of request and response
// transforms.
type interceptorChain struct {
	mu    sync.RWMutex
	reqs  []RequestInterceptor
	resps []ResponseInterceptor
}

func newInterceptorChain() *interceptorChain {
	return &interceptorChain{}
}

func (c *interceptorChain) addRequest(i RequestInterceptor) {
	c.mu.Lock()
	c.reqs = append(c.reqs, i)
	c.mu.Unlock()
}

func (c *interceptorChain) addResponse(i ResponseInterceptor) {
	c.mu.Lock()
	c.resps = append(c.resps, i)
	c.mu.Unlock()
}

func (c *interceptorChain) runRequest(ctx context.Context, d *RequestDescriptor) (*RequestDescriptor, error) {
	c.mu.RLock()
	chain := c.reqs
	c.mu.RUnlock()

	var err error
	for _, interceptor := range chain {
		d, err = interceptor(ctx, d)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (c *interceptorChain) runResponse(ctx context.Context, resp *Response, d *RequestDescriptor) (*Response, error) {
	c.mu.RLock()
	chain := c.resps
	c.mu.RUnlock()

	var err error
	for _, interceptor := range chain {
		resp, err = interceptor(ctx, resp, d)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// HeaderInterceptor returns a request interceptor that sets a header from the
// supplied source on every attempt. Useful for auth tokens that may rotate
// between retries.
func HeaderInterceptor(name string, value func(ctx context.Context) (string, error)) RequestInterceptor {
	return func(ctx context.Context, d *RequestDescriptor) (*RequestDescriptor, error) {
		v, err := value(ctx)
		if err != nil {
			return nil, err
		}
		d.Header.Set(name, v)
		return d, nil
	}
}
