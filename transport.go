package orkestra

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Transport executes exactly one physical call for a fully resolved
// descriptor, honoring cancellation via the supplied context. A non-nil error
// is always a *ClientError classified at this boundary; layers above treat
// the classification as final.
type Transport interface {
	Send(ctx context.Context, d *RequestDescriptor) (*Response, error)
}

// The response body is buffered in full so it can be cached, demultiplexed
// and replayed to joined callers.
const maxResponseBytes = 10 * 1024 * 1024

type httpTransport struct {
	client *http.Client
}

func newHTTPTransport(client *http.Client) *httpTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &httpTransport{client: client}
}

func (t *httpTransport) Send(ctx context.Context, d *RequestDescriptor) (*Response, error) {
	var bodyReader io.Reader
	if len(d.Body) > 0 {
		bodyReader = bytes.NewReader(d.Body)
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, d.FullURL(), bodyReader)
	if err != nil {
		return nil, &ClientError{
			Type:    ErrorTypeConfiguration,
			Message: "building request failed",
			Cause:   err,
			Method:  d.Method,
			URL:     d.URL,
		}
	}
	for k, vs := range d.Header {
		req.Header[k] = vs
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyNetworkError(err, d)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyNetworkError(err, d)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
	if cerr := classifyStatus(out, d); cerr != nil {
		return nil, cerr
	}
	return out, nil
}

// classifyNetworkError maps transport level failures. Timeouts (including a
// fired request deadline) count as transient-network; caller cancellation is
// surfaced unclassified so it is never retried.
func classifyNetworkError(err error, d *RequestDescriptor) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return &ClientError{
		Type:      ErrorTypeNetwork,
		Message:   "network request failed",
		Cause:     err,
		Method:    d.Method,
		URL:       d.URL,
		Timestamp: time.Now(),
	}
}

// classifyStatus maps a received status line to the error taxonomy. 2xx/3xx
// is success; 5xx is transient-server; 429 is rate limiting with an optional
// server hint; any other 4xx is a non-retryable client error.
func classifyStatus(resp *Response, d *RequestDescriptor) *ClientError {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ClientError{
			Type:       ErrorTypeRateLimit,
			Message:    "rate limited by server",
			Method:     d.Method,
			URL:        d.URL,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Timestamp:  time.Now(),
		}
	case resp.StatusCode >= 500:
		return &ClientError{
			Type:       ErrorTypeServer,
			Message:    "server error " + strconv.Itoa(resp.StatusCode),
			Method:     d.Method,
			URL:        d.URL,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Timestamp:  time.Now(),
		}
	default:
		return &ClientError{
			Type:       ErrorTypeClient,
			Message:    "client error " + strconv.Itoa(resp.StatusCode),
			Method:     d.Method,
			URL:        d.URL,
			StatusCode: resp.StatusCode,
			Timestamp:  time.Now(),
		}
	}
}

// parseRetryAfter parses a Retry-After header value in either delay-seconds
// or HTTP-date form. The result is capped at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
