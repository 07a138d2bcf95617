package orkestra

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Priority orders competing requests in the scheduler queue. Within a tier
// entries are admitted in arrival order.
type Priority int

// The zero value is PriorityNormal so an unset RequestOptions field does
// not demote a request.
const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// RequestOptions carries the per-request knobs recognized by the facade
// methods. The zero value means "use the client defaults".
type RequestOptions struct {
	Priority    Priority
	TTL         time.Duration
	SkipCache   bool
	SkipBatch   bool
	SkipRetry   bool
	MaxAttempts int
	Timeout     time.Duration
	BatchURL    string
}

// RequestDescriptor is a fully resolved logical request. It is treated as
// immutable once admitted to the scheduler; interceptors operate on a clone.
type RequestDescriptor struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	Query       url.Values
	Priority    Priority
	Timeout     time.Duration
	TTL         time.Duration
	MaxAttempts int
	SkipCache   bool
	SkipBatch   bool
	SkipRetry   bool
	BatchURL    string

	key string
}

// Key returns the canonical cache/dedup key: verb plus address plus the
// sorted-key encoding of the query parameters. Two logically identical
// requests always produce the same key regardless of parameter order.
func (d *RequestDescriptor) Key() string {
	if d.key != "" {
		return d.key
	}
	var b strings.Builder
	b.WriteString(d.Method)
	b.WriteByte(' ')
	b.WriteString(d.URL)
	if len(d.Query) > 0 {
		b.WriteByte('?')
		// url.Values.Encode sorts by key.
		b.WriteString(d.Query.Encode())
	}
	d.key = b.String()
	return d.key
}

// FullURL returns the address with the encoded query parameters appended.
func (d *RequestDescriptor) FullURL() string {
	if len(d.Query) == 0 {
		return d.URL
	}
	sep := "?"
	if strings.Contains(d.URL, "?") {
		sep = "&"
	}
	return d.URL + sep + d.Query.Encode()
}

// clone returns a copy safe for interceptors to mutate. The body slice is
// shared; interceptors replacing the body must assign a new slice.
func (d *RequestDescriptor) clone() *RequestDescriptor {
	out := *d
	out.Header = d.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if d.Query != nil {
		q := make(url.Values, len(d.Query))
		for k, vs := range d.Query {
			q[k] = append([]string(nil), vs...)
		}
		out.Query = q
	}
	return &out
}

// validate checks the descriptor is executable before it enters the pipeline.
func (d *RequestDescriptor) validate() *ClientError {
	if d.Method == "" {
		return &ClientError{Type: ErrorTypeConfiguration, Message: "request verb is empty"}
	}
	if d.URL == "" {
		return &ClientError{Type: ErrorTypeConfiguration, Message: "request address is empty"}
	}
	u, err := url.Parse(d.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ClientError{
			Type:    ErrorTypeConfiguration,
			Message: "request address is not resolvable: " + d.URL,
			Cause:   err,
		}
	}
	return nil
}

// Response is the settled outcome of a logical request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
	Attempts   []Attempt
}
