package orkestra

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testDescriptor(method, url string) *RequestDescriptor {
	return &RequestDescriptor{Method: method, URL: url, Header: make(http.Header)}
}

func TestTransportSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Version", "7")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("hello")); err != nil {
			t.Fatalf("Failed to write response: %v", err)
		}
	}))
	defer server.Close()

	tr := newHTTPTransport(nil)
	resp, err := tr.Send(context.Background(), testDescriptor(http.MethodGet, server.URL))
	if err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "hello" {
		t.Errorf("Expected body 'hello', got %q", string(resp.Body))
	}
	if resp.Header.Get("X-Version") != "7" {
		t.Error("Expected response headers preserved")
	}
}

func TestTransportClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		headers    map[string]string
		wantType   string
		wantHint   time.Duration
		wantNilErr bool
	}{
		{name: "200 is success", status: http.StatusOK, wantNilErr: true},
		{name: "304 is success", status: http.StatusNotModified, wantNilErr: true},
		{name: "404 is client", status: http.StatusNotFound, wantType: ErrorTypeClient},
		{name: "400 is client", status: http.StatusBadRequest, wantType: ErrorTypeClient},
		{name: "500 is server", status: http.StatusInternalServerError, wantType: ErrorTypeServer},
		{name: "503 is server", status: http.StatusServiceUnavailable, wantType: ErrorTypeServer},
		{
			name:     "503 carries retry hint",
			status:   http.StatusServiceUnavailable,
			headers:  map[string]string{"Retry-After": "2"},
			wantType: ErrorTypeServer,
			wantHint: 2 * time.Second,
		},
		{name: "429 is rate limit", status: http.StatusTooManyRequests, wantType: ErrorTypeRateLimit},
		{
			name:     "429 carries retry hint",
			status:   http.StatusTooManyRequests,
			headers:  map[string]string{"Retry-After": "3"},
			wantType: ErrorTypeRateLimit,
			wantHint: 3 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			tr := newHTTPTransport(nil)
			_, err := tr.Send(context.Background(), testDescriptor(http.MethodGet, server.URL))
			if tt.wantNilErr {
				if err != nil {
					t.Fatalf("Expected success, got %v", err)
				}
				return
			}
			var cerr *ClientError
			if !errors.As(err, &cerr) {
				t.Fatalf("Expected *ClientError, got %v", err)
			}
			if cerr.Type != tt.wantType {
				t.Errorf("Expected type %s, got %s", tt.wantType, cerr.Type)
			}
			if cerr.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, cerr.StatusCode)
			}
			if cerr.RetryAfter != tt.wantHint {
				t.Errorf("Expected hint %v, got %v", tt.wantHint, cerr.RetryAfter)
			}
		})
	}
}

func TestTransportConnectionFailureIsNetwork(t *testing.T) {
	tr := newHTTPTransport(nil)
	_, err := tr.Send(context.Background(), testDescriptor(http.MethodGet, "http://127.0.0.1:1"))
	var cerr *ClientError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected *ClientError, got %v", err)
	}
	if cerr.Type != ErrorTypeNetwork {
		t.Errorf("Expected type %s, got %s", ErrorTypeNetwork, cerr.Type)
	}
}

func TestTransportTimeoutIsNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	tr := newHTTPTransport(nil)
	_, err := tr.Send(ctx, testDescriptor(http.MethodGet, server.URL))
	var cerr *ClientError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected *ClientError, got %v", err)
	}
	if cerr.Type != ErrorTypeNetwork {
		t.Errorf("Expected a deadline to classify as %s, got %s", ErrorTypeNetwork, cerr.Type)
	}
}

func TestTransportCancellationPassesThrough(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	tr := newHTTPTransport(nil)
	_, err := tr.Send(ctx, testDescriptor(http.MethodGet, server.URL))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected unclassified context.Canceled, got %v", err)
	}
	var cerr *ClientError
	if errors.As(err, &cerr) {
		t.Error("Caller cancellation must not be classified")
	}
}

func TestTransportSendsHeadersAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Tenant") != "acme" {
			t.Errorf("Expected X-Tenant header, got %q", r.Header.Get("X-Tenant"))
		}
		buf := new(strings.Builder)
		if _, err := io.Copy(buf, r.Body); err != nil {
			t.Fatalf("Reading request body failed: %v", err)
		}
		if buf.String() != `{"a":1}` {
			t.Errorf("Expected request body forwarded, got %q", buf.String())
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := testDescriptor(http.MethodPost, server.URL)
	d.Header.Set("X-Tenant", "acme")
	d.Body = []byte(`{"a":1}`)

	tr := newHTTPTransport(nil)
	if _, err := tr.Send(context.Background(), d); err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"-5", 0},
		{"5", 5 * time.Second},
		{"120", 2 * time.Minute},
		{"7200", time.Hour}, // capped
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}

	httpDate := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(httpDate)
	if got <= 0 || got > 31*time.Second {
		t.Errorf("parseRetryAfter(HTTP-date) = %v, expected roughly 30s", got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past); got != 0 {
		t.Errorf("parseRetryAfter(past date) = %v, want 0", got)
	}
}
