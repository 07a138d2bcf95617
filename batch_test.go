package orkestra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func batchDescriptor(i int) *RequestDescriptor {
	return &RequestDescriptor{
		Method:   http.MethodGet,
		URL:      fmt.Sprintf("http://example.test/item/%d", i),
		Header:   make(http.Header),
		Priority: PriorityNormal,
		BatchURL: "http://example.test/batch",
	}
}

// echoSubmit answers every sub-request with its own address.
func echoSubmit(calls *int64, sizes *[]int, mu *sync.Mutex) func(context.Context, *RequestDescriptor) (*Response, error) {
	return func(ctx context.Context, d *RequestDescriptor) (*Response, error) {
		atomic.AddInt64(calls, 1)
		var subs []batchSubRequest
		if err := json.Unmarshal(d.Body, &subs); err != nil {
			return nil, err
		}
		if mu != nil {
			mu.Lock()
			*sizes = append(*sizes, len(subs))
			mu.Unlock()
		}
		results := make([]batchSubResult, 0, len(subs))
		for _, sub := range subs {
			results = append(results, batchSubResult{
				ID:     sub.ID,
				Status: http.StatusOK,
				Data:   []byte(fmt.Sprintf("%q", sub.Address)),
			})
		}
		body, err := json.Marshal(results)
		if err != nil {
			return nil, err
		}
		return &Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: body}, nil
	}
}

func TestBatchSealsBySize(t *testing.T) {
	var calls int64
	var sizes []int
	var mu sync.Mutex
	c := newBatchCoordinator(200*time.Millisecond, 10, echoSubmit(&calls, &sizes, &mu))

	const n = 15
	var wg sync.WaitGroup
	errs := make([]error, n)
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.enqueue(context.Background(), batchDescriptor(i))
			errs[i] = err
			if resp != nil {
				bodies[i] = string(resp.Body)
			}
		}(i)
	}
	// The first window seals at the size cap, the second by its timer.
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("Expected 2 physical calls, got %d", got)
	}
	mu.Lock()
	if sizes[0] != 10 {
		t.Errorf("Expected first window sealed at 10, got %d", sizes[0])
	}
	if sizes[0]+sizes[1] != n {
		t.Errorf("Expected every sub-request flushed exactly once, got sizes %v", sizes)
	}
	mu.Unlock()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Sub-request %d failed: %v", i, errs[i])
		}
		want := fmt.Sprintf("%q", fmt.Sprintf("http://example.test/item/%d", i))
		if bodies[i] != want {
			t.Errorf("Sub-request %d: expected %s, got %s", i, want, bodies[i])
		}
	}
}

func TestBatchSealsByTimer(t *testing.T) {
	var calls int64
	c := newBatchCoordinator(30*time.Millisecond, 100, echoSubmit(&calls, nil, nil))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.enqueue(context.Background(), batchDescriptor(i)); err != nil {
				t.Errorf("enqueue() returned error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("Expected a single timer-sealed window, got %d calls", got)
	}
}

func TestBatchDistinctEndpointsGetDistinctWindows(t *testing.T) {
	var calls int64
	c := newBatchCoordinator(30*time.Millisecond, 100, echoSubmit(&calls, nil, nil))

	var wg sync.WaitGroup
	for i, batchURL := range []string{"http://example.test/batch-a", "http://example.test/batch-b"} {
		wg.Add(1)
		go func(i int, batchURL string) {
			defer wg.Done()
			d := batchDescriptor(i)
			d.BatchURL = batchURL
			if _, err := c.enqueue(context.Background(), d); err != nil {
				t.Errorf("enqueue() returned error: %v", err)
			}
		}(i, batchURL)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("Expected one window per endpoint, got %d calls", got)
	}
}

func TestBatchTransportFailureFailsWholeWindow(t *testing.T) {
	boom := &ClientError{Type: ErrorTypeNetwork, Message: "connection refused"}
	c := newBatchCoordinator(20*time.Millisecond, 100, func(ctx context.Context, d *RequestDescriptor) (*Response, error) {
		return nil, boom
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.enqueue(context.Background(), batchDescriptor(i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		var cerr *ClientError
		if !errors.As(err, &cerr) {
			t.Fatalf("Sub-request %d: expected *ClientError, got %v", i, err)
		}
		if cerr.Type != ErrorTypeNetwork {
			t.Errorf("Sub-request %d: expected type %s, got %s", i, ErrorTypeNetwork, cerr.Type)
		}
	}
}

func TestBatchOmittedCorrelationIDIsProtocolMismatch(t *testing.T) {
	// The server answers only the first sub-request it sees.
	c := newBatchCoordinator(20*time.Millisecond, 100, func(ctx context.Context, d *RequestDescriptor) (*Response, error) {
		var subs []batchSubRequest
		if err := json.Unmarshal(d.Body, &subs); err != nil {
			return nil, err
		}
		results := []batchSubResult{{ID: subs[0].ID, Status: http.StatusOK, Data: []byte(`"ok"`)}}
		body, _ := json.Marshal(results)
		return &Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: body}, nil
	})

	var wg sync.WaitGroup
	var mismatches, successes int64
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.enqueue(context.Background(), batchDescriptor(i))
			if err == nil {
				atomic.AddInt64(&successes, 1)
				return
			}
			var cerr *ClientError
			if errors.As(err, &cerr) && cerr.Type == ErrorTypeProtocolMismatch {
				atomic.AddInt64(&mismatches, 1)
			} else {
				t.Errorf("Sub-request %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected 1 answered sub-request, got %d", successes)
	}
	if mismatches != 2 {
		t.Errorf("Expected 2 protocol mismatches, got %d", mismatches)
	}
}

func TestBatchMalformedResponseFailsWindow(t *testing.T) {
	c := newBatchCoordinator(20*time.Millisecond, 100, func(ctx context.Context, d *RequestDescriptor) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: []byte(`{"not":"a list"}`)}, nil
	})

	_, err := c.enqueue(context.Background(), batchDescriptor(0))
	var cerr *ClientError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected *ClientError, got %v", err)
	}
	if cerr.Type != ErrorTypeProtocolMismatch {
		t.Errorf("Expected type %s, got %s", ErrorTypeProtocolMismatch, cerr.Type)
	}
}

func TestBatchPerSubRequestFailure(t *testing.T) {
	c := newBatchCoordinator(20*time.Millisecond, 100, func(ctx context.Context, d *RequestDescriptor) (*Response, error) {
		var subs []batchSubRequest
		if err := json.Unmarshal(d.Body, &subs); err != nil {
			return nil, err
		}
		results := make([]batchSubResult, 0, len(subs))
		for i, sub := range subs {
			if i == 0 {
				results = append(results, batchSubResult{ID: sub.ID, Status: http.StatusNotFound, Error: "no such item"})
			} else {
				results = append(results, batchSubResult{ID: sub.ID, Status: http.StatusOK, Data: []byte(`"ok"`)})
			}
		}
		body, _ := json.Marshal(results)
		return &Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: body}, nil
	})

	var wg sync.WaitGroup
	var clientErrs, oks int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.enqueue(context.Background(), batchDescriptor(i))
			if err != nil {
				var cerr *ClientError
				if errors.As(err, &cerr) && cerr.Type == ErrorTypeClient && cerr.StatusCode == http.StatusNotFound {
					atomic.AddInt64(&clientErrs, 1)
				} else {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if resp.StatusCode == http.StatusOK {
				atomic.AddInt64(&oks, 1)
			}
		}(i)
	}
	wg.Wait()

	if clientErrs != 1 || oks != 1 {
		t.Errorf("Expected 1 failure and 1 success, got %d failures and %d successes", clientErrs, oks)
	}
}

func TestBatchFailureStatusWithoutErrorStringIsRejected(t *testing.T) {
	// Some servers report sub-request failure through the status field alone.
	c := newBatchCoordinator(20*time.Millisecond, 100, func(ctx context.Context, d *RequestDescriptor) (*Response, error) {
		var subs []batchSubRequest
		if err := json.Unmarshal(d.Body, &subs); err != nil {
			return nil, err
		}
		results := []batchSubResult{{ID: subs[0].ID, Status: http.StatusInternalServerError}}
		body, _ := json.Marshal(results)
		return &Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: body}, nil
	})

	resp, err := c.enqueue(context.Background(), batchDescriptor(0))
	if err == nil {
		t.Fatalf("Expected an error, got response with status %d", resp.StatusCode)
	}
	var cerr *ClientError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected *ClientError, got %v", err)
	}
	if cerr.Type != ErrorTypeServer {
		t.Errorf("Expected type %s, got %s", ErrorTypeServer, cerr.Type)
	}
	if cerr.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", cerr.StatusCode)
	}
	if cerr.Message == "" {
		t.Error("Expected a message describing the failure")
	}
}

func TestBatchCallerCancellationAbandonsWait(t *testing.T) {
	c := newBatchCoordinator(time.Hour, 100, func(ctx context.Context, d *RequestDescriptor) (*Response, error) {
		return nil, fmt.Errorf("unreached")
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.enqueue(ctx, batchDescriptor(0))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestBatchSealReportsWindowEndpoint(t *testing.T) {
	var calls int64
	c := newBatchCoordinator(20*time.Millisecond, 100, echoSubmit(&calls, nil, nil))

	var mu sync.Mutex
	sealed := make(map[string]int)
	c.onSealed = func(batchURL string, size int) {
		mu.Lock()
		sealed[batchURL] = size
		mu.Unlock()
	}

	d := batchDescriptor(0)
	d.BatchURL = "http://example.test/batch-x"
	if _, err := c.enqueue(context.Background(), d); err != nil {
		t.Fatalf("enqueue() returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if sealed["http://example.test/batch-x"] != 1 {
		t.Errorf("Expected the seal callback to carry the window's endpoint, got %v", sealed)
	}
}

func TestBatchFlushAllOnShutdown(t *testing.T) {
	var calls int64
	c := newBatchCoordinator(time.Hour, 100, echoSubmit(&calls, nil, nil))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.enqueue(context.Background(), batchDescriptor(i)); err != nil {
				t.Errorf("enqueue() returned error: %v", err)
			}
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	c.flushAll()
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("Expected one flushed window on shutdown, got %d", got)
	}
}

func TestBatchPayloadShape(t *testing.T) {
	var captured []byte
	c := newBatchCoordinator(20*time.Millisecond, 100, func(ctx context.Context, d *RequestDescriptor) (*Response, error) {
		captured = d.Body
		if d.Method != http.MethodPost {
			t.Errorf("Expected POST to the merge endpoint, got %s", d.Method)
		}
		if !d.SkipBatch || !d.SkipCache {
			t.Error("The merged call must bypass batching and caching")
		}
		var subs []batchSubRequest
		if err := json.Unmarshal(d.Body, &subs); err != nil {
			return nil, err
		}
		results := []batchSubResult{{ID: subs[0].ID, Status: http.StatusOK}}
		body, _ := json.Marshal(results)
		return &Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: body}, nil
	})

	d := batchDescriptor(0)
	d.Header.Set("X-Tenant", "acme")
	if _, err := c.enqueue(context.Background(), d); err != nil {
		t.Fatalf("enqueue() returned error: %v", err)
	}

	var subs []batchSubRequest
	if err := json.Unmarshal(captured, &subs); err != nil {
		t.Fatalf("Payload is not a sub-request list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("Expected 1 sub-request, got %d", len(subs))
	}
	if subs[0].ID == "" {
		t.Error("Expected a correlation id")
	}
	if subs[0].Verb != http.MethodGet {
		t.Errorf("Expected verb GET, got %s", subs[0].Verb)
	}
	if subs[0].Address != "http://example.test/item/0" {
		t.Errorf("Unexpected address %s", subs[0].Address)
	}
	if subs[0].Headers.Get("X-Tenant") != "acme" {
		t.Error("Expected sub-request headers preserved")
	}
}
