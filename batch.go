package orkestra

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// batchSubRequest is one logical request inside a batched physical call.
type batchSubRequest struct {
	ID      string          `json:"id"`
	Address string          `json:"address"`
	Verb    string          `json:"verb"`
	Headers http.Header     `json:"headers,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// batchSubResult is the per-sub-request outcome in the batched response,
// keyed by correlation id.
type batchSubResult struct {
	ID     string          `json:"id"`
	Status int             `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type batchOutcome struct {
	resp *Response
	err  error
}

type batchItem struct {
	id string
	d  *RequestDescriptor
	ch chan batchOutcome
}

// batchWindow accumulates sub-requests for one batch key until its delay
// timer fires or the size cap is reached. A sealed window admits nothing.
type batchWindow struct {
	key      string
	batchURL string
	priority Priority
	openedAt time.Time
	items    []*batchItem
	timer    *time.Timer
	sealed   bool
}

// batchCoordinator merges logically distinct requests addressed to the same
// merge endpoint into one physical call per sealed window and fans the
// combined response back out by correlation id.
type batchCoordinator struct {
	mu      sync.Mutex
	windows map[string]*batchWindow
	delay   time.Duration
	maxSize int

	// submit issues the sealed window's single physical call through the
	// scheduler/transport pipeline.
	submit   func(ctx context.Context, d *RequestDescriptor) (*Response, error)
	onSealed func(batchURL string, size int)
}

func newBatchCoordinator(delay time.Duration, maxSize int, submit func(context.Context, *RequestDescriptor) (*Response, error)) *batchCoordinator {
	return &batchCoordinator{
		windows: make(map[string]*batchWindow),
		delay:   delay,
		maxSize: maxSize,
		submit:  submit,
	}
}

// enqueue joins or opens the window for the descriptor's batch key and waits
// for this sub-request's resolution. Caller cancellation abandons the wait
// without disturbing the window; the sub-request's slot in the physical call
// is already committed.
func (c *batchCoordinator) enqueue(ctx context.Context, d *RequestDescriptor) (*Response, error) {
	item := &batchItem{
		id: uuid.NewString(),
		d:  d,
		ch: make(chan batchOutcome, 1),
	}
	key := d.BatchURL + "|" + d.Priority.String()

	c.mu.Lock()
	w := c.windows[key]
	if w == nil || w.sealed {
		w = &batchWindow{
			key:      key,
			batchURL: d.BatchURL,
			priority: d.Priority,
			openedAt: time.Now(),
		}
		c.windows[key] = w
		w.timer = time.AfterFunc(c.delay, func() { c.sealByTimer(key, w) })
	}
	w.items = append(w.items, item)
	if len(w.items) >= c.maxSize {
		c.sealLocked(w)
	}
	c.mu.Unlock()

	select {
	case out := <-item.ch:
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *batchCoordinator) sealByTimer(key string, w *batchWindow) {
	c.mu.Lock()
	if w.sealed {
		c.mu.Unlock()
		return
	}
	c.sealLocked(w)
	c.mu.Unlock()
}

// sealLocked closes the window to admissions and hands it to flush. Exactly
// one physical call is issued per sealed window.
func (c *batchCoordinator) sealLocked(w *batchWindow) {
	w.sealed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if c.windows[w.key] == w {
		delete(c.windows, w.key)
	}
	if c.onSealed != nil {
		c.onSealed(w.batchURL, len(w.items))
	}
	go c.flush(w)
}

func (c *batchCoordinator) flush(w *batchWindow) {
	payload, err := encodeBatchPayload(w.items)
	if err != nil {
		c.failAll(w, &ClientError{
			Type:      ErrorTypeProtocolMismatch,
			Message:   "encoding batch payload failed",
			Cause:     err,
			URL:       w.batchURL,
			Timestamp: time.Now(),
		})
		return
	}

	bd := &RequestDescriptor{
		Method:    http.MethodPost,
		URL:       w.batchURL,
		Header:    http.Header{"Content-Type": []string{"application/json"}},
		Body:      payload,
		Priority:  w.priority,
		SkipCache: true,
		SkipBatch: true,
	}

	// The window is already sealed; the originating callers may be gone, so
	// the physical call runs detached.
	resp, err := c.submit(context.Background(), bd)
	if err != nil {
		// Batching trades fault isolation for call volume: a transport level
		// failure fails every sub-request in the window with the same error.
		c.failAll(w, err)
		return
	}

	c.demux(w, resp)
}

func encodeBatchPayload(items []*batchItem) ([]byte, error) {
	subs := make([]batchSubRequest, 0, len(items))
	for _, item := range items {
		sub := batchSubRequest{
			ID:      item.id,
			Address: item.d.FullURL(),
			Verb:    item.d.Method,
			Headers: item.d.Header,
		}
		if len(item.d.Body) > 0 {
			if json.Valid(item.d.Body) {
				sub.Body = json.RawMessage(item.d.Body)
			} else {
				raw, err := json.Marshal(string(item.d.Body))
				if err != nil {
					return nil, err
				}
				sub.Body = raw
			}
		}
		subs = append(subs, sub)
	}
	return json.Marshal(subs)
}

// demux resolves each sub-request from the combined response. A sub-request
// whose correlation id is absent fails with a ProtocolMismatch: the server
// violated the batch contract by omitting it.
func (c *batchCoordinator) demux(w *batchWindow, resp *Response) {
	var results []batchSubResult
	if err := json.Unmarshal(resp.Body, &results); err != nil {
		c.failAll(w, &ClientError{
			Type:       ErrorTypeProtocolMismatch,
			Message:    "batch response is not a result list",
			Cause:      err,
			URL:        w.batchURL,
			StatusCode: resp.StatusCode,
			Timestamp:  time.Now(),
		})
		return
	}

	byID := make(map[string]*batchSubResult, len(results))
	for i := range results {
		byID[results[i].ID] = &results[i]
	}

	for _, item := range w.items {
		r, ok := byID[item.id]
		if !ok {
			item.ch <- batchOutcome{err: &ClientError{
				Type:      ErrorTypeProtocolMismatch,
				Message:   "server omitted sub-request " + item.id,
				Method:    item.d.Method,
				URL:       item.d.URL,
				Timestamp: time.Now(),
			}}
			continue
		}
		if r.Error != "" || r.Status >= 400 {
			item.ch <- batchOutcome{err: subResultError(r, item.d)}
			continue
		}
		status := r.Status
		if status == 0 {
			status = http.StatusOK
		}
		item.ch <- batchOutcome{resp: &Response{
			StatusCode: status,
			Header:     resp.Header,
			Body:       []byte(r.Data),
		}}
	}
}

// subResultError classifies a per-sub-request failure reported inside an
// otherwise successful batch response, whether flagged by an error string or
// by a failure status alone. Partial failure is surfaced per sub-request,
// never swallowed.
func subResultError(r *batchSubResult, d *RequestDescriptor) *ClientError {
	errType := ErrorTypeServer
	switch {
	case r.Status == http.StatusTooManyRequests:
		errType = ErrorTypeRateLimit
	case r.Status >= 400 && r.Status < 500:
		errType = ErrorTypeClient
	}
	msg := r.Error
	if msg == "" {
		msg = "sub-request failed with status " + http.StatusText(r.Status)
	}
	return &ClientError{
		Type:       errType,
		Message:    msg,
		Method:     d.Method,
		URL:        d.URL,
		StatusCode: r.Status,
		Timestamp:  time.Now(),
	}
}

func (c *batchCoordinator) failAll(w *batchWindow, err error) {
	for _, item := range w.items {
		item.ch <- batchOutcome{err: err}
	}
}

// flushAll seals every open window immediately. Used on client shutdown.
func (c *batchCoordinator) flushAll() {
	c.mu.Lock()
	for _, w := range c.windows {
		if !w.sealed {
			c.sealLocked(w)
		}
	}
	c.mu.Unlock()
}
