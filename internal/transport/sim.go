package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSimulatedFailure is the transient error the simulated transport
// injects. Callers treat it like any other transport failure.
var ErrSimulatedFailure = errors.New("simulated transport failure")

// SimTransport is an in-process Transport with configurable latency and
// failure injection. It stands in for the real backend in tests and in
// offline development.
type SimTransport struct {
	mu       sync.Mutex
	latency  time.Duration
	failNext int  // fail this many upcoming calls
	failAll  bool // fail every call until cleared

	calls    int
	accepted map[string]*BatchItem // last accepted item per core id
}

// NewSimTransport creates a simulated transport with the given per-call
// latency.
func NewSimTransport(latency time.Duration) *SimTransport {
	return &SimTransport{
		latency:  latency,
		accepted: make(map[string]*BatchItem),
	}
}

// FailNext makes the next n Push calls fail with ErrSimulatedFailure.
func (t *SimTransport) FailNext(n int) {
	t.mu.Lock()
	t.failNext = n
	t.mu.Unlock()
}

// SetOffline makes every Push fail until called with false.
func (t *SimTransport) SetOffline(offline bool) {
	t.mu.Lock()
	t.failAll = offline
	t.mu.Unlock()
}

// Calls returns how many Push calls were made.
func (t *SimTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Accepted returns the last accepted item for a core id, if any.
func (t *SimTransport) Accepted(coreID string) (*BatchItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.accepted[coreID]
	return item, ok
}

// Push implements Transport.
func (t *SimTransport) Push(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	t.mu.Lock()
	t.calls++
	fail := t.failAll
	if !fail && t.failNext > 0 {
		t.failNext--
		fail = true
	}
	latency := t.latency
	t.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return BatchResponse{}, ctx.Err()
		}
	}

	if fail {
		return BatchResponse{}, ErrSimulatedFailure
	}

	resp := BatchResponse{SchemaVersion: BatchSchemaVersion}
	t.mu.Lock()
	for i := range req.Items {
		item := req.Items[i]
		t.accepted[item.CoreID] = &item
		resp.Accepted = append(resp.Accepted, item.CoreID)
	}
	t.mu.Unlock()

	return resp, nil
}
