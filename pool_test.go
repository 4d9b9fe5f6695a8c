package parcall

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubAdapter struct {
	mu      sync.Mutex
	created []*stubHandle
	fail    bool
}

func (a *stubAdapter) Create(ctx context.Context) (WorkerHandle, error) {
	if a.fail {
		return nil, errors.New("create failed")
	}
	h := &stubHandle{}
	a.mu.Lock()
	a.created = append(a.created, h)
	a.mu.Unlock()
	return h, nil
}

func (a *stubAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.created)
}

type stubHandle struct {
	mu         sync.Mutex
	cb         func(*Pack)
	exitCb     func(error)
	posted     []*Pack
	terminated bool
}

func (h *stubHandle) Post(p *Pack) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		return ErrWorkerStopped
	}
	h.posted = append(h.posted, p)
	return nil
}

func (h *stubHandle) OnMessage(cb func(p *Pack)) {
	h.mu.Lock()
	h.cb = cb
	h.mu.Unlock()
}

func (h *stubHandle) OnExit(cb func(err error)) {
	h.mu.Lock()
	h.exitCb = cb
	h.mu.Unlock()
}

func (h *stubHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	return nil
}

func (h *stubHandle) exit(err error) {
	h.mu.Lock()
	cb := h.exitCb
	h.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (h *stubHandle) isTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func newTestPool(adapter *stubAdapter, max int, idle time.Duration) *workerPool {
	pool := newWorkerPool(adapter, max, idle, time.Minute, &logger{})
	pool.onMessage = func(workerID string, p *Pack) {}
	return pool
}

func TestPoolReusesIdleWorker(t *testing.T) {
	adapter := &stubAdapter{}
	pool := newTestPool(adapter, 4, time.Minute)
	defer pool.close()

	rec1, err := pool.acquire(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	rec2, err := pool.acquire(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if rec1.id != rec2.id {
		t.Fatalf("expected idle worker to be reused, got %s and %s", rec1.id, rec2.id)
	}
	if adapter.count() != 1 {
		t.Fatalf("expected 1 worker created, got %d", adapter.count())
	}
}

func TestPoolRespectsMaxWorkers(t *testing.T) {
	adapter := &stubAdapter{}
	pool := newTestPool(adapter, 2, time.Minute)
	defer pool.close()

	rec1, err := pool.acquire(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	rec1.addPending(1)

	rec2, err := pool.acquire(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if rec2.id == rec1.id {
		t.Fatal("expected a second worker while the first is busy")
	}
	rec2.addPending(2)

	// 池已饱和，后续任务共享繁忙 worker
	rec3, err := pool.acquire(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if rec3.id != rec1.id && rec3.id != rec2.id {
		t.Fatal("saturated pool must route to an existing worker")
	}
	if pool.size() != 2 {
		t.Fatalf("pool size = %d, want 2", pool.size())
	}
	if adapter.count() != 2 {
		t.Fatalf("expected 2 workers created, got %d", adapter.count())
	}
}

func TestPoolPinned(t *testing.T) {
	adapter := &stubAdapter{}
	pool := newTestPool(adapter, 2, time.Minute)
	defer pool.close()

	rec, err := pool.acquire(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}

	got, err := pool.pinned(rec.id)
	if err != nil {
		t.Fatal(err)
	}
	if got.id != rec.id {
		t.Fatalf("pinned returned %s, want %s", got.id, rec.id)
	}

	if _, err := pool.pinned("worker-nope"); err != ErrWorkerGone {
		t.Fatalf("pinned unknown worker: %v, want ErrWorkerGone", err)
	}
}

func TestPoolReapsIdleWorkers(t *testing.T) {
	adapter := &stubAdapter{}
	pool := newTestPool(adapter, 2, time.Second)
	defer pool.close()

	rec, err := pool.acquire(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	atomic.StoreInt64(&rec.usedAt, time.Now().Add(-time.Minute).Unix())

	if n := pool.reapIdleWorkers(); n != 1 {
		t.Fatalf("reaped %d workers, want 1", n)
	}
	if pool.size() != 0 {
		t.Fatalf("pool size = %d after reap, want 0", pool.size())
	}
	if !adapter.created[0].isTerminated() {
		t.Fatal("reaped worker was not terminated")
	}
}

func TestPoolSkipsBusyWorkerOnReap(t *testing.T) {
	adapter := &stubAdapter{}
	pool := newTestPool(adapter, 2, time.Second)
	defer pool.close()

	rec, err := pool.acquire(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	rec.addPending(1)
	atomic.StoreInt64(&rec.usedAt, time.Now().Add(-time.Minute).Unix())

	if n := pool.reapIdleWorkers(); n != 0 {
		t.Fatalf("reaped %d workers, want 0", n)
	}
	if pool.size() != 1 {
		t.Fatalf("pool size = %d, want 1", pool.size())
	}
}

func TestPoolEvictsExitedWorker(t *testing.T) {
	adapter := &stubAdapter{}
	pool := newTestPool(adapter, 2, time.Minute)
	defer pool.close()

	var failed *workerRecord
	var failedErr error
	var mu sync.Mutex
	pool.onFailure = func(rec *workerRecord, err error) {
		mu.Lock()
		failed, failedErr = rec, err
		mu.Unlock()
	}

	rec, err := pool.acquire(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	rec.addPending(1)

	cause := errors.New("process crashed")
	adapter.created[0].exit(cause)

	if pool.size() != 0 {
		t.Fatalf("pool size = %d after exit, want 0", pool.size())
	}
	mu.Lock()
	defer mu.Unlock()
	if failed == nil || failed.id != rec.id {
		t.Fatal("onFailure was not invoked for the exited worker")
	}
	if failedErr != cause {
		t.Fatalf("onFailure err = %v, want %v", failedErr, cause)
	}
}

func TestPoolCreateFailure(t *testing.T) {
	adapter := &stubAdapter{fail: true}
	pool := newTestPool(adapter, 2, time.Minute)
	defer pool.close()

	if _, err := pool.acquire(context.Background(), 1); err == nil {
		t.Fatal("expected acquire to fail")
	}
	if pool.size() != 0 {
		t.Fatalf("failed worker left in pool, size = %d", pool.size())
	}
}

func TestPoolClose(t *testing.T) {
	adapter := &stubAdapter{}
	pool := newTestPool(adapter, 2, time.Minute)

	if _, err := pool.acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	pool.close()
	if !adapter.created[0].isTerminated() {
		t.Fatal("close did not terminate workers")
	}
	if _, err := pool.acquire(context.Background(), 2); err != ErrClosed {
		t.Fatalf("acquire after close: %v, want ErrClosed", err)
	}
}

func TestRemovePendingOnce(t *testing.T) {
	rec := newWorkerRecord()
	rec.addPending(7)
	if !rec.removePending(7) {
		t.Fatal("first removePending must return true")
	}
	if rec.removePending(7) {
		t.Fatal("second removePending must return false")
	}
}
