package parcall

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// workerPool 管理 worker 的创建、复用、钉定路由和空闲回收。
// 	选择算法：优先复用空闲 worker；没有空闲且未达上限则新建；
// 	池饱和后按 taskID 取模共享繁忙 worker（有意的卸载策略，不排队）。
type workerPool struct {
	adapter       LifecycleAdapter
	logger        Logger
	maxWorkers    int
	idleTimeout   time.Duration
	sweepInterval time.Duration

	// worker 发来消息/异常退出时的上行回调（由 Response Router 提供）
	onMessage func(workerID string, p *Pack)
	onFailure func(rec *workerRecord, err error)

	workers []*workerRecord
	byID    map[string]*workerRecord
	mutex   sync.Mutex

	_closed  uint32
	closedCh chan struct{}
}

func newWorkerPool(adapter LifecycleAdapter, maxWorkers int, idleTimeout, sweepInterval time.Duration, logger Logger) *workerPool {
	pool := &workerPool{
		adapter:       adapter,
		logger:        logger,
		maxWorkers:    maxWorkers,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		byID:          make(map[string]*workerRecord),
		closedCh:      make(chan struct{}),
	}

	go func() {
		tick := time.NewTicker(pool.sweepInterval)
		defer tick.Stop()

		for {
			select {
			case <-pool.closedCh:
				return
			case <-tick.C:
				if pool.isClosed() {
					return
				}
				pool.reapIdleWorkers()
			}
		}
	}()
	return pool
}

// acquire 为任务选择一个 worker
func (pool *workerPool) acquire(ctx context.Context, taskID uint64) (*workerRecord, error) {
	if pool.isClosed() {
		return nil, ErrClosed
	}

	pool.mutex.Lock()
	// 1) 复用空闲 worker
	for _, rec := range pool.workers {
		if rec.State() == workerReady && rec.pendingLen() == 0 {
			pool.mutex.Unlock()
			rec.SetUsedAt()
			return rec, nil
		}
	}

	// 2) 未达上限则新建（占位后在锁外等待就绪）
	if len(pool.workers) < pool.maxWorkers {
		rec := newWorkerRecord()
		pool.workers = append(pool.workers, rec)
		pool.byID[rec.id] = rec
		pool.mutex.Unlock()
		if err := pool.startWorker(ctx, rec); err != nil {
			pool.remove(rec)
			return nil, err
		}
		rec.SetUsedAt()
		return rec, nil
	}

	// 3) 池饱和：按 taskID 取模共享，繁忙 worker 上可能挂多个任务
	rec := pool.workers[int(taskID%uint64(len(pool.workers)))]
	pool.mutex.Unlock()

	if err := rec.awaitReady(ctx); err != nil {
		return nil, err
	}
	rec.SetUsedAt()
	return rec, nil
}

// pinned 钉定路由：直接取指定 worker，不存在则报错
func (pool *workerPool) pinned(workerID string) (*workerRecord, error) {
	if pool.isClosed() {
		return nil, ErrClosed
	}

	pool.mutex.Lock()
	rec, ok := pool.byID[workerID]
	pool.mutex.Unlock()
	if !ok || rec.State() == workerTerminating {
		return nil, ErrWorkerGone
	}
	rec.SetUsedAt()
	return rec, nil
}

// startWorker 创建底层 worker 并接线上行回调
func (pool *workerPool) startWorker(ctx context.Context, rec *workerRecord) error {
	handle, err := pool.adapter.Create(ctx)
	if err != nil {
		atomic.StoreInt32(&rec.state, workerTerminating)
		close(rec.readyc)
		return err
	}

	rec.handle = handle
	handle.OnMessage(func(p *Pack) {
		rec.SetUsedAt()
		pool.onMessage(rec.id, p)
	})
	handle.OnExit(func(err error) {
		pool.handleExit(rec, err)
	})
	atomic.StoreInt32(&rec.state, workerReady)
	close(rec.readyc)
	return nil
}

// handleExit worker 意外退出：立刻驱逐，不等下一轮回收扫描
func (pool *workerPool) handleExit(rec *workerRecord, err error) {
	if atomic.LoadInt32(&rec.state) == workerTerminating {
		return // 主动终止的正常退出
	}
	atomic.StoreInt32(&rec.state, workerTerminating)
	pool.remove(rec)
	pool.logger.Warnf("parcall: worker %s exited: %v", rec.id, err)
	if pool.onFailure != nil {
		pool.onFailure(rec, err)
	}
}

func (pool *workerPool) remove(rec *workerRecord) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	delete(pool.byID, rec.id)
	for i, r := range pool.workers {
		if r.id == rec.id {
			pool.workers[i] = pool.workers[len(pool.workers)-1]
			pool.workers[len(pool.workers)-1] = nil
			pool.workers = pool.workers[:len(pool.workers)-1]
			return
		}
	}
}

// reapIdleWorkers 回收空闲超过阈值的 worker
func (pool *workerPool) reapIdleWorkers() int {
	now := time.Now()

	pool.mutex.Lock()
	var stale []*workerRecord
	for _, rec := range pool.workers {
		if rec.State() != workerReady {
			continue
		}
		if rec.pendingLen() == 0 && now.Sub(rec.UsedAt()) >= pool.idleTimeout {
			atomic.StoreInt32(&rec.state, workerTerminating)
			stale = append(stale, rec)
		}
	}
	pool.mutex.Unlock()

	for _, rec := range stale {
		pool.remove(rec)
		if err := rec.handle.Terminate(); err != nil {
			pool.logger.Warnf("parcall: terminate idle worker %s: %v", rec.id, err)
		}
	}
	return len(stale)
}

func (pool *workerPool) lookup(workerID string) (*workerRecord, bool) {
	pool.mutex.Lock()
	rec, ok := pool.byID[workerID]
	pool.mutex.Unlock()
	return rec, ok
}

func (pool *workerPool) size() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	return len(pool.workers)
}

func (pool *workerPool) isClosed() bool {
	return atomic.LoadUint32(&pool._closed) == 1
}

func (pool *workerPool) close() {
	if !atomic.CompareAndSwapUint32(&pool._closed, 0, 1) {
		return
	}
	close(pool.closedCh)

	pool.mutex.Lock()
	workers := pool.workers
	pool.workers = nil
	pool.byID = make(map[string]*workerRecord)
	pool.mutex.Unlock()

	for _, rec := range workers {
		if atomic.SwapInt32(&rec.state, workerTerminating) == workerTerminating {
			continue
		}
		if rec.handle != nil {
			rec.handle.Terminate()
		}
	}
}
