package parcall

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerHandle 一个隔离执行上下文的句柄，由创建它的池记录独占持有
type WorkerHandle interface {
	// Post 把一个 pack 投递给 worker
	Post(p *Pack) error
	// OnMessage 注册 worker 发回消息的回调；同一 worker 的消息按发送顺序串行回调
	OnMessage(cb func(p *Pack))
	// OnExit 注册 worker 退出回调；err 非 nil 表示异常退出
	OnExit(cb func(err error))
	// Terminate 终止 worker
	Terminate() error
}

// LifecycleAdapter 按某种执行后端（goroutine、进程等）创建 worker。
// 	Create 返回时 worker 必须已经就绪可接收消息。
type LifecycleAdapter interface {
	Create(ctx context.Context) (WorkerHandle, error)
}

// worker 生命周期状态
const (
	workerStarting int32 = iota
	workerReady
	workerTerminating
)

// workerRecord 池中一个 worker 及其记账信息
type workerRecord struct {
	id     string
	handle WorkerHandle
	state  int32
	usedAt int64
	readyc chan struct{} // 就绪后关闭

	pending map[uint64]struct{}
	lock    sync.Mutex
}

func newWorkerRecord() *workerRecord {
	return &workerRecord{
		id:      NewWorkerID(),
		state:   workerStarting,
		usedAt:  time.Now().Unix(),
		readyc:  make(chan struct{}),
		pending: make(map[uint64]struct{}),
	}
}

func (rec *workerRecord) UsedAt() time.Time {
	unix := atomic.LoadInt64(&rec.usedAt)
	return time.Unix(unix, 0)
}

func (rec *workerRecord) SetUsedAt() {
	atomic.StoreInt64(&rec.usedAt, time.Now().Unix())
}

func (rec *workerRecord) State() int32 {
	return atomic.LoadInt32(&rec.state)
}

func (rec *workerRecord) addPending(taskID uint64) {
	rec.lock.Lock()
	rec.pending[taskID] = struct{}{}
	rec.lock.Unlock()
}

// removePending 只有第一次移除返回 true
func (rec *workerRecord) removePending(taskID uint64) bool {
	rec.lock.Lock()
	defer rec.lock.Unlock()
	if _, ok := rec.pending[taskID]; !ok {
		return false
	}
	delete(rec.pending, taskID)
	return true
}

func (rec *workerRecord) pendingLen() int {
	rec.lock.Lock()
	defer rec.lock.Unlock()
	return len(rec.pending)
}

// takePending 取走全部在途任务 id（worker 故障时整体失败用）
func (rec *workerRecord) takePending() []uint64 {
	rec.lock.Lock()
	defer rec.lock.Unlock()
	ids := make([]uint64, 0, len(rec.pending))
	for id := range rec.pending {
		ids = append(ids, id)
	}
	rec.pending = make(map[uint64]struct{})
	return ids
}

// awaitReady 等待 worker 就绪
func (rec *workerRecord) awaitReady(ctx context.Context) error {
	select {
	case <-rec.readyc:
		if rec.State() == workerTerminating {
			return ErrWorkerStopped
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
