package parcall

import (
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// task 状态机：NEW → DISPATCHED → RUNNING → {RETURNED | ERRORED | CANCELLED}，
// 	生成器任务在 RUNNING ⇄ YIELDING 间循环直到终态
const (
	taskNew int32 = iota
	taskDispatched
	taskRunning
	taskYielding
	taskReturned
	taskErrored
	taskCancelled
)

type yieldItem struct {
	value interface{}
	done  bool
}

// task 一次在途的远程调用及其记账
type task struct {
	id        uint64
	module    string
	fn        string
	workerID  string
	state     int32
	cancelled int32

	chans []string // 随参数绑定到本次调用的 channel id

	result interface{}
	err    error
	done   chan struct{} // 终态时关闭

	yields chan yieldItem // 生成器产出流

	span trace.Span
	once sync.Once
}

func newTask(id uint64, module, fn string) *task {
	return &task{
		id:     id,
		module: module,
		fn:     fn,
		state:  taskNew,
		done:   make(chan struct{}),
		yields: make(chan yieldItem, 8),
	}
}

func (t *task) setState(s int32) {
	atomic.StoreInt32(&t.state, s)
}

func (t *task) getState() int32 {
	return atomic.LoadInt32(&t.state)
}

func (t *task) isCancelled() bool {
	return atomic.LoadInt32(&t.cancelled) == 1
}

func (t *task) markCancelled() bool {
	return atomic.CompareAndSwapInt32(&t.cancelled, 0, 1)
}

// resolve 任务成功终结；只有第一次生效
func (t *task) resolve(v interface{}) {
	t.once.Do(func() {
		t.result = v
		t.setState(taskReturned)
		if t.span != nil {
			t.span.End()
		}
		close(t.done)
	})
}

// reject 任务失败终结；只有第一次生效
func (t *task) reject(err error) {
	t.once.Do(func() {
		t.err = err
		if _, ok := err.(*CancelledError); ok {
			t.setState(taskCancelled)
		} else {
			t.setState(taskErrored)
		}
		if t.span != nil {
			t.span.SetStatus(codes.Error, err.Error())
			t.span.End()
		}
		close(t.done)
	})
}

// taskRegistry 进程级在途任务注册表，key 为任务 id
type taskRegistry struct {
	m      sync.Map
	nextID uint64
}

func (r *taskRegistry) newID() uint64 {
	return atomic.AddUint64(&r.nextID, 1)
}

func (r *taskRegistry) register(t *task) {
	r.m.Store(t.id, t)
}

func (r *taskRegistry) load(id uint64) (*task, bool) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*task), true
}

// take 取走任务；任务只会被取走一次（首个终态响应生效）
func (r *taskRegistry) take(id uint64) (*task, bool) {
	v, ok := r.m.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*task), true
}

// drain 取走全部在途任务（编排器关停时）
func (r *taskRegistry) drain() []*task {
	var tasks []*task
	r.m.Range(func(key, value interface{}) bool {
		if v, ok := r.m.LoadAndDelete(key); ok {
			tasks = append(tasks, v.(*task))
		}
		return true
	})
	return tasks
}
