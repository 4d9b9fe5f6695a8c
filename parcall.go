// Package parcall 让调用方像调用本地函数一样调用隔离执行上下文
// （goroutine、进程等）中的函数，包括产出多个结果的生成器函数，
// 以及通过 channel 双向交换数据的函数。
package parcall

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Orchestrator 远程调用编排器：持有 worker 池、在途任务注册表、
// channel 桥和编解码器。各实例相互独立，可在测试中并存。
type Orchestrator struct {
	opts   *options
	logger Logger
	pool   *workerPool
	tasks  taskRegistry
	bridge *channelBridge
	codec  *marshaller
	gopool *ants.Pool
	tracer trace.Tracer

	aborted sync.Map // taskID : chan struct{}，等待远端对取消的确认
	_closed uint32
}

// New 创建编排器；adapter 决定 worker 的执行后端
func New(adapter LifecycleAdapter, opts ...Option) (*Orchestrator, error) {
	defOpts := &options{
		MaxWorkers:    runtime.NumCPU(),
		IdleTimeout:   10 * time.Second,
		SweepInterval: time.Second,
		AbortGrace:    time.Second,
		WorkPoolSize:  1024,
		Logger:        &logger{},
	}
	for _, f := range opts {
		f(defOpts)
	}
	if defOpts.MaxWorkers < 1 {
		defOpts.MaxWorkers = 1
	}

	gopool, err := ants.NewPool(defOpts.WorkPoolSize)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		opts:   defOpts,
		logger: defOpts.Logger,
		gopool: gopool,
		tracer: otel.Tracer("parcall"),
	}
	o.bridge = newChannelBridge(o.logger)
	o.codec = newMarshaller(o.bridge)
	o.pool = newWorkerPool(adapter, defOpts.MaxWorkers, defOpts.IdleTimeout, defOpts.SweepInterval, o.logger)
	o.pool.onMessage = o.handleMessage
	o.pool.onFailure = func(rec *workerRecord, err error) {
		o.failPending(rec, &TransportError{WorkerID: rec.id, Err: err})
	}
	return o, nil
}

func (o *Orchestrator) isClosed() bool {
	return atomic.LoadUint32(&o._closed) == 1
}

// Close 终止所有 worker，让每个在途任务失败，并停止回收扫描
func (o *Orchestrator) Close() error {
	if !atomic.CompareAndSwapUint32(&o._closed, 0, 1) {
		return ErrClosed
	}

	for _, t := range o.tasks.drain() {
		t.reject(ErrClosed)
	}
	o.pool.close()
	o.bridge.dropAll(ErrClosed)
	o.gopool.Release()
	return nil
}

// Workers 当前存活的 worker 数
func (o *Orchestrator) Workers() int {
	return o.pool.size()
}
