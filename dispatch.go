package parcall

import (
	"context"
	"sync"
	"time"

	pkgerr "github.com/pkg/errors"
)

var timers = sync.Pool{
	New: func() interface{} {
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	},
}

// Dispatch 发起一次远程调用并返回其句柄。
// 	args 在顶层（以及纯 map/slice 的第一层）被扫描：[]byte 作为转移缓冲，
// 	Channel 接入桥，error 转为可移植表示。ctx 取消时本地视图立即落定，
// 	不等待远端。
func (o *Orchestrator) Dispatch(ctx context.Context, module, fn string, args []interface{}, opts ...CallOption) (*Handle, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}

	co := &callOptions{}
	for _, f := range opts {
		f(co)
	}

	id := o.tasks.newID()
	t := newTask(id, module, fn)
	_, t.span = o.tracer.Start(ctx, module+"/"+fn)

	var rec *workerRecord
	var err error
	if co.Worker != "" {
		rec, err = o.pool.pinned(co.Worker)
	} else {
		rec, err = o.pool.acquire(ctx, id)
	}
	if err != nil {
		t.reject(err)
		return nil, err
	}
	t.workerID = rec.id

	fw := workerForwarder(rec)
	packed, buffers, chans, err := o.codec.marshalArgs(args, fw)
	if err != nil {
		t.reject(err)
		return nil, err
	}
	t.chans = chans

	rec.addPending(id)
	o.tasks.register(t)
	t.setState(taskDispatched)

	call := &Pack{Kind: CALL, TaskID: id, Module: module, Fn: fn, Args: packed, Buffers: buffers}
	if err := rec.handle.Post(call); err != nil {
		o.tasks.take(id)
		rec.removePending(id)
		err = pkgerr.WithMessage(err, "parcall: send call")
		t.reject(err)
		return nil, err
	}
	t.setState(taskRunning)

	h := &Handle{orch: o, task: t, rec: rec, keepAlive: co.KeepAlive}
	if co.Timeout > 0 {
		timeout := co.Timeout
		o.submit(func() { o.watchTimeout(h, timeout) })
	}
	if ctx.Done() != nil {
		o.submit(func() { o.watchSignal(ctx, h) })
	}
	return h, nil
}

// submit 协程池拒绝时退化为裸协程，时限/取消监视必须运行
func (o *Orchestrator) submit(f func()) {
	if err := o.gopool.Submit(f); err != nil {
		o.logger.Warnf("parcall: goroutine pool: %v", err)
		go f()
	}
}

// watchTimeout 本地时限监视：超时后直接拒绝任务，不等远端
func (o *Orchestrator) watchTimeout(h *Handle, d time.Duration) {
	timer := timers.Get().(*time.Timer)
	timer.Reset(d)

	select {
	case <-h.task.done:
		if !timer.Stop() {
			<-timer.C
		}
		timers.Put(timer)
	case <-timer.C:
		timers.Put(timer)
		// 先本地落定再通知远端，避免远端的取消回包抢先落定任务
		o.failLocal(h, &TimeoutError{Module: h.task.module, Fn: h.task.fn, After: d})
		h.postAbort()
	}
}

// watchSignal ctx 取消时本地落定并尽力通知远端
func (o *Orchestrator) watchSignal(ctx context.Context, h *Handle) {
	select {
	case <-h.task.done:
	case <-ctx.Done():
		h.task.markCancelled()
		o.failLocal(h, &CancelledError{TaskID: h.task.id})
		h.postAbort()
	}
}

// failLocal 本地落定失败：从注册表和 worker 在途集合中各摘除一次
func (o *Orchestrator) failLocal(h *Handle, err error) {
	if t, ok := o.tasks.take(h.task.id); ok {
		h.rec.removePending(t.id)
		t.reject(err)
	}
}

// workerForwarder 把 pack 投递到指定 worker 的转发函数
func workerForwarder(rec *workerRecord) forwarder {
	return func(ctx context.Context, p *Pack) error {
		return rec.handle.Post(p)
	}
}

// Handle 一次远程调用的本地句柄
type Handle struct {
	orch      *Orchestrator
	task      *task
	rec       *workerRecord
	keepAlive bool
}

// WorkerID 处理本次调用的 worker id；配合 OnWorker 可将后续调用
// 钉到同一 worker
func (h *Handle) WorkerID() string {
	return h.task.workerID
}

// Result 等待终态：成功返回结果值，失败返回重建后的 error
func (h *Handle) Result(ctx context.Context) (interface{}, error) {
	select {
	case <-h.task.done:
		if h.keepAlive {
			// 刷新空闲时钟，让该 worker 在下一次 OnWorker 调用前不被回收
			h.rec.SetUsedAt()
		}
		return h.task.result, h.task.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Iterate 以生成器方式消费本次调用；仅对生成器函数有意义
func (h *Handle) Iterate() *Iterator {
	return &Iterator{h: h}
}

// Abort 取消调用：标记任务已取消，尽力向远端发送取消通知，
// 	并立即落定本地句柄。在宽限期内等待远端确认，没有确认也会返回。
func (h *Handle) Abort() error {
	t := h.task

	select {
	case <-t.done:
		return nil
	default:
	}
	if !t.markCancelled() {
		return nil
	}

	ackc := make(chan struct{})
	h.orch.aborted.Store(t.id, ackc)
	defer h.orch.aborted.Delete(t.id)

	// 先本地落定再通知远端，远端此后的终态回包只起确认作用
	h.orch.failLocal(h, &CancelledError{TaskID: t.id})
	h.postAbort()

	timer := timers.Get().(*time.Timer)
	timer.Reset(h.orch.opts.AbortGrace)
	select {
	case <-ackc:
		if !timer.Stop() {
			<-timer.C
		}
	case <-timer.C:
	}
	timers.Put(timer)
	return nil
}

// postAbort 尽力而为，失败只记日志
func (h *Handle) postAbort() {
	if err := h.rec.handle.Post(&Pack{Kind: ABORT, TaskID: h.task.id}); err != nil {
		h.orch.logger.Debugf("parcall: post abort for task %d: %v", h.task.id, err)
	}
}

// Iterator 生成器调用的消费端。每次 Next/Send 发送一个续传包并
// 挂起，直到该任务的下一个 yield/return/error 响应到达。
type Iterator struct {
	h *Handle
}

// Next 取下一个产出值；done 为 true 时 value 是生成器的最终返回值
func (it *Iterator) Next(ctx context.Context) (value interface{}, done bool, err error) {
	return it.next(ctx, nil, false)
}

// Send 取下一个产出值，同时向远端生成器注入 v（双向生成器）
func (it *Iterator) Send(ctx context.Context, v interface{}) (value interface{}, done bool, err error) {
	return it.next(ctx, v, true)
}

func (it *Iterator) next(ctx context.Context, inject interface{}, hasInject bool) (interface{}, bool, error) {
	t := it.h.task

	select {
	case <-t.done:
		return t.result, true, t.err
	default:
	}

	gen := &Pack{Kind: GEN, TaskID: t.id}
	if hasInject {
		value, buffers, err := it.h.orch.codec.marshalValue(inject, workerForwarder(it.h.rec))
		if err != nil {
			return nil, false, err
		}
		gen.Value = value
		gen.Buffers = buffers
	}
	if err := it.h.rec.handle.Post(gen); err != nil {
		it.h.orch.failLocal(it.h, &TransportError{WorkerID: it.h.rec.id, Err: err})
		return nil, true, it.h.task.err
	}

	select {
	case item := <-t.yields:
		return item.value, item.done, nil
	case <-t.done:
		return t.result, true, t.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
