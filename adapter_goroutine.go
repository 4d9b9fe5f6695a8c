package parcall

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/panjf2000/ants/v2"
	pkgerr "github.com/pkg/errors"
)

// GoroutineAdapter 以同进程 goroutine 作为 worker 执行后端。
// 	每个 worker 拥有独立的收件队列、channel 桥和编解码器，
// 	与编排器之间只通过消息交换状态。
type GoroutineAdapter struct {
	runtime *Runtime
	pool    *ants.Pool
	logger  Logger
}

func NewGoroutineAdapter(rt *Runtime, opts ...Option) (*GoroutineAdapter, error) {
	defOpts := &options{
		WorkPoolSize: 1024,
		Logger:       &logger{},
	}
	for _, f := range opts {
		f(defOpts)
	}

	pool, err := ants.NewPool(defOpts.WorkPoolSize)
	if err != nil {
		return nil, err
	}
	return &GoroutineAdapter{
		runtime: rt,
		pool:    pool,
		logger:  defOpts.Logger,
	}, nil
}

// Release 释放适配器内部的协程池
func (a *GoroutineAdapter) Release() {
	a.pool.Release()
}

func (a *GoroutineAdapter) Create(ctx context.Context) (WorkerHandle, error) {
	w := &goroutineWorker{
		runtime: a.runtime,
		pool:    a.pool,
		logger:  a.logger,
		inbox:   make(chan *Pack, 64),
		closed:  make(chan struct{}),
		tasks:   make(map[uint64]*workerTask),
	}
	w.bridge = newChannelBridge(a.logger)
	w.codec = newMarshaller(w.bridge)
	go w.loop()
	return w, nil
}

// workerTask worker 侧一次在途调用
type workerTask struct {
	spec    *fnSpec
	call    *Pack
	params  []reflect.Value
	cancel  context.CancelFunc
	ctx     context.Context
	next    chan *Pack // 生成器注入
	started bool
}

var _ WorkerHandle = (*goroutineWorker)(nil)

type goroutineWorker struct {
	runtime *Runtime
	pool    *ants.Pool
	logger  Logger
	bridge  *channelBridge
	codec   *marshaller

	inbox  chan *Pack
	cb     func(*Pack)
	exitCb func(error)
	cbLock sync.RWMutex

	tasks map[uint64]*workerTask
	lock  sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func (w *goroutineWorker) Post(p *Pack) error {
	select {
	case <-w.closed:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.inbox <- p:
		return nil
	case <-w.closed:
		return ErrWorkerStopped
	}
}

func (w *goroutineWorker) OnMessage(cb func(p *Pack)) {
	w.cbLock.Lock()
	w.cb = cb
	w.cbLock.Unlock()
}

func (w *goroutineWorker) OnExit(cb func(err error)) {
	w.cbLock.Lock()
	w.exitCb = cb
	w.cbLock.Unlock()
}

func (w *goroutineWorker) Terminate() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.lock.Lock()
		for _, wt := range w.tasks {
			if wt.cancel != nil {
				wt.cancel()
			}
		}
		w.tasks = make(map[uint64]*workerTask)
		w.lock.Unlock()
		w.bridge.dropAll(ErrWorkerStopped)
	})
	return nil
}

// emit 同步投回编排器，背压沿调用链传导
func (w *goroutineWorker) emit(p *Pack) error {
	w.cbLock.RLock()
	cb := w.cb
	w.cbLock.RUnlock()
	if cb == nil {
		return ErrWorkerStopped
	}
	cb(p)
	return nil
}

func (w *goroutineWorker) emitError(taskID uint64, err error, unserializable bool) {
	obj := toErrorObject(err)
	if unserializable {
		obj.Unserializable = true
	}
	w.emit(&Pack{Kind: ERROR, TaskID: taskID, Error: obj})
}

// replyFw 回程方向的转发函数（worker 侧 channel 代理的写者）
func (w *goroutineWorker) replyFw() forwarder {
	return func(ctx context.Context, p *Pack) error {
		return w.emit(p)
	}
}

func (w *goroutineWorker) loop() {
	for {
		select {
		case <-w.closed:
			return
		case p := <-w.inbox:
			w.dispatch(p)
		}
	}
}

func (w *goroutineWorker) dispatch(p *Pack) {
	switch p.Kind {
	case CALL:
		w.handleCall(p)
	case GEN:
		w.handleGen(p)
	case ABORT:
		w.lock.Lock()
		wt := w.tasks[p.TaskID]
		w.lock.Unlock()
		if wt != nil && wt.cancel != nil {
			wt.cancel()
		}
	case PUSH:
		if err := w.bridge.deliverPush(context.Background(), p.ChannelID, p.Value, p.Buffers, w.replyFw()); err != nil {
			w.logger.Warnf("parcall: worker deliver push on channel %s: %v", p.ChannelID, err)
		}
	case CLOSE:
		w.bridge.deliverClose(p.ChannelID, p.Error)
	default:
		w.logger.Warnf("parcall: worker dropped unexpected %s pack", p.Kind)
	}
}

func (w *goroutineWorker) handleCall(p *Pack) {
	spec, err := w.runtime.lookup(p.Module, p.Fn)
	if err != nil {
		w.emitError(p.TaskID, err, false)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	wt := &workerTask{spec: spec, call: p, ctx: ctx, cancel: cancel}
	if spec.generator {
		wt.next = make(chan *Pack, 1)
	}

	// 参数在收包循环里同步组装，参数中 channel 的注册因此先于
	// 后续到达的 push 包
	params, err := w.assembleParams(wt)
	if err != nil {
		cancel()
		w.emitError(p.TaskID, err, true)
		return
	}
	wt.params = params

	w.lock.Lock()
	w.tasks[p.TaskID] = wt
	w.lock.Unlock()

	if spec.generator {
		// 生成器等首个续传包再启动
		return
	}
	if err := w.pool.Submit(func() { w.invoke(wt) }); err != nil {
		w.dropTask(p.TaskID)
		w.emitError(p.TaskID, err, false)
	}
}

func (w *goroutineWorker) handleGen(p *Pack) {
	w.lock.Lock()
	wt := w.tasks[p.TaskID]
	if wt == nil || !wt.spec.generator {
		w.lock.Unlock()
		w.logger.Debugf("parcall: worker dropped gen pack for task %d", p.TaskID)
		return
	}
	started := wt.started
	wt.started = true
	w.lock.Unlock()

	if !started {
		// 首个续传只负责启动生成器，注入值被忽略
		if err := w.pool.Submit(func() { w.runGenerator(wt) }); err != nil {
			w.dropTask(p.TaskID)
			w.emitError(p.TaskID, err, false)
		}
		return
	}

	select {
	case wt.next <- p:
	default:
		// 消费端与产出端严格轮转，到这里说明对端乱了节奏
		w.logger.Warnf("parcall: worker dropped surplus gen pack for task %d", p.TaskID)
	}
}

func (w *goroutineWorker) dropTask(taskID uint64) {
	w.lock.Lock()
	wt := w.tasks[taskID]
	delete(w.tasks, taskID)
	w.lock.Unlock()
	if wt != nil && wt.cancel != nil {
		wt.cancel()
	}
}

// invoke 单值调用：反射调用加结果编码
func (w *goroutineWorker) invoke(wt *workerTask) {
	defer w.dropTask(wt.call.TaskID)

	value, err := w.call(wt.spec, wt.params)
	if err != nil {
		w.emitError(wt.call.TaskID, err, false)
		return
	}
	if wt.ctx.Err() != nil {
		// 任务已被取消，本地视图早已落定，回包只用来确认取消
		w.emitError(wt.call.TaskID, &CancelledError{TaskID: wt.call.TaskID}, false)
		return
	}

	raw, buffers, err := w.codec.marshalValue(value, w.replyFw())
	if err != nil {
		w.emitError(wt.call.TaskID, err, true)
		return
	}
	w.emit(&Pack{Kind: RETURN, TaskID: wt.call.TaskID, Value: raw, Buffers: buffers})
}

// runGenerator 生成器调用：最后一个参数换成运行时提供的 Yielder，
// 	函数返回后用最终值发一个 done 的 yield 包
func (w *goroutineWorker) runGenerator(wt *workerTask) {
	defer w.dropTask(wt.call.TaskID)

	y := &Yielder{
		taskID: wt.call.TaskID,
		ctx:    wt.ctx,
		codec:  w.codec,
		fw:     w.replyFw(),
		post:   w.emit,
		next:   wt.next,
	}
	wt.params[len(wt.params)-1] = reflect.ValueOf(y)

	value, err := w.call(wt.spec, wt.params)
	if err != nil {
		w.emitError(wt.call.TaskID, err, false)
		return
	}
	if wt.ctx.Err() != nil {
		w.emitError(wt.call.TaskID, &CancelledError{TaskID: wt.call.TaskID}, false)
		return
	}

	raw, buffers, err := w.codec.marshalValue(value, w.replyFw())
	if err != nil {
		w.emitError(wt.call.TaskID, err, true)
		return
	}
	w.emit(&Pack{Kind: YIELD, TaskID: wt.call.TaskID, Value: raw, Buffers: buffers, Done: true})
}

// assembleParams 反序列化参数；第一个参数是 ctx，
// 	生成器的最后一个参数位留给 Yielder
func (w *goroutineWorker) assembleParams(wt *workerTask) ([]reflect.Value, error) {
	spec, p := wt.spec, wt.call
	l := len(spec.paramTypes)
	expect := l - 1
	if spec.generator {
		expect--
	}
	if len(p.Args) < expect {
		return nil, fmt.Errorf("not enough arguments in call to %s.%s", p.Module, p.Fn)
	}
	if len(p.Args) > expect {
		return nil, fmt.Errorf("too many arguments in call to %s.%s", p.Module, p.Fn)
	}

	params := make([]reflect.Value, l)
	params[0] = reflect.ValueOf(wt.ctx)
	fw := w.replyFw()
	for i, raw := range p.Args {
		fieldValue := reflect.New(spec.paramTypes[i+1])
		if err := w.codec.unwrapInto(raw, p.Buffers, fw, fieldValue.Elem()); err != nil {
			return nil, err
		}
		params[i+1] = fieldValue.Elem()
	}
	return params, nil
}

// call 反射调用，panic 转成带堆栈的 error
func (w *goroutineWorker) call(spec *fnSpec, params []reflect.Value) (value interface{}, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = pkgerr.WithStack(fmt.Errorf("%+v", e))
			w.logger.Errorf("parcall: [panic] fn %s: %+v", spec.name, err)
		}
	}()

	rets := spec.fn.Call(params)
	errVal := rets[len(rets)-1]
	if !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	if len(rets) == 2 {
		return rets[0].Interface(), nil
	}
	return nil, nil
}
