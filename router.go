package parcall

import (
	"context"
	"sync/atomic"
)

// handleMessage Response Router：按包类型分发 worker 发回的消息。
// 	同一 worker 的消息按发送顺序串行进入，属于同一任务或同一 channel
// 	的消息因此保持顺序；跨任务顺序不作保证。
func (o *Orchestrator) handleMessage(workerID string, p *Pack) {
	switch p.Kind {
	case PUSH:
		if err := o.bridge.deliverPush(context.Background(), p.ChannelID, p.Value, p.Buffers, o.forwarderTo(workerID)); err != nil {
			o.logger.Warnf("parcall: deliver push on channel %s: %v", p.ChannelID, err)
		}
	case CLOSE:
		o.bridge.deliverClose(p.ChannelID, p.Error)
	case RETURN:
		o.handleReturn(workerID, p)
	case ERROR:
		o.handleError(workerID, p)
	case YIELD:
		o.handleYield(workerID, p)
	default:
		// 续传包（GEN）只应由编排器发往 worker，反方向视为协议故障
		o.failWorker(workerID, &ProtocolError{Kind: p.Kind, Reason: "unexpected pack from worker"})
	}
}

// handleReturn 正常返回。被取走的任务只会落定一次；
// 	取消后迟到的消息在这里变成 no-op（只用来确认取消）。
func (o *Orchestrator) handleReturn(workerID string, p *Pack) {
	t, ok := o.tasks.take(p.TaskID)
	if !ok {
		o.ackAborted(p.TaskID)
		return
	}
	o.settle(t)

	v, err := o.codec.unwrap(p.Value, p.Buffers, o.forwarderTo(workerID))
	if err != nil {
		t.reject(err)
		return
	}
	// v 可能是以数据形式返回的可移植异常，unwrap 已将其重建为 error 实例；
	// 仍按成功落定，保持“失败”与“携带 error 值成功”的区别
	t.resolve(v)
	o.releaseBound(t)
}

// releaseBound 调用返回后关闭仍绑在该调用上的 channel
func (o *Orchestrator) releaseBound(t *task) {
	for _, id := range t.chans {
		o.bridge.release(id)
	}
}

// handleError 远端抛出异常：重建为本地 error 实例后拒绝任务
func (o *Orchestrator) handleError(workerID string, p *Pack) {
	t, ok := o.tasks.take(p.TaskID)
	if !ok {
		o.ackAborted(p.TaskID)
		return
	}
	o.settle(t)

	obj := p.Error
	if obj == nil {
		t.reject(&ProtocolError{Kind: ERROR, Reason: "missing error payload"})
		return
	}

	if obj.Unserializable || looksUnserializable(obj.Message) {
		// 底层传输表明抛出值无法原样序列化：补一条合成栈帧，
		// 让失败仍能定位到 (函数, 模块)
		obj.addFrame(t.fn, t.module)
		t.reject(&SerializationError{Module: t.module, Fn: t.fn, Err: obj.rebuild()})
		return
	}
	t.reject(obj.rebuild())
}

// handleYield 生成器产出：交给任务绑定的产出流；done 为 true 时
// 	用同一个值走 return 路径
func (o *Orchestrator) handleYield(workerID string, p *Pack) {
	t, ok := o.tasks.load(p.TaskID)
	if !ok {
		o.ackAborted(p.TaskID)
		return
	}

	v, err := o.codec.unwrap(p.Value, p.Buffers, o.forwarderTo(workerID))
	if err != nil {
		if tt, ok := o.tasks.take(p.TaskID); ok {
			o.settle(tt)
			tt.reject(err)
		}
		return
	}

	if p.Done {
		tt, ok := o.tasks.take(p.TaskID)
		if !ok {
			return
		}
		o.settle(tt)
		select {
		case tt.yields <- yieldItem{value: v, done: true}:
		default:
		}
		tt.resolve(v)
		o.releaseBound(tt)
		return
	}

	t.setState(taskYielding)
	select {
	case t.yields <- yieldItem{value: v, done: false}:
		t.setState(taskRunning)
	case <-t.done:
	}
}

// settle 终态响应：把任务从所属 worker 的在途集合中摘除（恰好一次）
func (o *Orchestrator) settle(t *task) {
	rec, ok := o.pool.lookup(t.workerID)
	if !ok {
		return
	}
	rec.removePending(t.id)
	rec.SetUsedAt()
}

// ackAborted 迟到的终态消息对取消中的任务起确认作用
func (o *Orchestrator) ackAborted(taskID uint64) {
	if v, ok := o.aborted.LoadAndDelete(taskID); ok {
		close(v.(chan struct{}))
	}
}

// failWorker 协议级故障：立即驱逐该 worker 并让其全部在途任务失败
func (o *Orchestrator) failWorker(workerID string, err error) {
	rec, ok := o.pool.lookup(workerID)
	if !ok {
		return
	}
	o.logger.Errorf("parcall: evicting worker %s: %v", workerID, err)

	atomic.StoreInt32(&rec.state, workerTerminating)
	o.pool.remove(rec)
	if rec.handle != nil {
		rec.handle.Terminate()
	}
	o.failPending(rec, err)
}

// failPending 让 worker 的全部在途任务以同一个错误失败
func (o *Orchestrator) failPending(rec *workerRecord, err error) {
	for _, id := range rec.takePending() {
		if t, ok := o.tasks.take(id); ok {
			t.reject(err)
		}
		o.ackAborted(id)
	}
}

// forwarderTo 回程方向（入站 push 解出的嵌套 channel 接线用）
func (o *Orchestrator) forwarderTo(workerID string) forwarder {
	return func(ctx context.Context, p *Pack) error {
		rec, ok := o.pool.lookup(workerID)
		if !ok {
			return ErrWorkerGone
		}
		return rec.handle.Post(p)
	}
}
