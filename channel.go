package parcall

import (
	"context"
	"fmt"
	"sync"

	"github.com/hunyxv/utils/spinlock"
)

// Channel 有界、保序、双向的数据通道，可以跨越 worker 边界。
// 	作为参数传入 Dispatch 时会被桥接：本地的 Push 转发到远端，
// 	远端推回的数据进入本地缓冲由 Recv 消费。
type Channel interface {
	ID() string
	Capacity() int
	// Push 写入一条数据；接收侧缓冲满时挂起，直到有容量或 ctx 取消
	Push(ctx context.Context, v interface{}) error
	// Recv 取出一条数据；缓冲为空时挂起；channel 关闭后返回 ErrChannelClosed
	// 	或关闭时携带的 error
	Recv(ctx context.Context) (interface{}, error)
	// Close 关闭 channel，cause 可为 nil；多次调用只有第一次生效
	Close(cause error)
}

// NewChannel 创建容量为 capacity 的本地 channel
func NewChannel(capacity int) Channel {
	if capacity <= 0 {
		capacity = 1
	}
	return newMemChannel(NewChannelID(), capacity)
}

var _ Channel = (*memChannel)(nil)

type memChannel struct {
	id       string
	capacity int
	items    chan interface{}
	closed   chan struct{}
	closeErr error
	isClosed bool
	lock     sync.Locker

	bindLock sync.RWMutex
	br       *channelBridge
}

func newMemChannel(id string, capacity int) *memChannel {
	return &memChannel{
		id:       id,
		capacity: capacity,
		items:    make(chan interface{}, capacity),
		closed:   make(chan struct{}),
		lock:     spinlock.NewSpinLock(),
	}
}

func (c *memChannel) ID() string    { return c.id }
func (c *memChannel) Capacity() int { return c.capacity }

func (c *memChannel) Push(ctx context.Context, v interface{}) error {
	if br := c.bridge(); br != nil {
		return br.forwardPush(ctx, c, v)
	}
	return c.feed(ctx, v)
}

func (c *memChannel) Close(cause error) {
	if br := c.bridge(); br != nil {
		br.forwardClose(c, cause)
		return
	}
	c.shut(cause)
}

func (c *memChannel) Recv(ctx context.Context) (interface{}, error) {
	select {
	case v := <-c.items:
		return v, nil
	default:
	}

	select {
	case v := <-c.items:
		return v, nil
	case <-c.closed:
		// 关闭与入队竞争时把残留数据取干净
		select {
		case v := <-c.items:
			return v, nil
		default:
		}
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// feed 原始 push：数据直接进入本地缓冲，不经过桥
func (c *memChannel) feed(ctx context.Context, v interface{}) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	select {
	case c.items <- v:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shut 原始 close
func (c *memChannel) shut(cause error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.isClosed {
		return
	}
	c.isClosed = true
	c.closeErr = cause
	close(c.closed)
}

func (c *memChannel) bind(br *channelBridge) {
	c.bindLock.Lock()
	c.br = br
	c.bindLock.Unlock()
}

func (c *memChannel) bridge() *channelBridge {
	c.bindLock.RLock()
	defer c.bindLock.RUnlock()
	return c.br
}

// forwarder 把一个 pack 送到执行边界的另一侧
type forwarder func(ctx context.Context, p *Pack) error

// bridgeEntry 桥注册表条目：原始操作 + 写者列表 + 轮询计数
type bridgeEntry struct {
	ch      *memChannel
	feed    func(ctx context.Context, v interface{}) error
	shut    func(cause error)
	writers []forwarder
	rr      int
}

// channelBridge 在执行边界两侧之间转发 channel 的 push/close
type channelBridge struct {
	entries map[string]*bridgeEntry
	codec   *marshaller
	logger  Logger

	lock sync.Mutex
}

func newChannelBridge(logger Logger) *channelBridge {
	return &channelBridge{
		entries: make(map[string]*bridgeEntry),
		logger:  logger,
	}
}

// wrap 把本地 channel 的一个远端写者注册到桥上。
// 	首次注册时捕获原始 push/close 并接管对外可见的操作；
// 	再次注册同一 channel 时仅追加写者（同一 channel 被多个远端消费）。
func (b *channelBridge) wrap(ch Channel, fw forwarder) error {
	mc, ok := ch.(*memChannel)
	if !ok {
		return fmt.Errorf("parcall: channel %s is not bridgeable", ch.ID())
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	if entry, ok := b.entries[mc.id]; ok {
		entry.writers = append(entry.writers, fw)
		return nil
	}

	b.entries[mc.id] = &bridgeEntry{
		ch:      mc,
		feed:    mc.feed,
		shut:    mc.shut,
		writers: []forwarder{fw},
	}
	mc.bind(b)
	return nil
}

// unwrap 根据可移植描述符定位已有的本地代理，或按给定容量物化一个，
// 	然后按 wrap 相同的方式接线
func (b *channelBridge) unwrap(d *chanDescriptor, fw forwarder) (Channel, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if entry, ok := b.entries[d.ID]; ok {
		entry.writers = append(entry.writers, fw)
		return entry.ch, nil
	}

	capacity := d.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	mc := newMemChannel(d.ID, capacity)
	b.entries[d.ID] = &bridgeEntry{
		ch:      mc,
		feed:    mc.feed,
		shut:    mc.shut,
		writers: []forwarder{fw},
	}
	mc.bind(b)
	return mc, nil
}

// forwardPush 本地 push 被接管后走到这里：轮询选择一个写者转发
func (b *channelBridge) forwardPush(ctx context.Context, mc *memChannel, v interface{}) error {
	b.lock.Lock()
	entry, ok := b.entries[mc.id]
	if !ok || len(entry.writers) == 0 {
		b.lock.Unlock()
		// 条目已被移除，退化为本地 push
		return mc.feed(ctx, v)
	}
	fw := entry.writers[entry.rr%len(entry.writers)]
	entry.rr++
	b.lock.Unlock()

	value, buffers, err := b.codec.marshalValue(v, fw)
	if err != nil {
		return err
	}
	return fw(ctx, &Pack{Kind: PUSH, ChannelID: mc.id, Value: value, Buffers: buffers})
}

// forwardClose 本地 close 被接管后走到这里：向每个写者转发一次 close，
// 	关闭本地缓冲并移除条目
func (b *channelBridge) forwardClose(mc *memChannel, cause error) {
	b.lock.Lock()
	entry, ok := b.entries[mc.id]
	if !ok {
		b.lock.Unlock()
		mc.shut(cause)
		return
	}
	delete(b.entries, mc.id)
	b.lock.Unlock()

	pack := &Pack{Kind: CLOSE, ChannelID: mc.id, Error: toErrorObject(cause)}
	for _, fw := range entry.writers {
		if err := fw(context.Background(), pack); err != nil {
			b.logger.Warnf("parcall: forward close of channel %s: %v", mc.id, err)
		}
	}
	entry.shut(cause)
}

// deliverPush 远端 push 到达：调用原始 push 进入本地缓冲，不再触发桥
func (b *channelBridge) deliverPush(ctx context.Context, id string, value []byte, buffers [][]byte, fw forwarder) error {
	b.lock.Lock()
	entry, ok := b.entries[id]
	b.lock.Unlock()
	if !ok {
		return &ProtocolError{Kind: PUSH, Reason: "unknown channel " + id}
	}

	v, err := b.codec.unwrap(value, buffers, fw)
	if err != nil {
		return err
	}
	return entry.feed(ctx, v)
}

// deliverClose 远端 close 到达：调用原始 close；
// 	注册了多个写者时，关闭在条目移除前向每个写者各传播一次
func (b *channelBridge) deliverClose(id string, obj *ErrorObject) {
	b.lock.Lock()
	entry, ok := b.entries[id]
	if ok {
		delete(b.entries, id)
	}
	b.lock.Unlock()
	if !ok {
		return
	}

	var cause error
	if obj != nil {
		cause = obj.rebuild()
	}
	if len(entry.writers) > 1 {
		pack := &Pack{Kind: CLOSE, ChannelID: id, Error: obj}
		for _, fw := range entry.writers {
			if err := fw(context.Background(), pack); err != nil {
				b.logger.Warnf("parcall: propagate close of channel %s: %v", id, err)
			}
		}
	}
	entry.shut(cause)
}

// rollback 撤销一次没有送达远端的 wrap：弹出最近追加的写者，
// 	写者清空时移除条目并恢复 channel 的本地行为，channel 保持打开
func (b *channelBridge) rollback(id string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	entry, ok := b.entries[id]
	if !ok {
		return
	}
	if n := len(entry.writers); n > 0 {
		entry.writers = entry.writers[:n-1]
	}
	if len(entry.writers) == 0 {
		delete(b.entries, id)
		entry.ch.bind(nil)
	}
}

// release 调用终结后关闭仍绑在该调用上的 channel；
// 	先向每个写者转发一次 close，让远端代理同步回收
func (b *channelBridge) release(id string) {
	b.lock.Lock()
	entry, ok := b.entries[id]
	if ok {
		delete(b.entries, id)
	}
	b.lock.Unlock()
	if !ok {
		return
	}

	pack := &Pack{Kind: CLOSE, ChannelID: id}
	for _, fw := range entry.writers {
		if err := fw(context.Background(), pack); err != nil {
			b.logger.Warnf("parcall: release channel %s: %v", id, err)
		}
	}
	entry.shut(nil)
}

// dropAll 关闭所有仍注册的 channel（编排器关停时）
func (b *channelBridge) dropAll(cause error) {
	b.lock.Lock()
	entries := make([]*bridgeEntry, 0, len(b.entries))
	for id, entry := range b.entries {
		entries = append(entries, entry)
		delete(b.entries, id)
	}
	b.lock.Unlock()

	for _, entry := range entries {
		entry.shut(cause)
	}
}
