package parcall

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestChannelPushRecvOrder(t *testing.T) {
	ch := NewChannel(8)
	for i := 0; i < 5; i++ {
		if err := ch.Push(context.Background(), i); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		v, err := ch.Recv(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if v.(int) != i {
			t.Fatalf("recv %v, want %d", v, i)
		}
	}
}

func TestChannelCloseUnblocksRecv(t *testing.T) {
	ch := NewChannel(2)
	done := make(chan error, 1)
	go func() {
		_, err := ch.Recv(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cause := errors.New("bang")
	ch.Close(cause)

	select {
	case err := <-done:
		if err != cause {
			t.Fatalf("recv after close: %v, want %v", err, cause)
		}
	case <-time.After(time.Second):
		t.Fatal("recv did not unblock after close")
	}

	// 无 cause 的关闭返回哨兵错误
	ch2 := NewChannel(1)
	ch2.Close(nil)
	if _, err := ch2.Recv(context.Background()); err != ErrChannelClosed {
		t.Fatalf("recv on closed channel: %v, want ErrChannelClosed", err)
	}
}

func TestChannelDrainsAfterClose(t *testing.T) {
	ch := NewChannel(4)
	ch.Push(context.Background(), "residual")
	ch.Close(nil)

	v, err := ch.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "residual" {
		t.Fatalf("recv %v, want residual", v)
	}
	if _, err := ch.Recv(context.Background()); err != ErrChannelClosed {
		t.Fatalf("recv after drain: %v, want ErrChannelClosed", err)
	}
}

func TestChannelBackpressure(t *testing.T) {
	ch := NewChannel(1)
	if err := ch.Push(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	pushed := make(chan struct{})
	go func() {
		ch.Push(context.Background(), 2)
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push beyond capacity must block")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := ch.Recv(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push did not resume after recv")
	}

	// 阻塞中的 push 遵守 ctx
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ch.Push(ctx, 3); err != context.DeadlineExceeded {
		t.Fatalf("blocked push: %v, want DeadlineExceeded", err)
	}
}

// recordFw 记录经过的 pack，并发安全
type recordFw struct {
	mu    sync.Mutex
	packs []*Pack
}

func (f *recordFw) fw(ctx context.Context, p *Pack) error {
	f.mu.Lock()
	f.packs = append(f.packs, p)
	f.mu.Unlock()
	return nil
}

func (f *recordFw) kinds() []Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]Kind, 0, len(f.packs))
	for _, p := range f.packs {
		kinds = append(kinds, p.Kind)
	}
	return kinds
}

func (f *recordFw) count(k Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.packs {
		if p.Kind == k {
			n++
		}
	}
	return n
}

func TestBridgeForwardsWrappedPush(t *testing.T) {
	br := newChannelBridge(&logger{})
	newMarshaller(br)

	ch := NewChannel(2)
	rec := &recordFw{}
	if err := br.wrap(ch, rec.fw); err != nil {
		t.Fatal(err)
	}

	if err := ch.Push(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != PUSH {
		t.Fatalf("forwarded kinds = %v, want [push]", kinds)
	}

	// 数据被转发，本地缓冲应为空
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ch.Recv(ctx); err != context.DeadlineExceeded {
		t.Fatalf("local recv on forwarded channel: %v, want DeadlineExceeded", err)
	}

	ch.Close(nil)
	kinds = rec.kinds()
	if len(kinds) != 2 || kinds[1] != CLOSE {
		t.Fatalf("forwarded kinds = %v, want [push close]", kinds)
	}
	if _, err := ch.Recv(context.Background()); err != ErrChannelClosed {
		t.Fatalf("recv after close: %v, want ErrChannelClosed", err)
	}
}

func TestBridgeFanOutWriters(t *testing.T) {
	br := newChannelBridge(&logger{})
	newMarshaller(br)

	ch := NewChannel(8)
	a, b := &recordFw{}, &recordFw{}
	if err := br.wrap(ch, a.fw); err != nil {
		t.Fatal(err)
	}
	if err := br.wrap(ch, b.fw); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 6; i++ {
		if err := ch.Push(context.Background(), i); err != nil {
			t.Fatal(err)
		}
	}
	// 轮询分发：两个写者各分到一半
	if a.count(PUSH) != 3 || b.count(PUSH) != 3 {
		t.Fatalf("push split %d/%d, want 3/3", a.count(PUSH), b.count(PUSH))
	}

	ch.Close(nil)
	if a.count(CLOSE) != 1 || b.count(CLOSE) != 1 {
		t.Fatalf("close split %d/%d, want 1/1", a.count(CLOSE), b.count(CLOSE))
	}
	if _, err := ch.Recv(context.Background()); err != ErrChannelClosed {
		t.Fatalf("recv after close: %v, want ErrChannelClosed", err)
	}

	// 条目已移除，重复 close 不再转发
	ch.Close(nil)
	if a.count(CLOSE) != 1 || b.count(CLOSE) != 1 {
		t.Fatal("close was forwarded more than once per writer")
	}
}

func TestBridgeReleaseNotifiesWriters(t *testing.T) {
	br := newChannelBridge(&logger{})
	newMarshaller(br)

	ch := NewChannel(2)
	rec := &recordFw{}
	if err := br.wrap(ch, rec.fw); err != nil {
		t.Fatal(err)
	}

	br.release(ch.ID())
	if rec.count(CLOSE) != 1 {
		t.Fatalf("release forwarded %d close packs, want 1", rec.count(CLOSE))
	}
	if _, err := ch.Recv(context.Background()); err != ErrChannelClosed {
		t.Fatalf("recv after release: %v, want ErrChannelClosed", err)
	}
}

func TestBridgeRoundTrip(t *testing.T) {
	brA := newChannelBridge(&logger{})
	codecA := newMarshaller(brA)
	brB := newChannelBridge(&logger{})
	codecB := newMarshaller(brB)

	// 两个桥之间用转发函数直连，模拟执行边界
	var fwAtoB, fwBtoA forwarder
	fwAtoB = func(ctx context.Context, p *Pack) error {
		switch p.Kind {
		case PUSH:
			return brB.deliverPush(ctx, p.ChannelID, p.Value, p.Buffers, fwBtoA)
		case CLOSE:
			brB.deliverClose(p.ChannelID, p.Error)
		}
		return nil
	}
	fwBtoA = func(ctx context.Context, p *Pack) error {
		switch p.Kind {
		case PUSH:
			return brA.deliverPush(ctx, p.ChannelID, p.Value, p.Buffers, fwAtoB)
		case CLOSE:
			brA.deliverClose(p.ChannelID, p.Error)
		}
		return nil
	}

	ch := NewChannel(4)
	value, buffers, err := codecA.marshalValue(ch, fwAtoB)
	if err != nil {
		t.Fatal(err)
	}

	proxyV, err := codecB.unwrap(value, buffers, fwBtoA)
	if err != nil {
		t.Fatal(err)
	}
	proxy, ok := proxyV.(Channel)
	if !ok {
		t.Fatalf("unwrap produced %T, want Channel", proxyV)
	}
	if proxy.ID() != ch.ID() || proxy.Capacity() != ch.Capacity() {
		t.Fatal("proxy does not mirror the original channel")
	}

	// A 端 push，B 端 recv
	if err := ch.Push(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	v, err := proxy.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.(int64) != 7 {
		t.Fatalf("proxy recv %v, want 7", v)
	}

	// B 端 push，A 端 recv
	if err := proxy.Push(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	v, err = ch.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "hi" {
		t.Fatalf("origin recv %v, want hi", v)
	}

	// B 端 close 传播回 A 端
	proxy.Close(nil)
	if _, err := ch.Recv(context.Background()); err != ErrChannelClosed {
		t.Fatalf("origin recv after remote close: %v, want ErrChannelClosed", err)
	}
}

func TestBridgeUnknownChannel(t *testing.T) {
	br := newChannelBridge(&logger{})
	newMarshaller(br)

	err := br.deliverPush(context.Background(), "no-such-channel", nil, nil, nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("deliverPush on unknown channel: %v, want ProtocolError", err)
	}
}
