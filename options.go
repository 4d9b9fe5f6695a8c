package parcall

import "time"

type Option func(opt *options)

type options struct {
	MaxWorkers    int           // 池中 worker 数上限
	IdleTimeout   time.Duration // worker 空闲多久后可被回收
	SweepInterval time.Duration // 回收扫描周期
	AbortGrace    time.Duration // Abort 等待远端确认的最长时间
	WorkPoolSize  int           // watcher 协程池大小
	Logger        Logger        // logger
}

// WithMaxWorkers 设置 worker 数上限
func WithMaxWorkers(n int) Option {
	return func(opt *options) {
		opt.MaxWorkers = n
	}
}

// WithIdleTimeout 设置 worker 空闲回收阈值
func WithIdleTimeout(t time.Duration) Option {
	return func(opt *options) {
		opt.IdleTimeout = t
	}
}

// WithSweepInterval 设置回收扫描周期
func WithSweepInterval(t time.Duration) Option {
	return func(opt *options) {
		opt.SweepInterval = t
	}
}

// WithAbortGrace 设置 Abort 的宽限期
func WithAbortGrace(t time.Duration) Option {
	return func(opt *options) {
		opt.AbortGrace = t
	}
}

// WithWorkPoolSize 设置 watcher 协程池大小
func WithWorkPoolSize(n int) Option {
	return func(opt *options) {
		opt.WorkPoolSize = n
	}
}

// WithLogger 设置 logger
func WithLogger(logger Logger) Option {
	return func(opt *options) {
		opt.Logger = logger
	}
}

// CallOption 单次调用的选项
type CallOption func(opt *callOptions)

type callOptions struct {
	Timeout   time.Duration // 本地时限，超时后本地直接拒绝
	KeepAlive bool          // 调用结束后倾向保留该 worker 以复用
	Worker    string        // 固定路由到指定 worker
}

// WithTimeout 设置调用的本地时限
func WithTimeout(t time.Duration) CallOption {
	return func(opt *callOptions) {
		opt.Timeout = t
	}
}

// WithKeepAlive 调用结束后刷新 worker 的空闲时钟，便于后续调用钉到同一 worker
func WithKeepAlive() CallOption {
	return func(opt *callOptions) {
		opt.KeepAlive = true
	}
}

// OnWorker 绕过池的选择逻辑，直接路由到之前返回的 worker id
func OnWorker(id string) CallOption {
	return func(opt *callOptions) {
		opt.Worker = id
	}
}
