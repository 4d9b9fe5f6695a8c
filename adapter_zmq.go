package parcall

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	zmq "github.com/pebbe/zmq4"
)

const zmqChanCap = 1024

// ZmqAdapter 以外部进程作为 worker 执行后端。
// 	每个 worker 对应一条到远端执行进程的 DEALER 连接，
// 	远端进程负责实际的函数调用并按同样的包协议回传。
// 	多个端点之间轮流分配新 worker。
type ZmqAdapter struct {
	endpoints []string
	next      uint64
	logger    Logger
}

func NewZmqAdapter(endpoints []string, opts ...Option) (*ZmqAdapter, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("parcall: zmq adapter needs at least one endpoint")
	}
	defOpts := &options{Logger: &logger{}}
	for _, f := range opts {
		f(defOpts)
	}
	return &ZmqAdapter{
		endpoints: endpoints,
		logger:    defOpts.Logger,
	}, nil
}

func (a *ZmqAdapter) Create(ctx context.Context) (WorkerHandle, error) {
	endpoint := a.endpoints[(atomic.AddUint64(&a.next, 1)-1)%uint64(len(a.endpoints))]
	w := &zmqWorker{
		id:       NewWorkerID(),
		endpoint: endpoint,
		logger:   a.logger,
		sendChan: make(chan [][]byte, zmqChanCap),
		closed:   make(chan struct{}),
	}
	if err := w.connect(); err != nil {
		return nil, err
	}
	return w, nil
}

var _ WorkerHandle = (*zmqWorker)(nil)

type zmqWorker struct {
	id       string
	endpoint string
	logger   Logger
	socket   *zmq.Socket
	sendChan chan [][]byte

	cb     func(*Pack)
	exitCb func(error)
	cbLock sync.RWMutex

	closeOnce sync.Once
	closed    chan struct{}
}

func (w *zmqWorker) connect() error {
	soc, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return err
	}
	soc.SetIdentity(w.id)
	if err := soc.Connect(w.endpoint); err != nil {
		soc.Close()
		return err
	}
	w.socket = soc
	go w.mainLoop()
	go w.sendLoop()
	return nil
}

// mainLoop 轮询 socket 和本地 send 通道。
// 	zmq socket 不能跨 goroutine 使用，发送经由 inproc PUSH/PULL 汇入本线程。
func (w *zmqWorker) mainLoop() {
	localPull, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		w.fail(err)
		return
	}
	if err := localPull.Connect(fmt.Sprintf("inproc://worker_pull_%s", w.id)); err != nil {
		w.fail(err)
		return
	}
	defer localPull.Close()

	poller := zmq.NewPoller()
	poller.Add(w.socket, zmq.POLLIN)
	poller.Add(localPull, zmq.POLLIN)
	for {
		select {
		case <-w.closed:
			w.socket.Close()
			return
		default:
		}

		polls, err := poller.Poll(-1)
		if err != nil {
			w.fail(err)
			return
		}

		for _, p := range polls {
			switch soc := p.Socket; soc {
			case localPull:
				msg, err := localPull.RecvMessageBytes(0)
				if err != nil {
					w.fail(err)
					return
				}
				if len(msg) == 1 && string(msg[0]) == "close" {
					w.socket.Close()
					return
				}
				if _, err := w.socket.SendMessage(msg); err != nil {
					w.fail(err)
					return
				}
			case w.socket:
				msg, err := w.socket.RecvMessageBytes(0)
				if err != nil {
					w.fail(err)
					return
				}
				w.deliver(msg)
			}
		}
	}
}

func (w *zmqWorker) sendLoop() {
	localPush, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		w.fail(err)
		return
	}
	if err := localPush.Bind(fmt.Sprintf("inproc://worker_pull_%s", w.id)); err != nil {
		w.fail(err)
		return
	}
	defer localPush.Close()

	for {
		select {
		case <-w.closed:
			localPush.SendMessage("close")
			return
		case msg := <-w.sendChan:
			if _, err := localPush.SendMessage(msg); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

// deliver 解包并串行回调，保证来自同一 worker 的消息保持到达顺序
func (w *zmqWorker) deliver(msg [][]byte) {
	// DEALER 收到的最后一帧是载荷
	p, err := UnmarshalPack(msg[len(msg)-1])
	if err != nil {
		w.logger.Errorf("parcall: worker %s dropped undecodable frame: %v", w.id, err)
		return
	}

	w.cbLock.RLock()
	cb := w.cb
	w.cbLock.RUnlock()
	if cb != nil {
		cb(p)
	}
}

// fail 传输层故障，通知上层摘除该 worker
func (w *zmqWorker) fail(err error) {
	select {
	case <-w.closed:
		return
	default:
	}

	w.cbLock.RLock()
	exitCb := w.exitCb
	w.cbLock.RUnlock()
	if exitCb != nil {
		exitCb(&TransportError{WorkerID: w.id, Err: err})
	}
}

func (w *zmqWorker) Post(p *Pack) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}

	select {
	case <-w.closed:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.sendChan <- [][]byte{raw}:
		return nil
	case <-w.closed:
		return ErrWorkerStopped
	}
}

func (w *zmqWorker) OnMessage(cb func(p *Pack)) {
	w.cbLock.Lock()
	w.cb = cb
	w.cbLock.Unlock()
}

func (w *zmqWorker) OnExit(cb func(err error)) {
	w.cbLock.Lock()
	w.exitCb = cb
	w.cbLock.Unlock()
}

func (w *zmqWorker) Terminate() error {
	w.closeOnce.Do(func() {
		close(w.closed)
	})
	return nil
}
