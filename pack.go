package parcall

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind 消息包类型
type Kind uint8

const (
	CALL   Kind = iota + 1 // 调用请求
	RETURN                 // 调用结果
	YIELD                  // 生成器产出的值
	ERROR                  // 远端异常
	GEN                    // 生成器续传（可携带注入值）
	PUSH                   // channel 数据
	CLOSE                  // channel 关闭
	ABORT                  // 尽力而为的取消通知
)

var kindNames = map[Kind]string{
	CALL:   "call",
	RETURN: "return",
	YIELD:  "yield",
	ERROR:  "error",
	GEN:    "gen",
	PUSH:   "push",
	CLOSE:  "close",
	ABORT:  "abort",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Pack 执行边界两侧往来的消息包。
// 	带 TaskID 的包属于某次调用，带 ChannelID 的包属于某个 channel。
type Pack struct {
	Kind      Kind         `msgpack:"kind"`
	TaskID    uint64       `msgpack:"task_id,omitempty"`
	ChannelID string       `msgpack:"channel_id,omitempty"`
	Module    string       `msgpack:"module,omitempty"`
	Fn        string       `msgpack:"fn,omitempty"`
	Args      [][]byte     `msgpack:"args,omitempty"`
	Value     []byte       `msgpack:"value,omitempty"`
	Done      bool         `msgpack:"done,omitempty"`
	Error     *ErrorObject `msgpack:"error,omitempty"`
	Buffers   [][]byte     `msgpack:"buffers,omitempty"`
}

func (p *Pack) Marshal() ([]byte, error) {
	return msgpack.Marshal(p)
}

func UnmarshalPack(b []byte) (*Pack, error) {
	var p Pack
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
