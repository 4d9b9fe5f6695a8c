package parcall

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// chanDescriptor channel 的可移植描述符
type chanDescriptor struct {
	Type     string `msgpack:"type"` // 恒为 "Channel"
	ID       string `msgpack:"id"`
	Capacity int    `msgpack:"capacity"`
}

// bufferRef 指向随包转移的二进制缓冲，缓冲本体不参与再编码（移动而非复制）
type bufferRef struct {
	Type  string `msgpack:"type"` // 恒为 "Buffer"
	Index int    `msgpack:"index"`
}

// wireValue 单个参数/结果值的线上形式
type wireValue struct {
	Chan *chanDescriptor      `msgpack:"chan,omitempty"`
	Buf  *bufferRef           `msgpack:"buf,omitempty"`
	Err  *ErrorObject         `msgpack:"err,omitempty"`
	Map  map[string]wireValue `msgpack:"map,omitempty"`
	List []wireValue          `msgpack:"list,omitempty"`
	Raw  []byte               `msgpack:"raw,omitempty"`
	Nil  bool                 `msgpack:"nil,omitempty"`
}

// marshaller 在原生值和可移植线上形式之间转换。
// 	顶层以及纯 map/slice 的第一层会被扫描：二进制缓冲转为转移载荷，
// 	channel 换成描述符并接入桥，error 换成可移植表示。
type marshaller struct {
	bridge *channelBridge
}

func newMarshaller(bridge *channelBridge) *marshaller {
	m := &marshaller{bridge: bridge}
	bridge.codec = m
	return m
}

// marshalArgs 编码一次调用的全部参数，返回每参数的载荷、被移动的缓冲
// 	以及随调用绑定的 channel id
func (m *marshaller) marshalArgs(args []interface{}, fw forwarder) (packed [][]byte, buffers [][]byte, chans []string, err error) {
	// 中途失败时撤销已经接入桥的 channel，避免留下指向未收到调用的
	// worker 的写者
	fail := func(i int, e error) ([][]byte, [][]byte, []string, error) {
		for _, id := range chans {
			m.bridge.rollback(id)
		}
		return nil, nil, nil, fmt.Errorf("parcall: marshal argument %d: %w", i, e)
	}

	packed = make([][]byte, 0, len(args))
	for i, arg := range args {
		w, e := m.wrap(arg, 0, &buffers, &chans, fw)
		if e != nil {
			return fail(i, e)
		}
		raw, e := msgpack.Marshal(&w)
		if e != nil {
			return fail(i, e)
		}
		packed = append(packed, raw)
	}
	return packed, buffers, chans, nil
}

// marshalValue 编码单个值（return/yield/push 载荷）
func (m *marshaller) marshalValue(v interface{}, fw forwarder) (value []byte, buffers [][]byte, err error) {
	w, err := m.wrap(v, 0, &buffers, nil, fw)
	if err != nil {
		return nil, nil, err
	}
	value, err = msgpack.Marshal(&w)
	return value, buffers, err
}

func (m *marshaller) wrap(v interface{}, depth int, buffers *[][]byte, chans *[]string, fw forwarder) (wireValue, error) {
	switch t := v.(type) {
	case nil:
		return wireValue{Nil: true}, nil
	case []byte:
		idx := len(*buffers)
		*buffers = append(*buffers, t)
		return wireValue{Buf: &bufferRef{Type: "Buffer", Index: idx}}, nil
	case Channel:
		if fw != nil {
			if err := m.bridge.wrap(t, fw); err != nil {
				return wireValue{}, err
			}
		}
		if chans != nil {
			*chans = append(*chans, t.ID())
		}
		return wireValue{Chan: &chanDescriptor{Type: "Channel", ID: t.ID(), Capacity: t.Capacity()}}, nil
	case error:
		return wireValue{Err: toErrorObject(t)}, nil
	case map[string]interface{}:
		if depth == 0 {
			wm := make(map[string]wireValue, len(t))
			for k, item := range t {
				w, err := m.wrap(item, depth+1, buffers, chans, fw)
				if err != nil {
					return wireValue{}, err
				}
				wm[k] = w
			}
			return wireValue{Map: wm}, nil
		}
	case []interface{}:
		if depth == 0 {
			wl := make([]wireValue, 0, len(t))
			for _, item := range t {
				w, err := m.wrap(item, depth+1, buffers, chans, fw)
				if err != nil {
					return wireValue{}, err
				}
				wl = append(wl, w)
			}
			return wireValue{List: wl}, nil
		}
	}

	raw, err := msgpack.Marshal(v)
	if err != nil {
		return wireValue{}, err
	}
	return wireValue{Raw: raw}, nil
}

// unwrap 把线上形式还原为本地值；描述符物化为 channel 代理，
// 	可移植异常重建为 error 实例
func (m *marshaller) unwrap(value []byte, buffers [][]byte, fw forwarder) (interface{}, error) {
	var w wireValue
	if err := msgpack.Unmarshal(value, &w); err != nil {
		return nil, err
	}
	return m.unwrapWire(&w, buffers, fw)
}

func (m *marshaller) unwrapWire(w *wireValue, buffers [][]byte, fw forwarder) (interface{}, error) {
	switch {
	case w.Nil:
		return nil, nil
	case w.Buf != nil:
		if w.Buf.Index < 0 || w.Buf.Index >= len(buffers) {
			return nil, &ProtocolError{Reason: fmt.Sprintf("buffer index %d out of range", w.Buf.Index)}
		}
		return buffers[w.Buf.Index], nil
	case w.Chan != nil:
		return m.bridge.unwrap(w.Chan, fw)
	case w.Err != nil:
		return w.Err.rebuild(), nil
	case w.Map != nil:
		out := make(map[string]interface{}, len(w.Map))
		for k, item := range w.Map {
			item := item
			v, err := m.unwrapWire(&item, buffers, fw)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case w.List != nil:
		out := make([]interface{}, 0, len(w.List))
		for _, item := range w.List {
			item := item
			v, err := m.unwrapWire(&item, buffers, fw)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return decodeAny(w.Raw)
}

// unwrapInto 把一个参数载荷解码进给定类型的值（worker 侧反射调用使用）
func (m *marshaller) unwrapInto(value []byte, buffers [][]byte, fw forwarder, dst reflect.Value) error {
	var w wireValue
	if err := msgpack.Unmarshal(value, &w); err != nil {
		return err
	}

	if w.Raw != nil {
		return msgpack.Unmarshal(w.Raw, dst.Addr().Interface())
	}

	v, err := m.unwrapWire(&w, buffers, fw)
	if err != nil {
		return err
	}
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	rv := reflect.ValueOf(v)
	if !rv.Type().AssignableTo(dst.Type()) {
		return fmt.Errorf("parcall: cannot use %T as %s", v, dst.Type())
	}
	dst.Set(rv)
	return nil
}

// decodeAny 宽松解码：整数统一为 int64，浮点统一为 float64
func decodeAny(raw []byte) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	return dec.DecodeInterfaceLoose()
}
