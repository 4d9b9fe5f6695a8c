package parcall

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

var (
	errType     = reflect.TypeOf(new(error)).Elem()
	ctxType     = reflect.TypeOf(new(context.Context)).Elem()
	yielderType = reflect.TypeOf((*Yielder)(nil))
)

// fnSpec 一个可远程调用的函数
type fnSpec struct {
	name        string
	fn          reflect.Value
	paramTypes  []reflect.Type
	resultTypes []reflect.Type
	generator   bool
}

// Runtime 驻留在 worker 上下文中的模块运行时，负责定位被调函数
type Runtime struct {
	modules map[string]map[string]*fnSpec
	lock    sync.RWMutex
}

func NewRuntime() *Runtime {
	return &Runtime{
		modules: make(map[string]map[string]*fnSpec),
	}
}

// RegisterModule 注册模块：impl 的每个导出方法成为可远程调用的函数。
// 	约定：第一个参数必须是 Context；最后一个返回值必须是 error，
// 	error 之外最多一个返回值；最后一个参数为 *Yielder 的方法是生成器；
// 	参数中的 Channel 会在调用到达时接到桥上。
func (r *Runtime) RegisterModule(name string, impl interface{}) error {
	rv := reflect.ValueOf(impl)
	if !rv.IsValid() || (rv.Kind() == reflect.Ptr && rv.IsNil()) {
		return ErrInvalidModule
	}

	t := reflect.TypeOf(impl)
	indirect := t
	if indirect.Kind() == reflect.Ptr {
		indirect = indirect.Elem()
	}
	if name == "" {
		name = indirect.Name()
	}

	fns := make(map[string]*fnSpec)
	for i := 0; i < rv.NumMethod(); i++ {
		method := rv.Method(i)
		mtype := method.Type()
		spec := &fnSpec{
			name: t.Method(i).Name,
			fn:   method,
		}

		numIn := mtype.NumIn()
		if numIn < 1 {
			return ErrTooFewParam
		}
		for j := 0; j < numIn; j++ {
			spec.paramTypes = append(spec.paramTypes, mtype.In(j))
		}
		if !spec.paramTypes[0].Implements(ctxType) {
			return ErrInvalidParam
		}
		if spec.paramTypes[numIn-1] == yielderType {
			spec.generator = true
		}

		numOut := mtype.NumOut()
		if numOut < 1 {
			return ErrInvalidResult
		}
		for j := 0; j < numOut; j++ {
			spec.resultTypes = append(spec.resultTypes, mtype.Out(j))
		}
		if !spec.resultTypes[numOut-1].Implements(errType) {
			return ErrInvalidResult
		}
		if numOut > 2 {
			return ErrTooManyResult
		}

		fns[spec.name] = spec
	}

	r.lock.Lock()
	r.modules[name] = fns
	r.lock.Unlock()
	return nil
}

// lookup 定位函数
func (r *Runtime) lookup(module, fn string) (*fnSpec, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	fns, ok := r.modules[module]
	if !ok {
		return nil, fmt.Errorf("%w: no %s module", ErrNoSuchFunction, module)
	}
	spec, ok := fns[fn]
	if !ok {
		return nil, fmt.Errorf("%w: no %s.%s", ErrNoSuchFunction, module, fn)
	}
	return spec, nil
}

// Yielder 生成器方法的产出口。Yield 发出一个值后挂起，
// 	直到消费端请求下一个值；返回值是消费端注入的值（没有则为 nil）。
type Yielder struct {
	taskID uint64
	ctx    context.Context
	codec  *marshaller
	fw     forwarder
	post   func(p *Pack) error
	next   chan *Pack
}

func (y *Yielder) Yield(v interface{}) (interface{}, error) {
	value, buffers, err := y.codec.marshalValue(v, y.fw)
	if err != nil {
		return nil, err
	}
	if err := y.post(&Pack{Kind: YIELD, TaskID: y.taskID, Value: value, Buffers: buffers}); err != nil {
		return nil, err
	}

	select {
	case p := <-y.next:
		if p == nil || p.Value == nil {
			return nil, nil
		}
		return y.codec.unwrap(p.Value, p.Buffers, y.fw)
	case <-y.ctx.Done():
		return nil, y.ctx.Err()
	}
}
