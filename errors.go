package parcall

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pkgerr "github.com/pkg/errors"
)

var (
	ErrClosed         = errors.New("parcall: orchestrator is closed")
	ErrWorkerGone     = errors.New("parcall: pinned worker no longer exists")
	ErrWorkerStopped  = errors.New("parcall: worker is terminated")
	ErrChannelClosed  = errors.New("parcall: channel is closed")
	ErrInvalidModule  = errors.New("parcall: register module err: invalid module")
	ErrTooFewParam    = errors.New("parcall: too few parameters")
	ErrTooManyResult  = errors.New("parcall: at most one value besides error may be returned")
	ErrInvalidParam   = errors.New("parcall: the first param must be Context")
	ErrInvalidResult  = errors.New("parcall: the last return value must be error")
	ErrNoSuchFunction = errors.New("parcall: no such function")
)

// ErrorObject 异常的可移植表示，可以跨执行边界传输并在另一侧重建。
type ErrorObject struct {
	Name           string         `msgpack:"name"`
	Message        string         `msgpack:"message"`
	Stack          string         `msgpack:"stack,omitempty"`
	Code           string         `msgpack:"code,omitempty"`
	Cause          *ErrorObject   `msgpack:"cause,omitempty"`
	Errors         []*ErrorObject `msgpack:"errors,omitempty"`
	Unserializable bool           `msgpack:"unserializable,omitempty"`
}

// RemoteError 被调函数抛出的异常在本地的重建形式
type RemoteError struct {
	Name    string
	Message string
	Stack   string
	Code    string
	Cause   error
	Errors  []error
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func (e *RemoteError) Unwrap() error { return e.Cause }

// TransportError worker 意外退出或崩溃
type TransportError struct {
	WorkerID string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parcall: worker %s exited unexpectedly", e.WorkerID)
	}
	return fmt.Sprintf("parcall: worker %s exited unexpectedly: %v", e.WorkerID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError 调用超过本地时限
type TimeoutError struct {
	Module string
	Fn     string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("parcall: call %s.%s timed out after %s", e.Module, e.Fn, e.After)
}

// CancelledError 调用被本地取消
type CancelledError struct {
	TaskID uint64
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("parcall: task %d was cancelled", e.TaskID)
}

// ProtocolError 收到格式错误或不符合预期的消息包
type ProtocolError struct {
	Kind   Kind
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("parcall: protocol error on %s pack: %s", e.Kind, e.Reason)
}

// SerializationError 某个值无法跨边界传输
type SerializationError struct {
	Module string
	Fn     string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("parcall: value could not be serialized in %s.%s: %v", e.Module, e.Fn, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

var errorKinds sync.Map // name : func(*ErrorObject) error

// RegisterErrorKind 注册命名异常的重建函数。
// 	Response Router 重建 error 包时，如果名字匹配则使用注册的构造函数，
// 	否则退回到 *RemoteError。
func RegisterErrorKind(name string, ctor func(obj *ErrorObject) error) {
	errorKinds.Store(name, ctor)
}

// rebuild 根据可移植表示重建一个“活的” error 实例
func (obj *ErrorObject) rebuild() error {
	if obj == nil {
		return nil
	}
	if v, ok := errorKinds.Load(obj.Name); ok {
		return v.(func(*ErrorObject) error)(obj)
	}

	e := &RemoteError{
		Name:    obj.Name,
		Message: obj.Message,
		Stack:   obj.Stack,
		Code:    obj.Code,
	}
	if obj.Cause != nil {
		e.Cause = obj.Cause.rebuild()
	}
	for _, sub := range obj.Errors {
		e.Errors = append(e.Errors, sub.rebuild())
	}
	return e
}

// toErrorObject 把 error 转为可移植表示
func toErrorObject(err error) *ErrorObject {
	if err == nil {
		return nil
	}

	switch e := err.(type) {
	case *RemoteError:
		obj := &ErrorObject{Name: e.Name, Message: e.Message, Stack: e.Stack, Code: e.Code}
		if e.Cause != nil {
			obj.Cause = toErrorObject(e.Cause)
		}
		for _, sub := range e.Errors {
			obj.Errors = append(obj.Errors, toErrorObject(sub))
		}
		return obj
	case interface{ Unwrap() []error }: // errors.Join 聚合
		obj := &ErrorObject{Name: "AggregateError", Message: err.Error()}
		for _, sub := range e.Unwrap() {
			obj.Errors = append(obj.Errors, toErrorObject(sub))
		}
		return obj
	}

	obj := &ErrorObject{Name: "Error", Message: err.Error()}
	if cause := errors.Unwrap(err); cause != nil {
		obj.Cause = toErrorObject(cause)
	}
	if coded, ok := err.(interface{ Code() string }); ok {
		obj.Code = coded.Code()
	}
	if st, ok := err.(stackTracer); ok {
		obj.Stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	return obj
}

// pkg/errors 风格的堆栈
type stackTracer interface {
	StackTrace() pkgerr.StackTrace
}

// addFrame 追加一条合成栈帧，使不可序列化的异常仍然可以定位到出错的函数
func (obj *ErrorObject) addFrame(fn, module string) {
	frame := fmt.Sprintf("at %s (%s)", fn, module)
	if obj.Stack == "" {
		obj.Stack = frame
		return
	}
	obj.Stack = obj.Stack + "\n    " + frame
}

// looksUnserializable 从底层传输报错文本推断序列化失败
func looksUnserializable(msg string) bool {
	msg = strings.ToLower(msg)
	for _, pat := range []string{
		"could not be cloned",
		"could not be serialized",
		"unsupported type",
		"msgpack: ",
		"cannot encode",
	} {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}
