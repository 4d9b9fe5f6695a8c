package parcall

import (
	"errors"
	"strings"
	"testing"

	pkgerr "github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

func TestErrorObjectRoundTrip(t *testing.T) {
	src := &RemoteError{
		Name:    "RangeError",
		Message: "boom",
		Code:    "E42",
		Cause:   errors.New("root cause"),
	}

	obj := toErrorObject(src)
	raw, err := msgpack.Marshal(obj)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ErrorObject
	if err := msgpack.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	rebuilt := decoded.rebuild()
	re, ok := rebuilt.(*RemoteError)
	if !ok {
		t.Fatalf("rebuilt %T, want *RemoteError", rebuilt)
	}
	if re.Name != "RangeError" || re.Message != "boom" || re.Code != "E42" {
		t.Fatalf("rebuilt %+v", re)
	}
	cause := errors.Unwrap(re)
	if cause == nil || !strings.Contains(cause.Error(), "root cause") {
		t.Fatalf("cause did not survive: %v", cause)
	}
}

func TestToErrorObjectStack(t *testing.T) {
	err := pkgerr.New("with stack")
	obj := toErrorObject(err)
	if obj.Stack == "" {
		t.Fatal("stack was not captured")
	}
	if obj.Message != "with stack" {
		t.Fatalf("message = %q", obj.Message)
	}
}

type codedError struct{ msg string }

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return "E_CODED" }

func TestToErrorObjectCode(t *testing.T) {
	obj := toErrorObject(&codedError{msg: "nope"})
	if obj.Code != "E_CODED" {
		t.Fatalf("code = %q, want E_CODED", obj.Code)
	}
}

func TestRegisterErrorKind(t *testing.T) {
	type quotaError struct{ RemoteError }

	RegisterErrorKind("TestQuotaError", func(obj *ErrorObject) error {
		return &quotaError{RemoteError{Name: obj.Name, Message: obj.Message}}
	})

	obj := &ErrorObject{Name: "TestQuotaError", Message: "limit reached"}
	rebuilt := obj.rebuild()
	if _, ok := rebuilt.(*quotaError); !ok {
		t.Fatalf("rebuilt %T, want *quotaError", rebuilt)
	}
}

func TestAddFrame(t *testing.T) {
	obj := &ErrorObject{Name: "Error", Message: "oops"}
	obj.addFrame("Transform", "image.mod")
	if obj.Stack != "at Transform (image.mod)" {
		t.Fatalf("stack = %q", obj.Stack)
	}
	obj.addFrame("Pipeline", "image.mod")
	if !strings.Contains(obj.Stack, "at Pipeline (image.mod)") {
		t.Fatalf("stack = %q", obj.Stack)
	}
}

func TestLooksUnserializable(t *testing.T) {
	for _, msg := range []string{
		"object could not be cloned",
		"msgpack: unsupported type func()",
		"cannot encode value",
	} {
		if !looksUnserializable(msg) {
			t.Fatalf("%q should look unserializable", msg)
		}
	}
	if looksUnserializable("plain failure") {
		t.Fatal("plain failure must not look unserializable")
	}
}

func TestAggregateError(t *testing.T) {
	joined := errors.Join(errors.New("first"), errors.New("second"))
	obj := toErrorObject(joined)
	if obj.Name != "AggregateError" {
		t.Fatalf("name = %q, want AggregateError", obj.Name)
	}
	if len(obj.Errors) != 2 {
		t.Fatalf("got %d sub errors, want 2", len(obj.Errors))
	}
}
