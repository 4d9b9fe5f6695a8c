package parcall

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimeoutWatcherSurvivesPoolRelease(t *testing.T) {
	o, _ := newStubOrchestrator(t)
	// 协程池被释放后监视退化为裸协程，时限仍然生效
	o.gopool.Release()

	h, err := o.Dispatch(context.Background(), "mod", "Slow", nil, WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.Result(context.Background())
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("result: %v, want TimeoutError", err)
	}
}
