package main

import (
	"context"
	"log"
	"time"

	"github.com/hunyxv/parcall"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
)

type Calculator struct{}

func (*Calculator) Add(ctx context.Context, a, b int) (int, error) {
	return a + b, nil
}

// Range 生成器：依次产出 [start, stop)
func (*Calculator) Range(ctx context.Context, start, stop int, y *parcall.Yielder) (int, error) {
	n := 0
	for i := start; i < stop; i++ {
		if _, err := y.Yield(i); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Sum 消费通道中的数值直到通道关闭
func (*Calculator) Sum(ctx context.Context, ch parcall.Channel) (int64, error) {
	var total int64
	for {
		v, err := ch.Recv(ctx)
		if err != nil {
			if err == parcall.ErrChannelClosed {
				return total, nil
			}
			return 0, err
		}
		total += v.(int64)
	}
}

func main() {
	// 初始化 tp
	tp, err := tracerProvider("http://localhost:14268/api/traces")
	if err != nil {
		panic(err)
	}

	// 绑定全局 TracerProvider
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	rt := parcall.NewRuntime()
	// 注册模块
	if err := rt.RegisterModule("calc", &Calculator{}); err != nil {
		panic(err)
	}

	adapter, err := parcall.NewGoroutineAdapter(rt)
	if err != nil {
		panic(err)
	}
	defer adapter.Release()

	o, err := parcall.New(adapter, parcall.WithMaxWorkers(4))
	if err != nil {
		panic(err)
	}
	defer o.Close()

	ctx := context.Background()

	// 普通调用
	h, err := o.Dispatch(ctx, "calc", "Add", []interface{}{1, 2})
	if err != nil {
		panic(err)
	}
	v, err := h.Result(ctx)
	log.Printf("Add(1, 2) = %v, err = %v", v, err)

	// 生成器调用
	h, err = o.Dispatch(ctx, "calc", "Range", []interface{}{0, 5})
	if err != nil {
		panic(err)
	}
	it := h.Iterate()
	for {
		v, done, err := it.Next(ctx)
		if err != nil {
			panic(err)
		}
		if done {
			log.Printf("Range produced %v values", v)
			break
		}
		log.Printf("yield: %v", v)
	}

	// 通道参数
	ch := parcall.NewChannel(8)
	h, err = o.Dispatch(ctx, "calc", "Sum", []interface{}{ch}, parcall.WithTimeout(5*time.Second))
	if err != nil {
		panic(err)
	}
	for i := 1; i <= 4; i++ {
		if err := ch.Push(ctx, i); err != nil {
			panic(err)
		}
	}
	ch.Close(nil)
	v, err = h.Result(ctx)
	log.Printf("Sum(1..4) = %v, err = %v", v, err)

	if err := tp.Shutdown(ctx); err != nil {
		log.Println(err)
	}
}

func tracerProvider(url string) (*tracesdk.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
	if err != nil {
		return nil, err
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
	)
	return tp, nil
}
