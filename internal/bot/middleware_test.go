package bot

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "pingall/pkg/logx"
)

func TestChainOrder(t *testing.T) {
	t.Parallel()
	var trail []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				trail = append(trail, name)
				return next(ctx, req)
			}
		}
	}
	h := Chain(func(ctx context.Context, req *Request) error {
		trail = append(trail, "handler")
		return nil
	}, mark("outer"), mark("inner"))
	if err := h(context.Background(), &Request{}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if got := strings.Join(trail, ","); got != "outer,inner,handler" {
		t.Fatalf("order %s", got)
	}
}

func TestPanicRecoverCounts(t *testing.T) {
	t.Parallel()
	var panics atomic.Uint64
	h := Chain(func(ctx context.Context, req *Request) error {
		panic("bad handler")
	}, MWPanicRecover(logx.Nop(), &panics))
	err := h(context.Background(), &Request{})
	if err == nil || !strings.Contains(err.Error(), "bad handler") {
		t.Fatalf("err: %v", err)
	}
	if panics.Load() != 1 {
		t.Fatalf("panics=%d", panics.Load())
	}
}

func TestTimeoutBoundsHandler(t *testing.T) {
	t.Parallel()
	h := Chain(func(ctx context.Context, req *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, MWTimeout(10*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- h(context.Background(), &Request{}) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not cancelled")
	}
}
