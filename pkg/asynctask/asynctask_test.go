package asynctask

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTask_StartStop(t *testing.T) {
	var ticks int32
	task := New("test", func(ctx context.Context, stopCh <-chan struct{}) {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				atomic.AddInt32(&ticks, 1)
			}
		}
	}, nil)

	task.Start(context.Background())
	if task.State() != StateRunning {
		t.Fatal("expected running after Start")
	}
	time.Sleep(20 * time.Millisecond)
	task.Stop()
	if task.State() != StateStopped {
		t.Fatal("expected stopped after Stop")
	}
	if atomic.LoadInt32(&ticks) == 0 {
		t.Fatal("expected at least one tick before stop")
	}
}

func TestTask_DoubleStartStopNoop(t *testing.T) {
	task := New("test", func(ctx context.Context, stopCh <-chan struct{}) {
		<-stopCh
	}, nil)

	task.Start(context.Background())
	task.Start(context.Background()) // no-op, must not deadlock or panic
	task.Stop()
	task.Stop() // no-op
}

func TestTask_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	task := New("test", func(ctx context.Context, stopCh <-chan struct{}) {
		select {
		case <-ctx.Done():
		case <-stopCh:
		}
		close(done)
	}, nil)

	task.Start(ctx)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not observe context cancellation")
	}
}
