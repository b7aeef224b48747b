package core

import (
	"context"
	"fmt"
	"time"
)

const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// backoffDelay 指数退避: min(100ms * 2^(attempt-1), 2s)，attempt 从 1 开始
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// sleepContext 等待 d，期间响应 ctx 取消；只挂起当前 goroutine
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("quota client: cancelled during backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
