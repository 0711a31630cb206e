package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter 串行限速器：令牌桶容量为1，同一时刻只放行一个请求，相邻请求间隔不小于 1/rps
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter 创建限速器，rps<=0 时不限速
func NewLimiter(rps float64) *Limiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Do 获取配额后执行fn，fn执行期间其他调用者排队等待
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.wait(ctx); err != nil {
		return err
	}
	return fn()
}

// Wait 只等待配额，不持有执行权
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wait(ctx)
}

func (l *Limiter) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := l.now()
	r := l.limiter.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		if err := l.sleep(ctx, d); err != nil {
			// 归还未使用的令牌
			r.CancelAt(l.now())
			return err
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
