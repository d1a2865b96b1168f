package source

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// pacer is a rate limiter that halves its rate after upstream throttling
// and recovers by 20% per success, within [initial/4, initial*2].
type pacer struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

func newPacer(perSec float64) *pacer {
	if perSec <= 0 {
		perSec = 2
	}
	l := rate.Limit(perSec)
	return &pacer{limiter: rate.NewLimiter(l, 1), initial: l, current: l}
}

func (p *pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *pacer) ease() {
	p.adjust(func(cur rate.Limit) rate.Limit { return min(cur*1.2, p.initial*2) })
}

func (p *pacer) throttle() {
	l := p.adjust(func(cur rate.Limit) rate.Limit { return max(cur*0.5, p.initial/4) })
	zap.L().Warn("source: upstream throttled, slowing down",
		zap.Float64("per_sec", float64(l)),
	)
}

func (p *pacer) adjust(fn func(rate.Limit) rate.Limit) rate.Limit {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = fn(p.current)
	p.limiter.SetLimit(p.current)
	return p.current
}

func (p *pacer) Limit() rate.Limit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
