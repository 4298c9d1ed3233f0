package fetcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pool enforces the politeness model: a global worker cap, a global request
// rate smoother, a per-origin concurrency cap and a per-origin minimum
// inter-request delay.
type pool struct {
	global  chan struct{}
	limiter *rate.Limiter

	perHost int
	mu      sync.Mutex
	hosts   map[string]chan struct{}
	last    map[string]time.Time
}

func newPool(globalCap, perHost int) *pool {
	return &pool{
		global:  make(chan struct{}, globalCap),
		limiter: rate.NewLimiter(rate.Limit(globalCap), globalCap),
		perHost: perHost,
		hosts:   make(map[string]chan struct{}),
		last:    make(map[string]time.Time),
	}
}

// acquire blocks until a request to origin may start, honoring delay as the
// minimum spacing between requests to that origin.
func (p *pool) acquire(ctx context.Context, origin string, delay time.Duration) error {
	select {
	case p.global <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.limiter.Wait(ctx); err != nil {
		<-p.global
		return err
	}

	host := p.hostSem(origin)
	select {
	case host <- struct{}{}:
	case <-ctx.Done():
		<-p.global
		return ctx.Err()
	}

	if wait := p.spacing(origin, delay); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-host
			<-p.global
			return ctx.Err()
		}
	}
	return nil
}

// release returns the origin and global tokens and stamps the access time.
func (p *pool) release(origin string) {
	p.mu.Lock()
	p.last[origin] = time.Now()
	host := p.hosts[origin]
	p.mu.Unlock()

	if host != nil {
		<-host
	}
	<-p.global
}

func (p *pool) hostSem(origin string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.hosts[origin]
	if !ok {
		sem = make(chan struct{}, p.perHost)
		p.hosts[origin] = sem
	}
	return sem
}

// spacing returns how long the caller must still wait to honor delay since
// the origin's last request.
func (p *pool) spacing(origin string, delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	lastAccess, ok := p.last[origin]
	if !ok {
		return 0
	}
	elapsed := time.Since(lastAccess)
	if elapsed >= delay {
		return 0
	}
	return delay - elapsed
}
