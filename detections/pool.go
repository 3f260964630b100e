package detections

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type sessionFactory func() (*ModelSession, error)

// SessionPool hands out exclusive access to a fixed number of sessions.
type SessionPool struct {
	name           string
	sessions       chan *ModelSession
	size           int
	live           int
	factory        sessionFactory
	acquireTimeout time.Duration
	healthPeriod   time.Duration
	logger         *zap.Logger

	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	wg         sync.WaitGroup
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	totalDiscarded  int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Size            int
	Live            int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	TotalDiscarded  int64
	AcquireFailures int64
	WaitTime        time.Duration
}

type poolConfig struct {
	size           int
	acquireTimeout time.Duration
	healthPeriod   time.Duration
}

func newSessionPool(name string, cfg poolConfig, factory sessionFactory, logger *zap.Logger) (*SessionPool, error) {
	if cfg.size <= 0 {
		cfg.size = DefaultPoolSize
	}
	if cfg.acquireTimeout <= 0 {
		cfg.acquireTimeout = AcquireTimeout
	}
	if cfg.healthPeriod <= 0 {
		cfg.healthPeriod = HealthCheckPeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool := &SessionPool{
		name:           name,
		sessions:       make(chan *ModelSession, cfg.size),
		size:           cfg.size,
		factory:        factory,
		acquireTimeout: cfg.acquireTimeout,
		healthPeriod:   cfg.healthPeriod,
		logger:         logger,
		done:           make(chan struct{}),
		metrics:        &PoolMetrics{},
	}

	for i := 0; i < cfg.size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
		pool.live++
	}

	pool.wg.Add(1)
	go pool.healthCheck()

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session *ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	// live never exceeds size, so this cannot block.
	p.sessions <- session
}

// Discard destroys a session that failed mid-run. The health check
// replaces it.
func (p *SessionPool) Discard(session *ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalDiscarded++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()

	session.Destroy()
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	close(p.sessions)
	for session := range p.sessions {
		session.Destroy()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *SessionPool) healthCheck() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			missing := p.size - p.live
			p.mu.Unlock()

			if missing > 0 {
				p.replenishSessions(missing)
			}
		}
	}
}

func (p *SessionPool) replenishSessions(count int) {
	for i := 0; i < count; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			p.logger.Warn("failed to replenish session", zap.String("model", p.name), zap.Error(err))
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.sessions <- session
		p.live++
		p.mu.Unlock()
	}
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// LastErrors returns the most recent replenish failures, oldest first.
func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		Live:            live,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		TotalDiscarded:  p.metrics.totalDiscarded,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTime:        p.metrics.waitTime,
	}
}
