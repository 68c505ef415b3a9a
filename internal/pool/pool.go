// Package pool bounds the number of simultaneous browser sessions, queues
// excess lease requests in FIFO order, and recycles or destroys sessions
// after use.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/browsergrid/browsergrid/pkg/models"
)

// Session is the subset of a browser session the pool manages.
type Session interface {
	ID() string
	Execute(ctx context.Context, action models.Action) (models.ActionResult, error)
	Close() error
}

// Launcher creates a fresh session. The context only bounds the launch
// attempt; the session itself must outlive it.
type Launcher func(ctx context.Context) (Session, error)

// Config holds pool limits and rotation policy.
type Config struct {
	// Capacity is the maximum number of simultaneous sessions.
	Capacity int
	// MaxUses rotates a session out after this many leases. Zero disables
	// use-based rotation.
	MaxUses int
	// IdleTTL destroys idle sessions older than this instead of reusing
	// them. Zero disables age-based rotation.
	IdleTTL time.Duration
}

// Stats is a point-in-time snapshot for the liveness probe.
type Stats struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Idle     int `json:"idle"`
	Queued   int `json:"queued"`
}

// entry tracks reuse bookkeeping for one pooled session.
type entry struct {
	session Session
	uses    int
	idleAt  time.Time
}

// Lease is an exclusive claim on one session. It is settled exactly once,
// either by Release or by the reaper.
type Lease struct {
	pool     *Pool
	entry    *entry
	deadline time.Time
	settled  atomic.Bool
}

// Session returns the leased session.
func (l *Lease) Session() Session { return l.entry.session }

// Deadline returns the task deadline the lease was taken under.
func (l *Lease) Deadline() time.Time { return l.deadline }

// Pool manages a bounded set of browser sessions. Admission goes through a
// weighted semaphore, which serves waiters in FIFO order, so requests
// queued on a full pool are leased in submission order.
type Pool struct {
	cfg    Config
	launch Launcher
	logger *zap.Logger

	sem    *semaphore.Weighted
	queued atomic.Int64

	mu     sync.Mutex
	idle   []*entry
	leased map[string]*Lease
	closed bool
}

// New creates a pool. Sessions are launched lazily up to cfg.Capacity.
func New(cfg Config, launch Launcher, logger *zap.Logger) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	return &Pool{
		cfg:    cfg,
		launch: launch,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.Capacity)),
		leased: make(map[string]*Lease),
	}
}

// Lease blocks until a session is available or ctx is done. The deadline
// is recorded on the lease so the reaper can reclaim it if the caller
// never settles. Idle sessions are reused in preference to launching new
// ones; a failed launch is retried once before surfacing.
func (p *Pool) Lease(ctx context.Context, deadline time.Time) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, models.NewError(models.KindInternal, "pool is closed")
	}
	p.mu.Unlock()

	p.queued.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.queued.Add(-1)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, models.WrapError(models.KindPoolTimeout, err, "waiting for a session")
		}
		return nil, models.WrapError(models.KindCancelled, err, "request withdrawn while queued")
	}

	ent, err := p.takeIdleOrLaunch(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	lease := &Lease{pool: p, entry: ent, deadline: deadline}
	p.mu.Lock()
	p.leased[ent.session.ID()] = lease
	p.mu.Unlock()

	return lease, nil
}

func (p *Pool) takeIdleOrLaunch(ctx context.Context) (*entry, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, models.NewError(models.KindInternal, "pool is closed")
		}
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			break
		}
		ent := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		if p.cfg.IdleTTL > 0 && time.Since(ent.idleAt) > p.cfg.IdleTTL {
			p.logger.Debug("evicting stale idle session",
				zap.String("session_id", ent.session.ID()),
				zap.Duration("idle_for", time.Since(ent.idleAt)))
			_ = ent.session.Close()
			continue
		}

		ent.uses++
		return ent, nil
	}

	s, err := p.launch(ctx)
	if err != nil && models.IsKind(err, models.KindLaunchFailure) && ctx.Err() == nil {
		p.logger.Warn("browser launch failed, retrying once", zap.Error(err))
		s, err = p.launch(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &entry{session: s, uses: 1}, nil
}

// Release settles a lease. Healthy sessions rejoin the idle set unless
// rotation applies; unhealthy ones are destroyed. Releasing a lease the
// reaper already settled is a no-op.
func (p *Pool) Release(l *Lease, healthy bool) {
	if l == nil || !l.settled.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	delete(p.leased, l.entry.session.ID())
	reuse := healthy && !p.closed && (p.cfg.MaxUses <= 0 || l.entry.uses < p.cfg.MaxUses)
	if reuse {
		l.entry.idleAt = time.Now()
		p.idle = append(p.idle, l.entry)
	}
	p.mu.Unlock()

	if !reuse {
		_ = l.entry.session.Close()
	}
	p.sem.Release(1)
}

// ReapExpired force-closes leased sessions whose deadline has passed
// without the lease being settled, and frees their slots. Returns the ids
// of reaped sessions.
func (p *Pool) ReapExpired(now time.Time) []string {
	p.mu.Lock()
	var expired []*Lease
	for _, l := range p.leased {
		if !l.deadline.IsZero() && now.After(l.deadline) {
			expired = append(expired, l)
		}
	}
	p.mu.Unlock()

	var reaped []string
	for _, l := range expired {
		if !l.settled.CompareAndSwap(false, true) {
			continue
		}
		p.mu.Lock()
		delete(p.leased, l.entry.session.ID())
		p.mu.Unlock()

		_ = l.entry.session.Close()
		p.sem.Release(1)
		reaped = append(reaped, l.entry.session.ID())
	}
	return reaped
}

// Stats returns a snapshot of pool occupancy and queue depth.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	inUse := len(p.leased)
	idle := len(p.idle)
	p.mu.Unlock()

	return Stats{
		Capacity: p.cfg.Capacity,
		InUse:    inUse,
		Idle:     idle,
		Queued:   int(p.queued.Load()),
	}
}

// Close destroys all idle sessions and force-settles any outstanding
// leases. Subsequent Lease calls fail.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	outstanding := make([]*Lease, 0, len(p.leased))
	for _, l := range p.leased {
		outstanding = append(outstanding, l)
	}
	p.mu.Unlock()

	for _, ent := range idle {
		_ = ent.session.Close()
	}
	for _, l := range outstanding {
		if !l.settled.CompareAndSwap(false, true) {
			continue
		}
		p.mu.Lock()
		delete(p.leased, l.entry.session.ID())
		p.mu.Unlock()

		_ = l.entry.session.Close()
		p.sem.Release(1)
	}
}
