package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reaper is the backstop against leaked browser processes: on a fixed
// interval it force-closes leased sessions whose deadline elapsed without
// the owning executor settling the lease (crashed caller, dropped
// connection).
type Reaper struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReaper creates a reaper sweeping the given pool.
func NewReaper(p *Pool, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reaper{
		pool:     p,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in the background.
func (r *Reaper) Start() {
	go r.run()
}

func (r *Reaper) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			if ids := r.pool.ReapExpired(now); len(ids) > 0 {
				r.logger.Warn("reaped sessions past their deadline",
					zap.Strings("session_ids", ids))
			}
		}
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}
