package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/monitor"
	"taskd/internal/task"
	"taskd/pkg/logx"
)

// pool runs max workers as long-lived goroutines and scales by adjusting a
// permit limit instead of spawning and killing goroutines. A worker must
// hold a permit to consume work, so lowering the limit pauses consumption
// without ever interrupting a task already in flight; raising it resumes
// parked workers instantly. Scaling moves one step per evaluation tick,
// which is the only damping the loop needs.
type pool struct {
	log logx.Logger
	bus eventbus.Bus

	mu        sync.Mutex
	min       int
	max       int
	backlog   int
	idleAfter int
	idleTicks int

	permits     chan struct{}
	permitLimit atomic.Int32
	permitDebt  atomic.Int32
	inFlight    atomic.Int32
	crashes     atomic.Uint64

	// ready carries the personal hand-off channel of each idle worker.
	// len(ready) is therefore an exact count of workers able to accept a
	// task right now, which lets the control loop dispatch without ever
	// blocking on a send.
	ready chan chan *task.Task
}

func newPool(cfg Config, bus eventbus.Bus, log logx.Logger) *pool {
	p := &pool{
		log:       log,
		bus:       bus,
		min:       cfg.MinWorkers,
		max:       cfg.MaxWorkers,
		backlog:   cfg.BacklogFactor,
		idleAfter: cfg.IdleDownTicks,
		permits:   make(chan struct{}, cfg.MaxWorkers),
		ready:     make(chan chan *task.Task, cfg.MaxWorkers),
	}
	p.setPermitLimit(int32(cfg.MinWorkers))
	return p
}

// worker is the body of one pool goroutine. exec runs a task to completion
// and must not panic; task panics are contained inside it.
func (p *pool) worker(ctx context.Context, exec func(context.Context, *task.Task)) {
	slot := make(chan *task.Task, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.permits:
		}
		select {
		case <-ctx.Done():
			p.releasePermit()
			return
		case p.ready <- slot:
		}
		select {
		case <-ctx.Done():
			// The slot may already be claimed by the dispatcher; a
			// buffered channel lets that send land harmlessly. Drain a
			// task handed in the race so its in-flight count settles.
			select {
			case t := <-slot:
				if t != nil {
					p.inFlight.Add(-1)
				}
			default:
			}
			p.releasePermit()
			return
		case t := <-slot:
			if t != nil {
				exec(ctx, t)
				p.inFlight.Add(-1)
			}
			p.releasePermit()
		}
	}
}

// claim takes an idle worker's slot, or returns nil when none is free.
func (p *pool) claim() chan *task.Task {
	// A worker parked in ready before a scale-down still holds a token that
	// only retires as debt on its next release. Bounding dispatch by the
	// limit here keeps that worker from starting a task past the new limit.
	if p.inFlight.Load() >= p.permitLimit.Load() {
		return nil
	}
	select {
	case slot := <-p.ready:
		return slot
	default:
		return nil
	}
}

// hand delivers a task to a claimed slot. t may be nil to return the worker
// to the idle pool, used when dispatch aborts after claiming. inFlight is
// counted here rather than in the worker so the dispatch loop never reads a
// stale count between consecutive claims.
func (p *pool) hand(slot chan *task.Task, t *task.Task) {
	if t != nil {
		p.inFlight.Add(1)
	}
	slot <- t
}

func (p *pool) hasIdle() bool { return len(p.ready) > 0 }

// evaluate applies one scaling decision. Called once per monitor tick by the
// control loop only.
func (p *pool) evaluate(load monitor.Load, overloaded, headroom bool, queueDepth int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lim := int(p.permitLimit.Load())
	switch {
	case overloaded:
		p.idleTicks = 0
		if lim > p.min {
			p.scaleTo(lim-1, "overload", load, queueDepth)
		}
	case queueDepth > lim*p.backlog && lim < p.max && headroom:
		p.idleTicks = 0
		p.scaleTo(lim+1, "backlog", load, queueDepth)
	case queueDepth == 0 && p.inFlight.Load() == 0:
		p.idleTicks++
		if p.idleTicks >= p.idleAfter && lim > p.min {
			p.idleTicks = 0
			p.scaleTo(lim-1, "idle", load, queueDepth)
		}
	default:
		p.idleTicks = 0
	}
}

// scaleTo must be called with p.mu held.
func (p *pool) scaleTo(lim int, reason string, load monitor.Load, depth int) {
	from := int(p.permitLimit.Load())
	p.setPermitLimit(int32(lim))
	p.log.Info("worker pool scaled",
		logx.Int("from", from),
		logx.Int("to", lim),
		logx.String("reason", reason),
		logx.Float64("cpu_pct", load.CPUPct),
		logx.Float64("mem_pct", load.MemPct),
		logx.Int("queue_depth", depth),
	)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{
			Type: eventbus.TypePoolScaled,
			Time: time.Now(),
			Data: map[string]any{"from": from, "to": lim, "reason": reason},
		})
	}
}

// setPermitLimit rebalances permit tokens so that the number in circulation
// matches the new limit. Raising the limit either cancels pending retirement
// debt or mints fresh tokens, waking parked workers. Lowering it drains free
// tokens from the channel; tokens currently held by busy workers cannot be
// drained, so they become debt that releasePermit retires later. That
// laziness is what keeps running tasks uninterrupted during scale-down.
// Must be called with p.mu held.
func (p *pool) setPermitLimit(lim int32) {
	old := p.permitLimit.Swap(lim)
	for i := old; i < lim; i++ {
		if retirePending(&p.permitDebt) {
			continue
		}
		select {
		case p.permits <- struct{}{}:
		default:
		}
	}
	for i := lim; i < old; i++ {
		select {
		case <-p.permits:
		default:
			p.permitDebt.Add(1)
		}
	}
}

// releasePermit returns a worker's token to circulation, or retires it if
// the limit shrank while the token was held.
func (p *pool) releasePermit() {
	if retirePending(&p.permitDebt) {
		return
	}
	select {
	case p.permits <- struct{}{}:
	default:
	}
}

func retirePending(debt *atomic.Int32) bool {
	for {
		d := debt.Load()
		if d <= 0 {
			return false
		}
		if debt.CompareAndSwap(d, d-1) {
			return true
		}
	}
}

func (p *pool) apply(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.min = cfg.MinWorkers
	p.max = cfg.MaxWorkers
	p.backlog = cfg.BacklogFactor
	p.idleAfter = cfg.IdleDownTicks
	lim := int(p.permitLimit.Load())
	switch {
	case lim < p.min:
		p.setPermitLimit(int32(p.min))
	case lim > p.max:
		p.setPermitLimit(int32(p.max))
	}
}

func (p *pool) activeLimit() int { return int(p.permitLimit.Load()) }
func (p *pool) busy() int        { return int(p.inFlight.Load()) }
func (p *pool) idle() int        { return len(p.ready) }
func (p *pool) crashCount() uint64 {
	return p.crashes.Load()
}
