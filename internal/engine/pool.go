package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chessd/backend/internal/metrics"
	"github.com/chessd/backend/internal/serverstate"
)

// Config holds the pool's sizing and subprocess-launch parameters.
type Config struct {
	EnginePath   string
	EngineArgs   []string
	MinInstances int
	MaxInstances int
	QueueSize    int
}

// Pool owns up to Config.MaxInstances engine subprocesses and keeps at
// least Config.MinInstances alive. It balances submissions across
// instances by shortest queue and scales the instance count under
// sustained load or idleness.
type Pool struct {
	cfg   Config
	state *serverstate.State

	mu         sync.Mutex
	instances  map[int]*instance
	nextID     int
	fullSince  *time.Time
	emptySince *time.Time

	done chan struct{}
}

// New constructs a Pool and immediately spawns Config.MinInstances
// instances. A spawn failure at construction time is logged but does not
// abort startup — auto_scale will keep retrying.
func New(cfg Config, state *serverstate.State) *Pool {
	p := &Pool{
		cfg:       cfg,
		state:     state,
		instances: make(map[int]*instance),
		done:      make(chan struct{}),
	}
	for i := 0; i < cfg.MinInstances; i++ {
		if _, err := p.spawn(); err != nil {
			log.Printf("[engine] initial spawn failed: %v", err)
		}
	}
	go p.runAutoScaler(5 * time.Second)
	return p
}

// runAutoScaler calls AutoScale on a fixed tick until the pool is shut down
// or the process-wide shutdown latch is raised, whichever comes first.
func (p *Pool) runAutoScaler(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-p.state.Done():
			return
		case <-ticker.C:
			p.AutoScale()
		}
	}
}

// spawn starts one new engine instance and admits it into the pool if
// Config.MaxInstances has not been reached. Returns the assigned instance
// id, or an error if the pool is full or the subprocess failed its probe.
func (p *Pool) spawn() (int, error) {
	p.mu.Lock()
	if len(p.instances) >= p.cfg.MaxInstances {
		p.mu.Unlock()
		return 0, fmt.Errorf("engine: pool at max_instances (%d)", p.cfg.MaxInstances)
	}
	id := p.nextID
	p.mu.Unlock()

	inst, err := spawnInstance(id, p.cfg.EnginePath, p.cfg.EngineArgs, p.cfg.QueueSize)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	if len(p.instances) >= p.cfg.MaxInstances {
		p.mu.Unlock()
		inst.close()
		return 0, fmt.Errorf("engine: pool filled while spawning")
	}
	p.instances[id] = inst
	p.nextID++
	count := len(p.instances)
	p.mu.Unlock()

	go inst.run(p.done, p.onWorkerExit)
	log.Printf("[engine] spawned instance %d (total=%d)", id, count)
	return id, nil
}

// onWorkerExit removes an instance whose worker loop exited on its own
// (broken pipe) from the pool map and closes its pipes.
func (p *Pool) onWorkerExit(id int) {
	p.mu.Lock()
	inst, ok := p.instances[id]
	if ok {
		delete(p.instances, id)
	}
	p.mu.Unlock()
	if ok {
		log.Printf("[engine] instance %d worker exited, closing", id)
		inst.close()
	}
}

// Submit sends message to the instance with the shortest queue and waits
// up to timeout for a response. It returns nil if there are no instances,
// the chosen instance's queue is full, the caller's timeout elapses, or
// the worker reported an error (logged, not returned).
func (p *Pool) Submit(gameID string, req Request, timeout time.Duration) *Response {
	p.mu.Lock()
	if len(p.instances) == 0 {
		p.mu.Unlock()
		log.Printf("[engine] submit game=%s: no instances available", gameID)
		metrics.EngineTasksTotal.WithLabelValues("no_instances").Inc()
		return nil
	}
	var best *instance
	for _, inst := range p.instances {
		if best == nil || len(inst.queue) < len(best.queue) || (len(inst.queue) == len(best.queue) && inst.id < best.id) {
			best = inst
		}
	}
	p.mu.Unlock()

	t := &task{
		gameID:  gameID,
		req:     req,
		reply:   make(chan taskResult, 1),
		id:      newCorrelationID(),
		created: time.Now(),
	}

	select {
	case best.queue <- t:
	case <-time.After(500 * time.Millisecond):
		log.Printf("[engine] submit game=%s instance=%d: queue full", gameID, best.id)
		metrics.EngineTasksTotal.WithLabelValues("queue_full").Inc()
		return nil
	}

	select {
	case res := <-t.reply:
		if !res.ok {
			log.Printf("[engine] task %s (game=%s) failed: %v", t.id, gameID, res.err)
			metrics.EngineTasksTotal.WithLabelValues("error").Inc()
			return nil
		}
		metrics.EngineTasksTotal.WithLabelValues("ok").Inc()
		return &res.resp
	case <-time.After(timeout):
		log.Printf("[engine] task %s (game=%s) timed out after %s", t.id, gameID, timeout)
		metrics.EngineTasksTotal.WithLabelValues("timeout").Inc()
		return nil
	}
}

// AutoScale should be invoked periodically (every 5s is sufficient). It
// spawns one instance when the summed queue length has stayed at or above
// 90% of the pool's combined queue capacity for more than 5 seconds and the
// pool is below max, and closes the least-recently-used
// instance when every queue has stayed empty for more than 10 seconds and
// the pool is above min. Exactly one instance is added or removed per call.
func (p *Pool) AutoScale() {
	p.mu.Lock()
	if len(p.instances) == 0 {
		p.mu.Unlock()
		if _, err := p.spawn(); err != nil {
			log.Printf("[engine] auto_scale spawn: %v", err)
		}
		return
	}

	var totalQ int
	n := len(p.instances)
	var lru *instance
	for _, inst := range p.instances {
		totalQ += len(inst.queue)
		if lru == nil || inst.lastUsed.Load() < lru.lastUsed.Load() {
			lru = inst
		}
	}

	fullThreshold := float64(p.cfg.QueueSize) * 0.9
	allFull := float64(totalQ) >= float64(n)*fullThreshold
	allEmpty := totalQ == 0

	now := time.Now()
	var doSpawn, doClose bool
	var closeID int

	if allFull {
		if p.fullSince == nil {
			p.fullSince = &now
		} else if now.Sub(*p.fullSince) > 5*time.Second {
			if n < p.cfg.MaxInstances {
				doSpawn = true
			}
			p.fullSince = nil
		}
	} else {
		p.fullSince = nil
	}

	if allEmpty && n > p.cfg.MinInstances {
		if p.emptySince == nil {
			p.emptySince = &now
		} else if now.Sub(*p.emptySince) > 10*time.Second {
			doClose = true
			closeID = lru.id
			p.emptySince = nil
		}
	} else {
		p.emptySince = nil
	}
	p.mu.Unlock()

	if doSpawn {
		log.Printf("[engine] scaling up: total_queue=%d instances=%d", totalQ, n)
		if _, err := p.spawn(); err != nil {
			log.Printf("[engine] auto_scale spawn: %v", err)
		}
	}
	if doClose {
		log.Printf("[engine] scaling down: closing idle instance %d", closeID)
		p.closeInstance(closeID)
	}
}

// closeInstance removes id from the pool map under the lock and closes its
// subprocess outside the lock.
func (p *Pool) closeInstance(id int) {
	p.mu.Lock()
	inst, ok := p.instances[id]
	if ok {
		delete(p.instances, id)
	}
	p.mu.Unlock()
	if ok {
		inst.close()
	}
}

// InstanceStats describes one engine instance's current load and lifetime.
type InstanceStats struct {
	QueueSize      int
	TasksProcessed int64
	Uptime         time.Duration
	IdleTime       time.Duration
}

// Stats returns the current instance count and per-instance statistics.
func (p *Pool) Stats() (int, map[int]InstanceStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	out := make(map[int]InstanceStats, len(p.instances))
	for id, inst := range p.instances {
		out[id] = InstanceStats{
			QueueSize:      len(inst.queue),
			TasksProcessed: inst.tasksProcessed.Load(),
			Uptime:         now.Sub(inst.createdAt),
			IdleTime:       now.Sub(time.Unix(0, inst.lastUsed.Load())),
		}
	}
	return len(p.instances), out
}

// Shutdown closes every instance in the pool. Safe to call once during
// server teardown.
func (p *Pool) Shutdown() {
	close(p.done)
	p.mu.Lock()
	ids := make([]int, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.closeInstance(id)
	}
}
