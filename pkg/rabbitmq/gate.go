package rabbitmq

import "sync"

// flowGate decides whether a publish may go out now. It closes while the
// confirm window is full, while the server has paused the channel with
// channel.flow, or while the connection is blocked. A publish refused by a
// closed gate arms a drain signal that fires once the gate opens again.
type flowGate struct {
	mu       sync.Mutex
	limit    int
	inflight int
	paused   bool
	blocked  bool
	pending  bool
	closed   bool
	drained  chan struct{}
}

func newFlowGate(limit int) *flowGate {
	return &flowGate{
		limit:   limit,
		drained: make(chan struct{}, 1),
	}
}

func (g *flowGate) openLocked() bool {
	return !g.paused && !g.blocked && g.inflight < g.limit
}

// acquire takes a slot in the confirm window. It returns false when the gate
// is closed.
func (g *flowGate) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if !g.openLocked() {
		g.pending = true
		return false
	}
	g.inflight++
	return true
}

// release frees n slots after confirms or failed publishes.
func (g *flowGate) release(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight = max(g.inflight-n, 0)
	g.signalLocked()
}

func (g *flowGate) setPaused(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = paused
	g.signalLocked()
}

func (g *flowGate) setBlocked(blocked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked = blocked
	g.signalLocked()
}

func (g *flowGate) signalLocked() {
	if g.closed || !g.pending || !g.openLocked() {
		return
	}
	g.pending = false
	select {
	case g.drained <- struct{}{}:
	default:
	}
}

// close ends the drain stream. Further acquires fail.
func (g *flowGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.drained)
}

func (g *flowGate) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}
