package fusion

// ShouldAccept reports whether a sample arriving at now passes a gate whose last accepted sample
// was at lastAccepted. All values are milliseconds.
func ShouldAccept(now, lastAccepted, interval int64) bool {
	return now-lastAccepted >= interval
}

// Gate throttles samples to at most one per interval. A session owns exactly one gate shared by
// every source it listens to; only the source that drives output advances it.
type Gate struct {
	intervalMs     int64
	lastAcceptedMs int64
	primed         bool
}

// NewGate returns a gate with the given interval in milliseconds. An interval of 0 accepts every
// sample.
func NewGate(intervalMs int) *Gate {
	return &Gate{intervalMs: int64(intervalMs)}
}

// Check reports whether a sample arriving at nowMs would pass, without making it the reference.
// Everything passes until the gate has accepted once.
func (g *Gate) Check(nowMs int64) bool {
	return !g.primed || ShouldAccept(nowMs, g.lastAcceptedMs, g.intervalMs)
}

// Accept evaluates a sample arriving at nowMs and, if it passes, makes nowMs the new reference.
// The first sample seen by a gate always passes.
func (g *Gate) Accept(nowMs int64) bool {
	if !g.Check(nowMs) {
		return false
	}
	g.lastAcceptedMs = nowMs
	g.primed = true
	return true
}

// SetInterval changes the interval. It applies from the next sample evaluated.
func (g *Gate) SetInterval(intervalMs int) {
	g.intervalMs = int64(intervalMs)
}

// Interval returns the interval in milliseconds.
func (g *Gate) Interval() int {
	return int(g.intervalMs)
}

// LastAccepted returns the time of the last accepted sample, and false if nothing has been
// accepted yet.
func (g *Gate) LastAccepted() (int64, bool) {
	return g.lastAcceptedMs, g.primed
}
