package db

import "sync/atomic"

// Liveness carries the per-handle state the reaper polls: an alive flag set by
// every successful call, a consecutive miss counter, the miss budget and an
// optional group id shared by handles on one heartbeat.
type Liveness struct {
	alive   atomic.Bool
	misses  atomic.Int32
	timeout atomic.Int32
	group   atomic.Int64
}

// NewLiveness returns a record that starts alive with the given budget and group.
func NewLiveness(timeout int, group int64) *Liveness {
	l := &Liveness{}
	l.alive.Store(true)
	l.timeout.Store(int32(timeout))
	l.group.Store(group)
	return l
}

// MarkAlive records activity since the last poll.
func (l *Liveness) MarkAlive() { l.alive.Store(true) }

// Alive reports whether activity was recorded since the last reset.
func (l *Liveness) Alive() bool { return l.alive.Load() }

// Reset clears the alive flag. Only the reaper calls it.
func (l *Liveness) Reset() { l.alive.Store(false) }

// Miss increments and returns the consecutive miss counter.
func (l *Liveness) Miss() int { return int(l.misses.Add(1)) }

// ClearMisses sets the miss counter back to zero.
func (l *Liveness) ClearMisses() { l.misses.Store(0) }

// Misses returns the consecutive miss counter.
func (l *Liveness) Misses() int { return int(l.misses.Load()) }

// Timeout returns the number of consecutive misses tolerated.
func (l *Liveness) Timeout() int { return int(l.timeout.Load()) }

// SetTimeout changes the miss budget.
func (l *Liveness) SetTimeout(n int) { l.timeout.Store(int32(n)) }

// Group returns the heartbeat group id, 0 when ungrouped.
func (l *Liveness) Group() int64 { return l.group.Load() }

// SetGroup joins the handle to a heartbeat group; 0 leaves it.
func (l *Liveness) SetGroup(id int64) { l.group.Store(id) }
