package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"

	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/metrics"
	"github.com/cyberinferno/go-remotedb/safeset"
)

// Reaper closes sessions whose clients stopped calling. Each cycle runs two
// passes over a snapshot of the manager:
//
//  1. Ungrouped sessions that missed more polls than their budget are closed.
//     Grouped sessions that were alive mark their group alive. Every
//     session's alive flag is reset.
//  2. Grouped sessions whose group was not marked alive are closed.
//
// A group therefore survives while any member is active, and is torn down
// as a whole once every member went quiet.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	log      logger.Logger
	metrics  *metrics.Metrics
	halt     *idem.Halter
	started  atomic.Bool
}

// NewReaper returns a reaper for manager. Call Start to run it.
func NewReaper(manager *Manager, interval time.Duration, log logger.Logger, m *metrics.Metrics) *Reaper {
	return &Reaper{
		manager:  manager,
		interval: interval,
		log:      log.With(logger.Field{Key: "component", Value: "reaper"}),
		metrics:  m,
		halt:     idem.NewHalterNamed("session.Reaper"),
	}
}

// Start runs cycles every interval in the background. With a zero interval
// it logs a warning and does nothing.
func (r *Reaper) Start() {
	if r.interval <= 0 {
		r.log.Warn("session reaping disabled, abandoned sessions are never closed")
		r.halt.Done.Close()
		return
	}
	r.started.Store(true)
	go r.loop()
}

func (r *Reaper) loop() {
	defer r.halt.Done.Close()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.halt.ReqStop.Chan:
			return
		case <-ticker.C:
			r.Cycle(context.Background())
		}
	}
}

// Stop ends the background loop and waits for a running cycle.
func (r *Reaper) Stop() {
	r.halt.ReqStop.Close()
	if !r.started.Load() {
		r.halt.Done.Close()
	}
	<-r.halt.Done.Chan
}

// Cycle runs both passes once and returns the number of sessions closed.
func (r *Reaper) Cycle(ctx context.Context) int {
	sessions := r.manager.Snapshot()
	aliveGroups := safeset.NewSafeSet[int64]()
	closed := 0

	for _, s := range sessions {
		if s.State() != Open {
			continue
		}

		live := s.handle.Liveness()
		alive := live.Alive()
		misses := 0
		if alive {
			live.ClearMisses()
		} else {
			misses = live.Miss()
		}

		group := live.Group()
		switch {
		case group == 0 && !alive && misses > live.Timeout():
			r.reap(ctx, s, "timeout", logger.Field{Key: "misses", Value: misses})
			closed++
			continue
		case group > 0 && alive:
			aliveGroups.Add(group)
		}
		live.Reset()
	}

	for _, s := range sessions {
		if s.State() != Open {
			continue
		}
		if group := s.Group(); group > 0 && !aliveGroups.Contains(group) {
			r.reap(ctx, s, "group timeout", logger.Field{Key: "group", Value: group})
			closed++
		}
	}

	return closed
}

func (r *Reaper) reap(ctx context.Context, s *Session, why string, field logger.Field) {
	s.log.Warn("reaping idle session", logger.Field{Key: "why", Value: why}, field)
	if err := s.close(ctx, "reaped: "+why); err != nil {
		r.log.Error("reaping failed", logger.Field{Key: "session", Value: s.number}, logger.Err(err))
	}
	r.metrics.Reaped()
}
