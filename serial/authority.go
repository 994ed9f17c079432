package serial

import (
	"context"
	"time"

	"github.com/glycerine/idem"

	"github.com/cyberinferno/go-remotedb/logger"
)

// Authority is a Tracker that keeps a process-local copy of all serials,
// refreshed from the store in the background. Reads are answered from the
// copy; unknown tables fall back to the Proxy path.
type Authority struct {
	*Proxy

	interval time.Duration
	log      logger.Logger
	halt     *idem.Halter
}

// NewAuthority starts the refresh loop. Stop it with Close.
//
// Parameters:
//   - proxy: The Proxy whose store and declarations are shared
//   - interval: Time between refreshes, must be positive
//   - log: Logger for refresh failures
//
// Returns:
//   - The running Authority
func NewAuthority(proxy *Proxy, interval time.Duration, log logger.Logger) *Authority {
	a := &Authority{
		Proxy:    proxy,
		interval: interval,
		log:      log.With(logger.Field{Key: "component", Value: "serial-authority"}),
		halt:     idem.NewHalterNamed("serial.Authority"),
	}
	a.Refresh(context.Background())
	go a.loop()
	return a
}

func (a *Authority) loop() {
	defer a.halt.Done.Close()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.halt.ReqStop.Chan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.interval)
			a.Refresh(ctx)
			cancel()
		}
	}
}

// Refresh merges a store snapshot into the local copy.
func (a *Authority) Refresh(ctx context.Context) {
	snap, err := a.store.Snapshot(ctx)
	if err != nil {
		a.log.Warn("serial refresh failed", logger.Err(err))
		return
	}
	for id, v := range snap {
		a.seen.observe(id, v)
	}
}

// Serial answers from the local copy, falling back to the store.
func (a *Authority) Serial(ctx context.Context, id int32) (int64, error) {
	if v, ok := a.seen.get(id); ok {
		return v, nil
	}
	return a.Proxy.Serial(ctx, id)
}

// Serials answers each id like Serial.
func (a *Authority) Serials(ctx context.Context, ids []int32) ([]int64, error) {
	out := make([]int64, len(ids))
	for i, id := range ids {
		v, err := a.Serial(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Close stops the refresh loop and closes the store.
func (a *Authority) Close() error {
	if !a.halt.ReqStop.IsClosed() {
		a.halt.ReqStop.Close()
		<-a.halt.Done.Chan
	}
	return a.Proxy.Close()
}

// New returns an Authority refreshing every interval, or a plain Proxy when
// interval is zero.
func New(store Store, interval time.Duration, log logger.Logger) Tracker {
	p := NewProxy(store)
	if interval <= 0 {
		return p
	}
	return NewAuthority(p, interval, log)
}
