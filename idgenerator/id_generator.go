// Package idgenerator hands out monotonically increasing numbers, used for
// session numbers, connection ids and cursor ids.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint64 ids in a
// concurrency-safe manner. The first Id() returns startValue+1.
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first id is startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next id.
func (g *IdGenerator) Id() uint64 {
	return g.id.Add(1)
}

// Last returns the most recently issued id, or the start value if none was issued.
func (g *IdGenerator) Last() uint64 {
	return g.id.Load()
}

// Adjust raises the counter to at least min so that ids issued afterwards
// never collide with ids allocated elsewhere (e.g. restored from storage).
// It never lowers the counter.
//
// Parameters:
//   - min: The lowest value the counter may hold after the call
func (g *IdGenerator) Adjust(min uint64) {
	for {
		cur := g.id.Load()
		if cur >= min {
			return
		}
		if g.id.CompareAndSwap(cur, min) {
			return
		}
	}
}
