package serial

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Proxy is a Tracker without a background loop: every call goes to the
// store. Table ids come from the store, so asking for an id it never
// allocated ends in ErrConsistency.
type Proxy struct {
	store Store

	mu     sync.Mutex
	byName map[string]Table
	byID   map[int32]Table

	group singleflight.Group
	seen  *watermark
}

// NewProxy returns a Proxy over store.
func NewProxy(store Store) *Proxy {
	return &Proxy{
		store:  store,
		byName: make(map[string]Table),
		byID:   make(map[int32]Table),
		seen:   newWatermark(),
	}
}

// Declare returns the table for name, allocating its id in the store on first use.
func (p *Proxy) Declare(ctx context.Context, name string) (Table, error) {
	if t, ok := p.cached(name); ok {
		return t, nil
	}
	if name == "" {
		return Table{}, errors.New("serial: empty table name")
	}

	t, err := p.store.Allocate(ctx, name)
	if err != nil {
		return Table{}, err
	}
	p.remember(t)
	return t, nil
}

func (p *Proxy) cached(name string) (Table, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.byName[name]
	return t, ok
}

func (p *Proxy) remember(t Table) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.byName[t.Name] = t
	p.byID[t.ID] = t
}

// Lookup returns a table this proxy has already seen.
func (p *Proxy) Lookup(id int32) (Table, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.byID[id]
	return t, ok
}

// Register is register-if-absent. Ids the store never allocated are
// ignored. Ids allocated by another process sharing the store are learned
// here.
func (p *Proxy) Register(ctx context.Context, id int32) error {
	t, ok := p.Lookup(id)
	if !ok {
		var err error
		if t, ok, err = p.store.Table(ctx, id); err != nil {
			return err
		}
		if !ok {
			return nil
		}
		p.remember(t)
	}
	return p.store.Register(ctx, t)
}

// Serial returns the serial of id, registering the table when the store does not know it yet.
func (p *Proxy) Serial(ctx context.Context, id int32) (int64, error) {
	v, err := p.store.Serial(ctx, id)
	if err != nil {
		return Unknown, err
	}
	if v == Unknown {
		if v, err = p.resolve(ctx, id); err != nil {
			return Unknown, err
		}
	}
	return p.seen.observe(id, v), nil
}

// Serials returns one serial per id, aligned with ids, resolving unknown
// entries one by one.
func (p *Proxy) Serials(ctx context.Context, ids []int32) ([]int64, error) {
	vals, err := p.store.Serials(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(vals) != len(ids) {
		return nil, fmt.Errorf("serial: store returned %d serials for %d tables", len(vals), len(ids))
	}

	for i, id := range ids {
		if vals[i] == Unknown {
			if vals[i], err = p.resolve(ctx, id); err != nil {
				return nil, err
			}
		}
		vals[i] = p.seen.observe(id, vals[i])
	}
	return vals, nil
}

// Increment bumps the serial of id, registering the table first if needed.
func (p *Proxy) Increment(ctx context.Context, id int32) (int64, error) {
	v, err := p.store.Increment(ctx, id)
	if errors.Is(err, ErrUnknownTable) {
		if _, err = p.resolve(ctx, id); err != nil {
			return Unknown, err
		}
		v, err = p.store.Increment(ctx, id)
	}
	if err != nil {
		return Unknown, err
	}
	return p.seen.observe(id, v), nil
}

// resolve registers id and queries it again. Concurrent resolutions of one
// id share a single round trip.
func (p *Proxy) resolve(ctx context.Context, id int32) (int64, error) {
	v, err, _ := p.group.Do(strconv.FormatInt(int64(id), 10), func() (any, error) {
		if err := p.Register(ctx, id); err != nil {
			return Unknown, err
		}
		v, err := p.store.Serial(ctx, id)
		if err != nil {
			return Unknown, err
		}
		if v == Unknown {
			return Unknown, fmt.Errorf("%w: id %d", ErrConsistency, id)
		}
		return v, nil
	})
	if err != nil {
		return Unknown, err
	}
	return v.(int64), nil
}

// Close closes the store.
func (p *Proxy) Close() error {
	return p.store.Close()
}

// watermark remembers the largest serial handed out per table so answers
// never go backwards, even when a replica of the store lags.
type watermark struct {
	mu  sync.Mutex
	max map[int32]int64
}

func newWatermark() *watermark {
	return &watermark{max: make(map[int32]int64)}
}

func (w *watermark) observe(id int32, v int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cur, ok := w.max[id]; ok && cur > v {
		return cur
	}
	w.max[id] = v
	return v
}

func (w *watermark) get(id int32) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	v, ok := w.max[id]
	return v, ok
}
