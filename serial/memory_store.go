package serial

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/patrickmn/go-cache"
)

const (
	serialPrefix = "serial:"
	namePrefix   = "name:"
	idPrefix     = "id:"
	lastIDKey    = "lastid"
)

// MemoryStore keeps the counters in process, in a go-cache instance whose
// entries never expire.
type MemoryStore struct {
	cache *cache.Cache

	// allocMu serializes id allocation
	allocMu sync.Mutex
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, 0)}
}

func serialKey(id int32) string { return serialPrefix + strconv.FormatInt(int64(id), 10) }

func nameKey(id int32) string { return namePrefix + strconv.FormatInt(int64(id), 10) }

// Allocate returns the id of name, assigning the next one on first use.
func (s *MemoryStore) Allocate(ctx context.Context, name string) (Table, error) {
	if err := ctx.Err(); err != nil {
		return Table{}, err
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	if v, ok := s.cache.Get(idPrefix + name); ok {
		return Table{ID: v.(int32), Name: name}, nil
	}

	var last int32
	if v, ok := s.cache.Get(lastIDKey); ok {
		last = v.(int32)
	}
	if last == math.MaxInt32 {
		return Table{}, ErrIDsExhausted
	}

	t := Table{ID: last + 1, Name: name}
	s.cache.Set(lastIDKey, t.ID, cache.NoExpiration)
	s.cache.Set(idPrefix+name, t.ID, cache.NoExpiration)
	s.cache.Set(nameKey(t.ID), name, cache.NoExpiration)
	return t, nil
}

// Table returns the table allocated with id.
func (s *MemoryStore) Table(ctx context.Context, id int32) (Table, bool, error) {
	if err := ctx.Err(); err != nil {
		return Table{}, false, err
	}
	v, ok := s.cache.Get(nameKey(id))
	if !ok {
		return Table{}, false, nil
	}
	return Table{ID: id, Name: v.(string)}, true, nil
}

// Serial returns the counter for id, or Unknown.
func (s *MemoryStore) Serial(ctx context.Context, id int32) (int64, error) {
	if err := ctx.Err(); err != nil {
		return Unknown, err
	}
	if v, ok := s.cache.Get(serialKey(id)); ok {
		return v.(int64), nil
	}
	return Unknown, nil
}

// Serials returns one counter per id, Unknown where absent.
func (s *MemoryStore) Serials(ctx context.Context, ids []int32) ([]int64, error) {
	out := make([]int64, len(ids))
	for i, id := range ids {
		v, err := s.Serial(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Register relies on cache.Add failing for existing keys, which makes it
// register-if-absent.
func (s *MemoryStore) Register(ctx context.Context, t Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = s.cache.Add(serialKey(t.ID), int64(0), cache.NoExpiration)
	return nil
}

// Increment bumps a registered counter.
func (s *MemoryStore) Increment(ctx context.Context, id int32) (int64, error) {
	if err := ctx.Err(); err != nil {
		return Unknown, err
	}
	v, err := s.cache.IncrementInt64(serialKey(id), 1)
	if err != nil {
		return Unknown, ErrUnknownTable
	}
	return v, nil
}

// Snapshot returns every registered counter.
func (s *MemoryStore) Snapshot(ctx context.Context) (map[int32]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[int32]int64)
	for key, item := range s.cache.Items() {
		if !strings.HasPrefix(key, serialPrefix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(key, serialPrefix), 10, 32)
		if err != nil {
			continue
		}
		out[int32(id)] = item.Object.(int64)
	}
	return out, nil
}

// Close drops all counters.
func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
