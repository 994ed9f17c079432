package session

import (
	"sync"
	"sync/atomic"
)

const initialSlots = 16

// slots is an array indexed by small caller-chosen ids. It grows by
// doubling into a new array that is swapped in whole, so readers never see a
// partly copied array. Entries are atomic and written in place.
type slots[T any] struct {
	mu  sync.Mutex
	arr atomic.Pointer[[]atomic.Pointer[T]]
}

func newSlots[T any]() *slots[T] {
	s := &slots[T]{}
	arr := make([]atomic.Pointer[T], initialSlots)
	s.arr.Store(&arr)
	return s
}

// get returns the entry at id, nil when unset or out of range.
func (s *slots[T]) get(id int) *T {
	arr := *s.arr.Load()
	if id < 0 || id >= len(arr) {
		return nil
	}
	return arr[id].Load()
}

func (s *slots[T]) set(id int, v *T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	arr := *s.arr.Load()
	if id >= len(arr) {
		n := len(arr)
		for n <= id {
			n *= 2
		}
		grown := make([]atomic.Pointer[T], n)
		for i := range arr {
			grown[i].Store(arr[i].Load())
		}
		grown[id].Store(v)
		s.arr.Store(&grown)
		return
	}
	arr[id].Store(v)
}

func (s *slots[T]) capacity() int {
	return len(*s.arr.Load())
}
