package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdGenerator(t *testing.T) {
	t.Run("first Id returns startValue+1", func(t *testing.T) {
		gen := NewIdGenerator(100)
		require.NotNil(t, gen)
		assert.Equal(t, uint64(100), gen.Last())
		assert.Equal(t, uint64(101), gen.Id())
		assert.Equal(t, uint64(101), gen.Last())
	})

	t.Run("ids are monotonic starting from 1", func(t *testing.T) {
		gen := NewIdGenerator(0)
		for want := uint64(1); want <= 10; want++ {
			assert.Equal(t, want, gen.Id())
		}
	})
}

func TestIdGenerator_Adjust(t *testing.T) {
	t.Run("raises the counter", func(t *testing.T) {
		gen := NewIdGenerator(0)
		gen.Adjust(500)
		assert.Equal(t, uint64(501), gen.Id())
	})

	t.Run("never lowers the counter", func(t *testing.T) {
		gen := NewIdGenerator(1000)
		gen.Adjust(10)
		assert.Equal(t, uint64(1001), gen.Id())
	})
}

func TestIdGenerator_concurrent(t *testing.T) {
	t.Run("concurrent ids are unique", func(t *testing.T) {
		gen := NewIdGenerator(0)
		const goroutines = 16
		const perG = 500

		var mu sync.Mutex
		seen := make(map[uint64]struct{}, goroutines*perG)
		var wg sync.WaitGroup
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perG; i++ {
					id := gen.Id()
					mu.Lock()
					seen[id] = struct{}{}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, goroutines*perG)
		assert.Equal(t, uint64(goroutines*perG), gen.Last())
	})
}
