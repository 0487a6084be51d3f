package net

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorAddressShape(t *testing.T) {
	a := NewAllocator(rand.New(rand.NewSource(1)))
	for i := 0; i < 200; i++ {
		addr := a.Allocate()
		require.True(t, strings.HasPrefix(addr.Host, "v192.168."), addr.Host)

		octets := strings.Split(strings.TrimPrefix(addr.Host, "v192.168."), ".")
		require.Len(t, octets, 2)
		for _, o := range octets {
			n, err := strconv.Atoi(o)
			require.NoError(t, err)
			assert.True(t, n >= 0 && n <= 255, o)
		}
		assert.True(t, addr.Port >= 1024 && addr.Port <= 65535, addr.Port)
	}
	assert.Equal(t, 200, a.Len())
}

func TestAllocatorSeededIsDeterministic(t *testing.T) {
	a := NewAllocator(rand.New(rand.NewSource(42)))
	b := NewAllocator(rand.New(rand.NewSource(42)))
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Allocate(), b.Allocate())
	}
}

func TestAllocatorConsecutiveAddressesDiffer(t *testing.T) {
	a := NewAllocator(nil)
	first, second := a.Allocate(), a.Allocate()
	assert.NotEqual(t, first, second)
	assert.True(t, a.Allocated(first))
	assert.True(t, a.Allocated(second))
	assert.False(t, a.Allocated(Address{Host: "v192.168.0.0", Port: 1}))
}

// scriptedSource replays seq, then yields distinct values.
type scriptedSource struct {
	seq []int64
	i   int
}

func (s *scriptedSource) Int63() int64 {
	v := int64(s.i) << 40
	if s.i < len(s.seq) {
		v = s.seq[s.i]
	}
	s.i++
	return v
}

func (s *scriptedSource) Seed(int64) {}

func TestAllocatorRetriesOnCollision(t *testing.T) {
	// three draws per address; the second address repeats the first
	src := &scriptedSource{seq: []int64{1 << 40, 2 << 40, 3 << 40, 1 << 40, 2 << 40, 3 << 40}}
	a := NewAllocator(rand.New(src))

	first := a.Allocate()
	second := a.Allocate()
	assert.NotEqual(t, first, second)
	assert.Equal(t, 9, src.i, "the colliding draw was retried")
	assert.Equal(t, 2, a.Len())
}

func TestAllocatorConcurrentUnique(t *testing.T) {
	a := NewAllocator(rand.New(rand.NewSource(7)))

	const workers, per = 8, 250
	results := make(chan Address, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				results <- a.Allocate()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[Address]struct{})
	for addr := range results {
		_, dup := seen[addr]
		require.False(t, dup, "duplicate %v", addr)
		seen[addr] = struct{}{}
	}
	assert.Len(t, seen, workers*per)
}

func TestDefaultAllocator(t *testing.T) {
	assert.Same(t, DefaultAllocator(), DefaultAllocator())
}
