// Package blockcache caches decoded basic blocks by linear address using
// Akita cache components.
package blockcache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Config holds block cache geometry.
type Config struct {
	// Sets is the number of sets. Blocks map to a set by their start
	// address modulo Sets.
	Sets int
	// Ways is the associativity.
	Ways int
}

// DefaultConfig returns a 1024-set, 4-way cache.
func DefaultConfig() Config {
	return Config{
		Sets: 1024,
		Ways: 4,
	}
}

// Statistics holds cache statistics.
type Statistics struct {
	Lookups       uint64
	Hits          uint64
	Misses        uint64
	Inserts       uint64
	Evictions     uint64
	Invalidations uint64
}

type entry[T any] struct {
	start uint32
	end   uint64 // exclusive
	value T
}

// Cache maps the linear start address of a block to its value. Tags and
// LRU replacement are managed by an Akita directory with one-byte blocks.
type Cache[T any] struct {
	config Config

	directory *akitacache.DirectoryImpl

	// entries is indexed by (setID * ways + wayID).
	entries []entry[T]

	stats Statistics
}

// New creates a cache with the given geometry.
func New[T any](config Config) *Cache[T] {
	return &Cache[T]{
		config: config,
		directory: akitacache.NewDirectory(
			config.Sets,
			config.Ways,
			1,
			akitacache.NewLRUVictimFinder(),
		),
		entries: make([]entry[T], config.Sets*config.Ways),
	}
}

// Config returns the cache geometry.
func (c *Cache[T]) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache[T]) Stats() Statistics {
	return c.stats
}

func (c *Cache[T]) index(block *akitacache.Block) int {
	return block.SetID*c.config.Ways + block.WayID
}

// Lookup returns the value cached for addr.
func (c *Cache[T]) Lookup(addr uint32) (T, bool) {
	c.stats.Lookups++

	block := c.directory.Lookup(0, uint64(addr))
	if block == nil || !block.IsValid {
		c.stats.Misses++
		var zero T
		return zero, false
	}

	c.stats.Hits++
	c.directory.Visit(block)
	return c.entries[c.index(block)].value, true
}

// Insert caches value for a block starting at addr and covering size
// bytes, evicting the least recently used block of the set if needed.
func (c *Cache[T]) Insert(addr, size uint32, value T) {
	c.stats.Inserts++

	block := c.directory.Lookup(0, uint64(addr))
	if block == nil {
		block = c.directory.FindVictim(uint64(addr))
		if block == nil {
			return
		}
		if block.IsValid {
			c.stats.Evictions++
		}
	}

	block.Tag = uint64(addr)
	block.IsValid = true
	block.IsDirty = false
	c.entries[c.index(block)] = entry[T]{
		start: addr,
		end:   uint64(addr) + uint64(max(size, 1)),
		value: value,
	}
	c.directory.Visit(block)
}

// InvalidateRange drops every block overlapping [addr, addr+size) and
// returns how many were dropped.
func (c *Cache[T]) InvalidateRange(addr, size uint32) int {
	lo, hi := uint64(addr), uint64(addr)+uint64(size)
	n := 0

	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if !block.IsValid {
				continue
			}
			e := &c.entries[c.index(block)]
			if uint64(e.start) < hi && e.end > lo {
				block.IsValid = false
				*e = entry[T]{}
				n++
			}
		}
	}

	c.stats.Invalidations += uint64(n)
	return n
}

// Reset drops every block and clears statistics.
func (c *Cache[T]) Reset() {
	c.directory.Reset()
	clear(c.entries)
	c.stats = Statistics{}
}
