package rayleigh

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
)

// cacheKey identifies a reference by wavelength, rounded conditions and the
// signature of the altitude grid
type cacheKey struct {
	wavelength  float64
	pressure    float64
	temperature float64
	observer    float64
	model       AtmosphereModel
	gridLen     int
	gridHash    uint64
}

// Cache memoizes ComputeReference. It is safe for concurrent use; concurrent
// misses for the same key may compute the reference twice, but only the first
// stored value is ever returned.
//
// A Cache is owned by whoever orchestrates a run and is passed explicitly to
// the code that needs it.
type Cache struct {
	refs   sync.Map // cacheKey -> *Reference
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache returns an empty reference cache
func NewCache() *Cache {
	return &Cache{}
}

// Get returns the cached reference for the inputs, computing it on a miss
func (c *Cache) Get(wavelength float64, cond Conditions, altitudeGrid []float64) (*Reference, error) {
	key := newCacheKey(wavelength, cond, altitudeGrid)
	if ref, ok := c.refs.Load(key); ok {
		c.hits.Add(1)
		return ref.(*Reference), nil
	}

	c.misses.Add(1)
	ref, err := ComputeReference(wavelength, cond, altitudeGrid)
	if err != nil {
		return nil, err
	}
	actual, _ := c.refs.LoadOrStore(key, ref)
	return actual.(*Reference), nil
}

// Stats returns the number of cache hits and misses so far
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached references
func (c *Cache) Len() int {
	n := 0
	c.refs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func newCacheKey(wavelength float64, cond Conditions, grid []float64) cacheKey {
	h := fnv.New64a()
	var buf [8]byte
	for _, alt := range grid {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(alt))
		h.Write(buf[:])
	}
	return cacheKey{
		wavelength:  round(wavelength, 100),
		pressure:    round(cond.PressureHPa, 10),
		temperature: round(cond.TemperatureK, 10),
		observer:    round(cond.ObserverAltitude, 1),
		model:       cond.model(),
		gridLen:     len(grid),
		gridHash:    h.Sum64(),
	}
}

func round(x, scale float64) float64 {
	return math.Round(x*scale) / scale
}
