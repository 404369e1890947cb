package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// Ristretto is the alternative store backend: TinyLFU admission with a
// cost-based byte budget. The budget is approximate and admission may refuse
// an insert outright; the strict LRU eviction-order guarantee only holds for
// the default LRU store.
type Ristretto struct {
	c        *ristretto.Cache
	maxBytes int64
}

func NewRistretto(maxEntries int, maxBytes int64) (*Ristretto, error) {
	counters := int64(maxEntries) * 10
	if counters < 10 {
		counters = 10
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Cost: func(value interface{}) int64 {
			return value.(*Entry).Size()
		},
	})
	if err != nil {
		return nil, err
	}
	return &Ristretto{c: c, maxBytes: maxBytes}, nil
}

func (r *Ristretto) Get(key string) (*Entry, bool) {
	raw, ok := r.c.Get(key)
	if !ok {
		return nil, false
	}
	e := raw.(*Entry)
	if e.Expired(time.Now()) {
		r.c.Del(key)
		return nil, false
	}
	return e, true
}

func (r *Ristretto) Set(key string, e *Entry) bool {
	if r.maxBytes > 0 && e.Size() > r.maxBytes {
		return false
	}
	ttl := time.Until(e.ValidUntil)
	if ttl <= 0 {
		return false
	}
	return r.c.SetWithTTL(key, e, e.Size(), ttl)
}

// Invalidate drops the key. Ristretto's Del has no return, so presence is
// checked first; a concurrent insert between the two calls may be missed.
func (r *Ristretto) Invalidate(key string) bool {
	_, ok := r.c.Get(key)
	r.c.Del(key)
	return ok
}

// Purge drops everything. Ristretto does not expose an entry count, so the
// return is always 0 for this backend.
func (r *Ristretto) Purge() int {
	r.c.Clear()
	return 0
}

func (r *Ristretto) Len() int { return 0 }

func (r *Ristretto) Close() { r.c.Close() }
