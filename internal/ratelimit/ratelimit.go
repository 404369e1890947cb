package ratelimit

import (
	"container/list"
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"

	"github.com/brinkhq/brink/internal/model"
)

const defaultMaxClients = 10000

// Zone is one named rate-limit zone: a table of per-client token buckets,
// bounded by an LRU cap so churning or spoofed client addresses cannot grow
// it without limit.
type Zone struct {
	mu         sync.Mutex
	rate       float64
	burst      int
	maxClients int

	ll      *list.List // front = most recently used
	clients map[string]*list.Element
}

type client struct {
	key string
	lim *ratelib.Limiter
}

func NewZone(cfg model.ZoneConfig) *Zone {
	max := cfg.MaxClients
	if max <= 0 {
		max = defaultMaxClients
	}
	return &Zone{
		rate:       cfg.Rate,
		burst:      cfg.Burst,
		maxClients: max,
		ll:         list.New(),
		clients:    make(map[string]*list.Element),
	}
}

// Allow reports whether a request from the given client is admitted now.
// Rejection is immediate once the burst is exhausted; there is no queuing.
func (z *Zone) Allow(key string) bool {
	return z.allowAt(key, time.Now())
}

func (z *Zone) allowAt(key string, now time.Time) bool {
	z.mu.Lock()
	defer z.mu.Unlock()

	var lim *ratelib.Limiter
	if el, ok := z.clients[key]; ok {
		z.ll.MoveToFront(el)
		lim = el.Value.(*client).lim
	} else {
		// Table at capacity: evict the least-recently-used bucket rather
		// than denying service.
		if z.ll.Len() >= z.maxClients {
			back := z.ll.Back()
			if back != nil {
				delete(z.clients, back.Value.(*client).key)
				z.ll.Remove(back)
			}
		}
		lim = ratelib.NewLimiter(ratelib.Limit(z.rate), z.burst)
		z.clients[key] = z.ll.PushFront(&client{key: key, lim: lim})
	}

	// Update limits if they changed under a hot reload. Exact float compare
	// is intended: we want an exact config match, not tolerance.
	if lim.Limit() != ratelib.Limit(z.rate) {
		lim.SetLimitAt(now, ratelib.Limit(z.rate))
	}
	if lim.Burst() != z.burst {
		lim.SetBurstAt(now, z.burst)
	}

	return lim.AllowN(now, 1)
}

// SetLimits updates the zone parameters. Existing buckets pick the change up
// lazily on their next request.
func (z *Zone) SetLimits(rate float64, burst, maxClients int) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.rate = rate
	z.burst = burst
	if maxClients > 0 {
		z.maxClients = maxClients
	}
}

// Len returns the number of tracked clients.
func (z *Zone) Len() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.ll.Len()
}

// Limits manages the set of named zones. Zones and their buckets survive a
// config reload; only their parameters change.
type Limits struct {
	mu    sync.RWMutex
	zones map[string]*Zone
}

func NewLimits() *Limits {
	return &Limits{zones: make(map[string]*Zone)}
}

// Apply reconciles the zone set with a config snapshot: new zones are
// created, existing ones keep their buckets and take the new parameters,
// removed ones are dropped.
func (l *Limits) Apply(cfgs map[string]model.ZoneConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, cfg := range cfgs {
		if z, ok := l.zones[name]; ok {
			z.SetLimits(cfg.Rate, cfg.Burst, cfg.MaxClients)
		} else {
			l.zones[name] = NewZone(cfg)
		}
	}
	for name := range l.zones {
		if _, ok := cfgs[name]; !ok {
			delete(l.zones, name)
		}
	}
}

// Allow admits or rejects a request for the named zone. An unknown zone
// admits everything; route references are validated at config load, so this
// only happens transiently around a reload.
func (l *Limits) Allow(zone, key string) bool {
	l.mu.RLock()
	z, ok := l.zones[zone]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	return z.Allow(key)
}

// Zone returns the named zone, or nil.
func (l *Limits) Zone(name string) *Zone {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zones[name]
}
