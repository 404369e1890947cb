package lb

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/brinkhq/brink/internal/model"
)

// ErrNoUpstream is returned when no target is eligible for selection.
var ErrNoUpstream = errors.New("lb: no upstream available")

// Picker selects a target per request. exclude, when non-nil, names a target
// that must not be chosen again (used by the single-retry policy).
type Picker interface {
	Pick(exclude *Target) (*Claim, error)
}

// Target is one backend inside a pool, carrying its smooth-WRR counter and
// passive health state.
type Target struct {
	url    *url.URL
	weight int
	backup bool

	currentWeight int

	// Passive health
	fails     int
	downUntil time.Time

	inflight int
}

func (t *Target) URL() *url.URL { return t.url }

// Addr returns the host:port of the target.
func (t *Target) Addr() string { return t.url.Host }

// TargetStatus is a point-in-time view of a target, for the admin surface.
type TargetStatus struct {
	Addr     string `json:"addr"`
	Weight   int    `json:"weight"`
	Backup   bool   `json:"backup"`
	State    string `json:"state"` // "up" | "down"
	Fails    int    `json:"fails"`
	Inflight int    `json:"inflight"`
}

// Pool distributes requests over its primary targets with nginx-style smooth
// weighted round-robin, falling back to backups when no primary is eligible.
type Pool struct {
	mu            sync.Mutex
	targets       []*Target
	failThreshold int
	cooldown      time.Duration
}

func NewPool(up model.Upstream) *Pool {
	targets := make([]*Target, len(up.Targets))
	for i, tc := range up.Targets {
		w := tc.Weight
		if w <= 0 {
			w = 1
		}
		targets[i] = &Target{
			url:    tc.URL,
			weight: w,
			backup: tc.Backup,
		}
	}
	threshold := up.FailThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := up.Cooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &Pool{targets: targets, failThreshold: threshold, cooldown: cooldown}
}

func (p *Pool) Pick(exclude *Target) (*Claim, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	best := p.pickLocked(now, exclude, false)
	if best == nil {
		// all primaries down: backups join the rotation
		best = p.pickLocked(now, exclude, true)
	}
	if best == nil {
		return nil, ErrNoUpstream
	}
	best.inflight++
	return &Claim{pool: p, target: best}, nil
}

// pickLocked runs one smooth-WRR step over the eligible targets of a group:
// currentWeight += weight, pick max, picked.currentWeight -= total.
// Ties go to the target with fewer in-flight requests, then registration order.
func (p *Pool) pickLocked(now time.Time, exclude *Target, backup bool) *Target {
	var best *Target
	total := 0

	for _, t := range p.targets {
		if t.backup != backup || t == exclude {
			continue
		}
		if !t.downUntil.IsZero() && now.Before(t.downUntil) {
			continue
		}
		t.currentWeight += t.weight
		total += t.weight
		if best == nil || t.currentWeight > best.currentWeight ||
			(t.currentWeight == best.currentWeight && t.inflight < best.inflight) {
			best = t
		}
	}

	if best != nil {
		best.currentWeight -= total
	}
	return best
}

func (p *Pool) feedback(t *Target, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if success {
		t.fails = 0
		t.downUntil = time.Time{}
		return
	}
	t.fails++
	if t.fails >= p.failThreshold {
		// fails is deliberately not reset: after the cooldown the target is
		// probed by the next request, and a single failure re-downs it.
		t.downUntil = time.Now().Add(p.cooldown)
	}
}

func (p *Pool) release(t *Target) {
	p.mu.Lock()
	t.inflight--
	p.mu.Unlock()
}

// Snapshot reports the current state of every target.
func (p *Pool) Snapshot() []TargetStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]TargetStatus, len(p.targets))
	for i, t := range p.targets {
		state := "up"
		if !t.downUntil.IsZero() && now.Before(t.downUntil) {
			state = "down"
		}
		out[i] = TargetStatus{
			Addr:     t.url.Host,
			Weight:   t.weight,
			Backup:   t.backup,
			State:    state,
			Fails:    t.fails,
			Inflight: t.inflight,
		}
	}
	return out
}

// Single is the degenerate picker for a fixed target: weight 1, no health
// tracking, no failover. A non-nil exclude means the only target already
// failed, so there is nowhere left to go.
type Single struct {
	mu     sync.Mutex
	target *Target
}

func NewSingle(tc model.Target) *Single {
	return &Single{target: &Target{url: tc.URL, weight: 1}}
}

func (s *Single) Pick(exclude *Target) (*Claim, error) {
	if exclude != nil {
		return nil, ErrNoUpstream
	}
	s.mu.Lock()
	s.target.inflight++
	s.mu.Unlock()
	return &Claim{single: s, target: s.target}, nil
}

func (s *Single) release(t *Target) {
	s.mu.Lock()
	t.inflight--
	s.mu.Unlock()
}

// Claim is a selected target with its in-flight slot held. Callers report the
// attempt outcome via Feedback and must Release exactly once when done.
type Claim struct {
	pool     *Pool
	single   *Single
	target   *Target
	released bool
}

func (c *Claim) Target() *Target { return c.target }
func (c *Claim) URL() *url.URL   { return c.target.url }

// Feedback reports whether the attempt against this target succeeded.
// For Single targets it is a no-op.
func (c *Claim) Feedback(success bool) {
	if c.pool != nil {
		c.pool.feedback(c.target, success)
	}
}

func (c *Claim) Release() {
	if c.released {
		return
	}
	c.released = true
	if c.pool != nil {
		c.pool.release(c.target)
	} else if c.single != nil {
		c.single.release(c.target)
	}
}
