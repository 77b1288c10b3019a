// Package breaker tracks the failure rate of each shard and decides when a shard
// should be taken out of routing and when it may come back.
package breaker

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// State represents the current state of a breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Settings configures a Breaker
type Settings struct {
	// HalfOpenProbes is the number of operations let through while half-open.
	HalfOpenProbes uint32 `mapstructure:"half_open_probes"`
	// Interval clears the counts periodically while closed. Zero never clears.
	Interval time.Duration `mapstructure:"interval"`
	// Cooldown is how long an open breaker waits before probing again.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// ConsecutiveFailures trips the breaker when ReadyToTrip is nil.
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`

	ReadyToTrip   func(counts Counts) bool            `mapstructure:"-"`
	OnStateChange func(name string, from, to State) `mapstructure:"-"`
}

// Counts holds the numbers of operations and their results
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a closed / open / half-open state machine fed with operation outcomes
type Breaker struct {
	name     string
	probes   uint32
	interval time.Duration
	cooldown time.Duration
	trip     func(counts Counts) bool
	onChange func(name string, from, to State)

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a closed breaker
func New(name string, st Settings) *Breaker {
	b := &Breaker{
		name:     name,
		probes:   st.HalfOpenProbes,
		interval: st.Interval,
		cooldown: st.Cooldown,
		trip:     st.ReadyToTrip,
		onChange: st.OnStateChange,
	}
	if b.probes == 0 {
		b.probes = 1
	}
	if b.cooldown == 0 {
		b.cooldown = 30 * time.Second
	}
	if b.trip == nil {
		threshold := st.ConsecutiveFailures
		if threshold == 0 {
			threshold = 5
		}
		b.trip = func(c Counts) bool { return c.ConsecutiveFailures >= threshold }
	}
	b.reset(time.Now())
	return b
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving an expired open breaker to half-open
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(time.Now())
}

// Counts returns a copy of the counts of the current generation
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reports whether an operation may run and, if so, counts it as started
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current(time.Now()) {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.counts.Requests >= b.probes {
			return false
		}
	}
	b.counts.Requests++
	return true
}

// Record feeds the outcome of an operation
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.current(now)
	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.trip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) current(now time.Time) State {
	switch b.state {
	case StateClosed:
		if b.interval > 0 && !b.expiry.IsZero() && b.expiry.Before(now) {
			b.reset(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.reset(now)

	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// reset starts a new generation of counts for the current state
func (b *Breaker) reset(now time.Time) {
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		if b.interval > 0 {
			b.expiry = now.Add(b.interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cooldown)
	default:
		b.expiry = time.Time{}
	}
}

// Registry hands out one breaker per name, created on first use
type Registry struct {
	settings Settings
	breakers *xsync.MapOf[string, *Breaker]
}

// NewRegistry creates a registry whose breakers share st
func NewRegistry(st Settings) *Registry {
	return &Registry{
		settings: st,
		breakers: xsync.NewMapOf[string, *Breaker](),
	}
}

// Get returns the breaker called name
func (r *Registry) Get(name string) *Breaker {
	b, _ := r.breakers.LoadOrCompute(name, func() *Breaker {
		return New(name, r.settings)
	})
	return b
}

// States returns the state of every breaker created so far
func (r *Registry) States() map[string]State {
	out := make(map[string]State)
	r.breakers.Range(func(name string, b *Breaker) bool {
		out[name] = b.State()
		return true
	})
	return out
}
