package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/foreman/internal/schedule"
)

// failureThreshold consecutive dispatch failures mark a provider unhealthy
// until a probe or a successful dispatch clears it.
const failureThreshold = 3

type entry struct {
	desc     Descriptor
	provider Provider

	mu       sync.Mutex
	load     int
	failures int
	healthy  bool
}

// Registry holds the live provider set, tracks per-provider load and health,
// and accumulates dispatch cost against the budget cap.
type Registry struct {
	logger  *slog.Logger
	costCap float64

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order, for stable iteration
	spent   float64
}

// NewRegistry creates an empty registry. costCap <= 0 disables budget
// filtering.
func NewRegistry(logger *slog.Logger, costCap float64) *Registry {
	return &Registry{
		logger:  logger.With("component", "provider_registry"),
		costCap: costCap,
		entries: make(map[string]*entry),
	}
}

// Register adds a provider under the descriptor's ID. Providers start
// healthy; health accounting takes over from the first dispatch or probe.
func (r *Registry) Register(desc Descriptor, p Provider) error {
	if desc.ID == "" {
		return fmt.Errorf("register provider: empty id")
	}
	if desc.MaxConcurrency <= 0 {
		desc.MaxConcurrency = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[desc.ID]; ok {
		return fmt.Errorf("register provider %q: already registered", desc.ID)
	}
	r.entries[desc.ID] = &entry{desc: desc, provider: p, healthy: true}
	r.order = append(r.order, desc.ID)
	return nil
}

// Lease is a slot on a selected provider. Release must be called exactly once
// when the dispatch finishes, regardless of outcome.
type Lease struct {
	Descriptor Descriptor
	Provider   Provider

	registry *Registry
	entry    *entry
	once     sync.Once
}

// Release frees the concurrency slot.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.entry.mu.Lock()
		if l.entry.load > 0 {
			l.entry.load--
		}
		l.entry.mu.Unlock()
	})
}

// ReportSuccess records a successful dispatch and its cost.
func (l *Lease) ReportSuccess(cost float64) {
	l.entry.mu.Lock()
	l.entry.failures = 0
	l.entry.healthy = true
	l.entry.mu.Unlock()

	if cost > 0 {
		l.registry.mu.Lock()
		l.registry.spent += cost
		l.registry.mu.Unlock()
	}
}

// ReportFailure records a failed dispatch. Crossing the consecutive-failure
// threshold marks the provider unhealthy.
func (l *Lease) ReportFailure() {
	l.entry.mu.Lock()
	l.entry.failures++
	if l.entry.failures >= failureThreshold && l.entry.healthy {
		l.entry.healthy = false
		l.registry.logger.Warn("provider marked unhealthy",
			"provider_id", l.entry.desc.ID, "consecutive_failures", l.entry.failures)
	}
	l.entry.mu.Unlock()
}

// Select picks the best provider for the current mode and returns a lease on
// it. exclude lists provider IDs already tried for this task attempt.
//
// Filters apply in order: mode eligibility by class, health, free capacity,
// then the budget cap (non-essential providers drop out once spend reaches
// the cap). Among survivors the cheapest cost weight wins; ties break toward
// the least loaded, then registration order.
func (r *Registry) Select(mode schedule.Mode, exclude map[string]bool) (*Lease, error) {
	r.mu.RLock()
	overBudget := r.costCap > 0 && r.spent >= r.costCap
	candidates := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		candidates = append(candidates, r.entries[id])
	}
	r.mu.RUnlock()

	type scored struct {
		e    *entry
		load int
		pos  int
	}
	var eligible []scored
	for i, e := range candidates {
		if exclude[e.desc.ID] {
			continue
		}
		if !eligibleFor(e.desc.Class, mode) {
			continue
		}
		if overBudget && !e.desc.Essential {
			continue
		}
		e.mu.Lock()
		ok := e.healthy && e.load < e.desc.MaxConcurrency
		load := e.load
		e.mu.Unlock()
		if !ok {
			continue
		}
		eligible = append(eligible, scored{e: e, load: load, pos: i})
	}
	if len(eligible) == 0 {
		return nil, ErrNoProviderAvailable
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].e.desc.CostWeight != eligible[j].e.desc.CostWeight {
			return eligible[i].e.desc.CostWeight < eligible[j].e.desc.CostWeight
		}
		if eligible[i].load != eligible[j].load {
			return eligible[i].load < eligible[j].load
		}
		return eligible[i].pos < eligible[j].pos
	})

	// Claim the winner's slot under its lock; load may have moved since the
	// snapshot, so fall through to the next candidate on a full provider.
	for _, c := range eligible {
		c.e.mu.Lock()
		if c.e.healthy && c.e.load < c.e.desc.MaxConcurrency {
			c.e.load++
			desc := c.e.desc
			desc.Healthy = true
			c.e.mu.Unlock()
			return &Lease{Descriptor: desc, Provider: c.e.provider, registry: r, entry: c.e}, nil
		}
		c.e.mu.Unlock()
	}
	return nil, ErrNoProviderAvailable
}

// SetHealthy overrides a provider's health flag, used by probes and tests.
func (r *Registry) SetHealthy(id string, healthy bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.healthy = healthy
	if healthy {
		e.failures = 0
	}
	e.mu.Unlock()
}

// Spent returns the accumulated dispatch cost.
func (r *Registry) Spent() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spent
}

// Descriptors returns a snapshot of all registered providers with live
// health, in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		e.mu.Lock()
		d := e.desc
		d.Healthy = e.healthy
		e.mu.Unlock()
		out = append(out, d)
	}
	return out
}

// TotalConcurrency is the sum of all providers' max concurrency, used to size
// the worker pool.
func (r *Registry) TotalConcurrency() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, id := range r.order {
		total += r.entries[id].desc.MaxConcurrency
	}
	return total
}

// RunHealthChecks probes every provider implementing Pinger on the given
// interval until ctx is cancelled. Probe results override failure accounting
// in both directions.
func (r *Registry) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		candidates = append(candidates, r.entries[id])
	}
	r.mu.RUnlock()

	for _, e := range candidates {
		p, ok := e.provider.(Pinger)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p.Ping(probeCtx)
		cancel()

		e.mu.Lock()
		was := e.healthy
		e.healthy = err == nil
		if err == nil {
			e.failures = 0
		}
		now := e.healthy
		id := e.desc.ID
		e.mu.Unlock()

		if was != now {
			if now {
				r.logger.Info("provider recovered", "provider_id", id)
			} else {
				r.logger.Warn("provider probe failed", "provider_id", id, "error", err)
			}
		}
	}
}
