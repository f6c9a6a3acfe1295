package agent

import (
	"sort"
	"sync"

	"parcelnet/internal/domain"
	"parcelnet/internal/policy"
)

// Registry is the supervisor's view of the static courier pool. Unknown
// courier ids are never added.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*policy.Candidate
}

func NewRegistry(courierIDs []string) *Registry {
	entries := make(map[string]*policy.Candidate, len(courierIDs))
	for _, id := range courierIDs {
		entries[id] = &policy.Candidate{CourierID: id}
	}
	return &Registry{entries: entries}
}

func (r *Registry) Known(courierID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[courierID]
	return ok
}

// Update overwrites a courier's last status. It reports false for an
// unknown courier.
func (r *Registry) Update(status domain.CourierStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[status.CourierID]
	if !ok {
		return false
	}
	e.Status = status
	e.Reported = true
	// The fresh load already counts what was handed out before it.
	e.Pending = 0
	return true
}

// Delivered settles one outstanding assignment of the courier.
func (r *Registry) Delivered(courierID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[courierID]
	if !ok {
		return false
	}
	if e.Outstanding > 0 {
		e.Outstanding--
	}
	e.Delivered++
	return true
}

// Release settles a selection whose assignment never reached the courier.
func (r *Registry) Release(courierID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[courierID]
	if !ok {
		return false
	}
	if e.Outstanding > 0 {
		e.Outstanding--
	}
	if e.Pending > 0 {
		e.Pending--
	}
	return true
}

// Select runs the engine over the current pool and counts the chosen
// courier's new assignment, all under one lock.
func (r *Registry) Select(engine *policy.Engine) policy.Selection {
	r.mu.Lock()
	defer r.mu.Unlock()
	sel := engine.Select(r.snapshotLocked())
	if sel.OK {
		e := r.entries[sel.CourierID]
		e.Outstanding++
		e.Pending++
	}
	return sel
}

// Snapshot returns a copy of the pool sorted by courier id.
func (r *Registry) Snapshot() []policy.Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []policy.Candidate {
	out := make([]policy.Candidate, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourierID < out[j].CourierID })
	return out
}
