package agent

import (
	"sort"
	"sync"

	"parcelnet/internal/domain"
)

// ParcelQueue is the warehouse backlog. Parcels pushed back after a failed
// assignment sit in a front segment and leave first, newest first. New
// parcels are kept ordered by urgency rank, then parcel id, so the order
// never depends on arrival timing.
type ParcelQueue struct {
	mu     sync.Mutex
	front  []domain.Parcel
	intake []domain.Parcel
	ids    map[string]struct{}
}

func NewParcelQueue() *ParcelQueue {
	return &ParcelQueue{ids: make(map[string]struct{})}
}

// Push adds a new parcel. A parcel id already queued is rejected.
func (q *ParcelQueue) Push(p domain.Parcel) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.ids[p.ID]; dup {
		return false
	}
	i := sort.Search(len(q.intake), func(i int) bool {
		return less(p, q.intake[i])
	})
	q.intake = append(q.intake, domain.Parcel{})
	copy(q.intake[i+1:], q.intake[i:])
	q.intake[i] = p
	q.ids[p.ID] = struct{}{}
	return true
}

// PushFront re-queues a parcel ahead of all intake.
func (q *ParcelQueue) PushFront(p domain.Parcel) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.ids[p.ID]; dup {
		return false
	}
	q.front = append(q.front, p)
	q.ids[p.ID] = struct{}{}
	return true
}

func (q *ParcelQueue) Pop() (domain.Parcel, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var p domain.Parcel
	switch {
	case len(q.front) > 0:
		last := len(q.front) - 1
		p = q.front[last]
		q.front = q.front[:last]
	case len(q.intake) > 0:
		p = q.intake[0]
		q.intake = q.intake[1:]
	default:
		return domain.Parcel{}, false
	}
	delete(q.ids, p.ID)
	return p, true
}

func (q *ParcelQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.front) + len(q.intake)
}

// Snapshot lists the queue in dequeue order.
func (q *ParcelQueue) Snapshot() []domain.Parcel {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Parcel, 0, len(q.front)+len(q.intake))
	for i := len(q.front) - 1; i >= 0; i-- {
		out = append(out, q.front[i])
	}
	return append(out, q.intake...)
}

func less(a, b domain.Parcel) bool {
	if a.Urgency.Rank() != b.Urgency.Rank() {
		return a.Urgency.Rank() < b.Urgency.Rank()
	}
	return a.ID < b.ID
}
