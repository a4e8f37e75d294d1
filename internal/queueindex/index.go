// Package queueindex keeps a per-department ordered view of entry ids scored
// by arrival time. It exists to answer "who is waiting, in order" without
// scanning the durable store; it is a cache, never the source of truth, and
// can be rebuilt from the store at any time.
package queueindex

import (
	"sort"
	"sync"
	"time"
)

type member struct {
	id    string
	score int64
}

type departmentIndex struct {
	members []member
	byID    map[string]int64
}

type Index struct {
	mu          sync.RWMutex
	departments map[string]*departmentIndex
}

func New() *Index {
	return &Index{departments: make(map[string]*departmentIndex)}
}

// Add inserts or rescores an entry, keeping members sorted by (score, id).
func (x *Index) Add(departmentID, entryID string, arrivedAt time.Time) {
	score := arrivedAt.UnixMilli()
	x.mu.Lock()
	defer x.mu.Unlock()

	dept := x.departments[departmentID]
	if dept == nil {
		dept = &departmentIndex{byID: make(map[string]int64)}
		x.departments[departmentID] = dept
	}
	if _, ok := dept.byID[entryID]; ok {
		dept.remove(entryID)
	}
	dept.insert(entryID, score)
}

func (x *Index) Remove(departmentID, entryID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	dept := x.departments[departmentID]
	if dept == nil {
		return
	}
	dept.remove(entryID)
}

// IDs returns the department's entry ids in arrival order.
func (x *Index) IDs(departmentID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	dept := x.departments[departmentID]
	if dept == nil {
		return nil
	}
	ids := make([]string, len(dept.members))
	for i, m := range dept.members {
		ids[i] = m.id
	}
	return ids
}

func (x *Index) Len(departmentID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	dept := x.departments[departmentID]
	if dept == nil {
		return 0
	}
	return len(dept.members)
}

// PruneBefore drops members older than the cutoff across all departments and
// returns how many were removed.
func (x *Index) PruneBefore(cutoff time.Time) int {
	limit := cutoff.UnixMilli()
	x.mu.Lock()
	defer x.mu.Unlock()

	pruned := 0
	for _, dept := range x.departments {
		idx := sort.Search(len(dept.members), func(i int) bool {
			return dept.members[i].score >= limit
		})
		if idx == 0 {
			continue
		}
		for _, m := range dept.members[:idx] {
			delete(dept.byID, m.id)
		}
		dept.members = append(dept.members[:0], dept.members[idx:]...)
		pruned += idx
	}
	return pruned
}

// Replace swaps the department's view with the given (id, arrival) pairs.
// Used by reconciliation to realign the index with the durable store.
func (x *Index) Replace(departmentID string, ids []string, arrivals []time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()

	dept := &departmentIndex{byID: make(map[string]int64, len(ids))}
	for i, id := range ids {
		dept.insert(id, arrivals[i].UnixMilli())
	}
	x.departments[departmentID] = dept
}

func (d *departmentIndex) insert(id string, score int64) {
	idx := sort.Search(len(d.members), func(i int) bool {
		if d.members[i].score != score {
			return d.members[i].score > score
		}
		return d.members[i].id > id
	})
	d.members = append(d.members, member{})
	copy(d.members[idx+1:], d.members[idx:])
	d.members[idx] = member{id: id, score: score}
	d.byID[id] = score
}

func (d *departmentIndex) remove(id string) {
	score, ok := d.byID[id]
	if !ok {
		return
	}
	delete(d.byID, id)
	idx := sort.Search(len(d.members), func(i int) bool {
		if d.members[i].score != score {
			return d.members[i].score > score
		}
		return d.members[i].id >= id
	})
	if idx < len(d.members) && d.members[idx].id == id {
		d.members = append(d.members[:idx], d.members[idx+1:]...)
	}
}
