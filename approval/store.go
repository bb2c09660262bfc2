package approval

import (
	"container/list"
	"sort"
	"sync"

	"ordergate/core/types"
)

// entry is a single proposal's guarded state: a proposal body, its current
// approval token (if any), and an LRU element used only while the proposal
// is terminal and eligible for eviction.
type entry struct {
	mu       sync.Mutex
	proposal *types.Proposal
	token    *types.ApprovalToken
	lruElem  *list.Element
}

// store holds every proposal keyed by id, evicting terminal proposals once
// the configured ceiling is exceeded, oldest-terminal first (in the order
// they became terminal; reads do not refresh an entry's position).
// Non-terminal proposals are never eviction candidates.
type store struct {
	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // of terminal proposal ids, most recently terminal at back
	maxEntries int
}

func newStore(maxEntries int) *store {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &store{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		maxEntries: maxEntries,
	}
}

// create registers a new proposal. If its initial state is already terminal
// (RISK_REJECTED), it is immediately eligible for eviction.
func (s *store) create(p *types.Proposal) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{proposal: p}
	s.entries[p.ID] = e
	if p.State.Terminal() {
		e.lruElem = s.lru.PushBack(e.proposal.ID)
	}
	s.evictLocked()
	return e
}

func (s *store) get(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// markTerminal enrolls the entry in the eviction ring exactly once, the
// moment its state becomes terminal. States never leave terminal, so this is
// idempotent by construction: callers only need to invoke it after a
// transition whose destination is terminal.
func (s *store) markTerminal(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.lruElem == nil {
		e.lruElem = s.lru.PushBack(e.proposal.ID)
	}
	s.evictLocked()
}

func (s *store) evictLocked() {
	for len(s.entries) > s.maxEntries {
		front := s.lru.Front()
		if front == nil {
			return
		}
		id := front.Value.(string)
		e, ok := s.entries[id]
		if !ok || e.proposal == nil || !e.proposal.State.Terminal() {
			// Not (or no longer) an evictable terminal entry; stop rather
			// than evict live work out of order.
			return
		}
		s.lru.Remove(front)
		delete(s.entries, id)
	}
}

func (s *store) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// snapshotEntries returns a deep copy of every proposal and its token,
// taken under each entry's own lock so no state transition is observed
// half-applied.
func (s *store) snapshotEntries() []snapshotEntry {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]snapshotEntry, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.proposal != nil {
			out = append(out, snapshotEntry{Proposal: e.proposal.Clone(), Token: e.token.Clone()})
		}
		e.mu.Unlock()
	}
	return out
}

// listPending returns up to limit non-terminal proposals ordered oldest
// first. A limit <= 0 means unbounded.
func (s *store) listPending(limit int) []*types.Proposal {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]*types.Proposal, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.proposal != nil && !e.proposal.State.Terminal() {
			out = append(out, e.proposal.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
