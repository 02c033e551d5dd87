package dht

import (
	"crypto/sha1"
	"sort"
	"sync"
)

// K is the number of contacts FindClosestK returns by default, matching
// BEP 5's bucket size (8) even though this table keeps no buckets.
const K = 8

// maxContacts caps how many contacts RoutingTable holds at once. Without
// Kademlia's per-bucket limits there's no natural ceiling, so a flat cap
// stands in for it: once full, Insert evicts a bad contact to make room
// rather than growing unbounded.
const maxContacts = 2048

// RoutingTable is a flat, unbucketed set of known DHT contacts. spec.md's
// DHT is explicitly non-iterative (it broadcasts get_peers to every known
// contact rather than narrowing toward a target), so there is nothing for
// k-bucket splitting, per-bucket LRU eviction, or stale-bucket refresh to
// buy: every contact is queried every round regardless of its XOR distance
// from anything. FindClosestK still ranks by distance (needed to answer
// find_node/get_peers queries from other nodes the way BEP 5 expects), but
// that's a sort over the flat set, not a bucket lookup.
type RoutingTable struct {
	localID [sha1.Size]byte

	mut      sync.RWMutex
	contacts map[[sha1.Size]byte]*Contact
}

func NewRoutingTable(localID [sha1.Size]byte) *RoutingTable {
	return &RoutingTable{
		localID:  localID,
		contacts: make(map[[sha1.Size]byte]*Contact),
	}
}

func (rt *RoutingTable) ID() [sha1.Size]byte {
	return rt.localID
}

// Insert adds or refreshes a contact. If the table is already at capacity
// and holds no bad contact to evict in its place, the insert is dropped.
func (rt *RoutingTable) Insert(contact *Contact) bool {
	if contact.ID() == rt.localID {
		return false
	}

	rt.mut.Lock()
	defer rt.mut.Unlock()

	if _, exists := rt.contacts[contact.ID()]; exists {
		rt.contacts[contact.ID()] = contact
		return true
	}

	if len(rt.contacts) < maxContacts {
		rt.contacts[contact.ID()] = contact
		return true
	}

	for id, c := range rt.contacts {
		if c.IsBad() {
			delete(rt.contacts, id)
			rt.contacts[contact.ID()] = contact
			return true
		}
	}
	return false
}

func (rt *RoutingTable) Remove(id [sha1.Size]byte) bool {
	rt.mut.Lock()
	defer rt.mut.Unlock()

	if _, ok := rt.contacts[id]; !ok {
		return false
	}
	delete(rt.contacts, id)
	return true
}

func (rt *RoutingTable) Get(id [sha1.Size]byte) *Contact {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	return rt.contacts[id]
}

// FindClosestK returns up to k known contacts ordered by XOR distance from
// target, a linear scan-and-sort over the flat contact set rather than a
// bucket-indexed lookup.
func (rt *RoutingTable) FindClosestK(target [sha1.Size]byte, k int) []*Contact {
	rt.mut.RLock()
	contacts := make([]*Contact, 0, len(rt.contacts))
	for _, c := range rt.contacts {
		contacts = append(contacts, c)
	}
	rt.mut.RUnlock()

	sort.Slice(contacts, func(i, j int) bool {
		return CompareDistance(target, contacts[i].ID(), contacts[j].ID()) < 0
	})

	if len(contacts) > k {
		contacts = contacts[:k]
	}
	return contacts
}

func (rt *RoutingTable) Size() int {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	return len(rt.contacts)
}

type RoutingTableStats struct {
	TotalContacts        int
	GoodContacts         int
	QuestionableContacts int
	BadContacts          int
}

func (rt *RoutingTable) GetStats() RoutingTableStats {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	stats := RoutingTableStats{TotalContacts: len(rt.contacts)}
	for _, c := range rt.contacts {
		switch {
		case c.IsGood():
			stats.GoodContacts++
		case c.IsQuestionable():
			stats.QuestionableContacts++
		case c.IsBad():
			stats.BadContacts++
		}
	}
	return stats
}
