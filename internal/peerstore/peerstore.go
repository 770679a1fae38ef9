// Package peerstore holds per-info-hash sets of announcing peers with
// TTL expiry and bounded capacity, grounded on yarikk-dht's peer-store
// struct layout for the per-hash record set. Eviction bookkeeping is a
// container/list recency order plus a map, rather than
// common/lru.BasicLRU, because Get/sweep need front-to-back traversal
// by announce age for TTL expiry and Snapshot/Restore need full
// enumeration in that same order for persistence round-tripping —
// neither of which BasicLRU exposes.
package peerstore

import (
	"container/list"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/dhthunter/crawler/internal/dhttype"
)

// TTL is how long a peer record survives since its last announce
// before expiring.
const TTL = 30 * time.Minute

// SweepInterval is the cadence of the eager background expiry sweep
//.
const SweepInterval = 60 * time.Second

// CapacityPerHash bounds the number of peers retained for a single
// info-hash; overflow evicts the oldest entry.
const CapacityPerHash = 1024

// Peer is a single announced endpoint with its last-announce time.
type Peer struct {
	Addr       dhttype.Endpoint
	AnnouncedAt mclock.AbsTime
}

type entry struct {
	addr       dhttype.Endpoint
	announced  mclock.AbsTime
	elem       *list.Element // position in the hash's recency list
}

type hashBucket struct {
	order   *list.List // front = oldest, back = most-recently-announced
	byAddr  map[dhttype.Endpoint]*entry
}

func newHashBucket() *hashBucket {
	return &hashBucket{order: list.New(), byAddr: make(map[dhttype.Endpoint]*entry)}
}

// Store is a concurrency-safe, TTL-bounded table of (info_hash -> peers).
type Store struct {
	mu    sync.Mutex
	clock mclock.Clock
	log   log.Logger

	hashes map[dhttype.InfoHash]*hashBucket

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an empty Store and starts its background sweep goroutine.
func New(clock mclock.Clock, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root()
	}
	s := &Store{
		clock:  clock,
		log:    logger.New("component", "peerstore"),
		hashes: make(map[dhttype.InfoHash]*hashBucket),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweep goroutine and waits for it to exit.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Store) sweepLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// Add inserts or refreshes the timestamp of (infoHash, addr).
// Overflow beyond CapacityPerHash evicts the oldest entry for that hash.
func (s *Store) Add(infoHash dhttype.InfoHash, addr dhttype.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.hashes[infoHash]
	if !ok {
		b = newHashBucket()
		s.hashes[infoHash] = b
	}

	now := s.clock.Now()
	if e, ok := b.byAddr[addr]; ok {
		e.announced = now
		b.order.MoveToBack(e.elem)
		return
	}

	e := &entry{addr: addr, announced: now}
	e.elem = b.order.PushBack(e)
	b.byAddr[addr] = e

	if len(b.byAddr) > CapacityPerHash {
		oldest := b.order.Front()
		if oldest != nil {
			victim := oldest.Value.(*entry)
			b.order.Remove(oldest)
			delete(b.byAddr, victim.addr)
		}
	}
}

// Get returns up to max non-expired peers for infoHash, most-recently
// announced first. Expired entries encountered are removed
// lazily as part of the read.
func (s *Store) Get(infoHash dhttype.InfoHash, max int) []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.hashes[infoHash]
	if !ok {
		return nil
	}

	now := s.clock.Now()
	out := make([]Peer, 0, max)
	var next *list.Element
	for e := b.order.Back(); e != nil && len(out) < max; e = next {
		next = e.Prev()
		ent := e.Value.(*entry)
		if now.Sub(ent.announced) > TTL {
			b.order.Remove(e)
			delete(b.byAddr, ent.addr)
			continue
		}
		out = append(out, Peer{Addr: ent.addr, AnnouncedAt: ent.announced})
	}
	if len(b.byAddr) == 0 {
		delete(s.hashes, infoHash)
	}
	return out
}

// Count returns the number of live (non-expired) peers tracked for
// infoHash, without mutating state. Used by statistics reporting.
func (s *Store) Count(infoHash dhttype.InfoHash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.hashes[infoHash]
	if !ok {
		return 0
	}
	now := s.clock.Now()
	n := 0
	for e := b.order.Front(); e != nil; e = e.Next() {
		if now.Sub(e.Value.(*entry).announced) <= TTL {
			n++
		}
	}
	return n
}

// InfoHashes returns every info-hash currently tracked, including ones
// whose only entries are about to be swept as expired.
func (s *Store) InfoHashes() []dhttype.InfoHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dhttype.InfoHash, 0, len(s.hashes))
	for h := range s.hashes {
		out = append(out, h)
	}
	return out
}

// Snapshot returns every (info_hash, peer) pair currently stored, for use
// by the persistence manager. It does not
// prune expired entries; callers wanting only live entries should use Get.
func (s *Store) Snapshot() map[dhttype.InfoHash][]Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[dhttype.InfoHash][]Peer, len(s.hashes))
	for h, b := range s.hashes {
		peers := make([]Peer, 0, len(b.byAddr))
		for e := b.order.Front(); e != nil; e = e.Next() {
			ent := e.Value.(*entry)
			peers = append(peers, Peer{Addr: ent.addr, AnnouncedAt: ent.announced})
		}
		out[h] = peers
	}
	return out
}

// Restore repopulates the store from a persisted snapshot. Timestamps are taken as-is; expiry is re-evaluated lazily as
// usual on the next Get/sweep.
func (s *Store) Restore(data map[dhttype.InfoHash][]Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, peers := range data {
		b := newHashBucket()
		for _, p := range peers {
			e := &entry{addr: p.Addr, announced: p.AnnouncedAt}
			e.elem = b.order.PushBack(e)
			b.byAddr[p.Addr] = e
		}
		s.hashes[h] = b
	}
}

// sweep eagerly removes every expired entry across all info-hashes
//.
func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for h, b := range s.hashes {
		var next *list.Element
		for e := b.order.Front(); e != nil; e = next {
			next = e.Next()
			ent := e.Value.(*entry)
			if now.Sub(ent.announced) > TTL {
				b.order.Remove(e)
				delete(b.byAddr, ent.addr)
				removed++
			}
		}
		if len(b.byAddr) == 0 {
			delete(s.hashes, h)
		}
	}
	if removed > 0 {
		s.log.Debug("peer store sweep removed expired entries", "count", removed)
	}
}
