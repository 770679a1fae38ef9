// Package routingtable implements the Kademlia k-bucket routing table:
// XOR-distance ordering, prefix-tree bucket splitting, and a
// try-add/replace-on-probe admission algorithm, grounded on
// go-ethereum's pre-discv5 Kademlia table for the bucket split/evict
// shape and on libp2p's kbucket.RoutingTable for the try-add/
// replace-on-probe admission shape.
package routingtable

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/dhthunter/crawler/internal/dhttype"
)

// AddResult reports what Add did to the table.
type AddResult int

const (
	Added AddResult = iota
	Updated
	Rejected
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Pinger probes a node for liveness during admission.
// It is the routing table's only network-facing collaborator, and is
// always called without holding the table's lock.
type Pinger interface {
	Ping(ctx context.Context, addr dhttype.Endpoint) error
}

// BucketSplitEvent is emitted on the observation stream whenever a bucket
// splits.
type BucketSplitEvent struct {
	PrefixLen int
}

// NodeAddedEvent is emitted whenever a node is newly admitted.
type NodeAddedEvent struct {
	Node dhttype.Node
}

// Table is the Kademlia routing table: an ordered set of k-buckets plus
// the local NodeID.
type Table struct {
	mu      sync.RWMutex
	localID dhttype.ID
	buckets []*bucket
	clock   mclock.Clock
	pinger  Pinger
	log     log.Logger

	splitFeed event.Feed // BucketSplitEvent
	addedFeed event.Feed // NodeAddedEvent

	probeTimeout time.Duration
}

// New constructs an empty routing table seeded with a single root bucket.
func New(localID dhttype.ID, clock mclock.Clock, pinger Pinger, logger log.Logger) *Table {
	if logger == nil {
		logger = log.Root()
	}
	return &Table{
		localID:      localID,
		buckets:      []*bucket{newRootBucket()},
		clock:        clock,
		pinger:       pinger,
		log:          logger.New("component", "routingtable"),
		probeTimeout: 5 * time.Second,
	}
}

// LocalID returns the table's own node id.
func (t *Table) LocalID() dhttype.ID { return t.localID }

// SubscribeBucketSplit registers ch to receive BucketSplitEvent values.
func (t *Table) SubscribeBucketSplit(ch chan<- BucketSplitEvent) event.Subscription {
	return t.splitFeed.Subscribe(ch)
}

// SubscribeNodeAdded registers ch to receive NodeAddedEvent values.
func (t *Table) SubscribeNodeAdded(ch chan<- NodeAddedEvent) event.Subscription {
	return t.addedFeed.Subscribe(ch)
}

// bucketFor returns the unique bucket accepting id. Callers must hold t.mu.
func (t *Table) bucketFor(id dhttype.ID) (int, *bucket) {
	for i, b := range t.buckets {
		if b.accepts(id) {
			return i, b
		}
	}
	// Unreachable if the partition invariant holds.
	return 0, t.buckets[0]
}

// Add runs the bucket admission algorithm: insert, refresh, split, evict
// a bad node, or probe the oldest questionable node and replace it on
// failure. ctx bounds the liveness probe issued in the last case, if any.
func (t *Table) Add(ctx context.Context, n dhttype.Node) AddResult {
	if n.ID.IsZero() || n.ID == t.localID {
		return Rejected
	}

	for {
		t.mu.Lock()
		_, b := t.bucketFor(n.ID)

		if idx := b.indexOf(n.ID); idx >= 0 {
			b.touchToEnd(idx, func(existing *dhttype.Node) {
				existing.Addr = n.Addr
				existing.Touch(t.clock.Now())
			})
			t.mu.Unlock()
			return Updated
		}

		if len(b.nodes) < K {
			fresh := n
			fresh.Touch(t.clock.Now())
			b.nodes = append(b.nodes, fresh)
			t.mu.Unlock()
			t.addedFeed.Send(NodeAddedEvent{Node: fresh})
			return Added
		}

		// Bucket full.
		if b.accepts(t.localID) && b.splittable() {
			t.splitLocked(b)
			t.mu.Unlock()
			continue // retry from step 1 against the freshly split buckets
		}

		if badIdx := b.oldestBad(); badIdx >= 0 {
			b.removeAt(badIdx)
			fresh := n
			fresh.Touch(t.clock.Now())
			b.nodes = append(b.nodes, fresh)
			t.mu.Unlock()
			t.addedFeed.Send(NodeAddedEvent{Node: fresh})
			return Added
		}

		if qIdx := b.oldestQuestionable(); qIdx >= 0 {
			victim := b.nodes[qIdx]
			t.mu.Unlock()
			probeCtx, cancel := context.WithTimeout(ctx, t.probeTimeout)
			err := t.pinger.Ping(probeCtx, victim.Addr)
			cancel()

			t.mu.Lock()
			_, b2 := t.bucketFor(n.ID)
			idx := b2.indexOf(victim.ID)
			if err != nil {
				if idx >= 0 {
					b2.removeAt(idx)
				}
				fresh := n
				fresh.Touch(t.clock.Now())
				b2.nodes = append(b2.nodes, fresh)
				t.mu.Unlock()
				t.addedFeed.Send(NodeAddedEvent{Node: fresh})
				return Added
			}
			if idx >= 0 {
				b2.touchToEnd(idx, func(existing *dhttype.Node) {
					existing.Touch(t.clock.Now())
				})
			}
			t.mu.Unlock()
			return Rejected
		}

		t.mu.Unlock()
		return Rejected
	}
}

// splitLocked splits b into two prefix_length+1 buckets. Callers must
// hold t.mu for writing.
func (t *Table) splitLocked(b *bucket) {
	zero, one := b.split()
	for i, cur := range t.buckets {
		if cur == b {
			t.buckets[i] = zero
			t.buckets = append(t.buckets, nil)
			copy(t.buckets[i+2:], t.buckets[i+1:])
			t.buckets[i+1] = one
			break
		}
	}
	t.log.Debug("bucket split", "prefixLen", zero.prefixLen)
	t.splitFeed.Send(BucketSplitEvent{PrefixLen: zero.prefixLen})
}

// Remove deletes id from the table if present.
func (t *Table) Remove(id dhttype.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, b := t.bucketFor(id)
	if idx := b.indexOf(id); idx >= 0 {
		b.removeAt(idx)
		return true
	}
	return false
}

// Get returns the node with the given id, if present.
func (t *Table) Get(id dhttype.ID) (dhttype.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, b := t.bucketFor(id)
	if idx := b.indexOf(id); idx >= 0 {
		return b.nodes[idx], true
	}
	return dhttype.Node{}, false
}

// MarkFailure records a failed query against id, potentially demoting it
// to Bad. No-op if id is not present.
func (t *Table) MarkFailure(id dhttype.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, b := t.bucketFor(id)
	if idx := b.indexOf(id); idx >= 0 {
		b.nodes[idx].RecordFailure(t.clock.Now())
	}
}

type candidate struct {
	node dhttype.Node
	dist [32]byte // big-endian Xor(target, node.ID), padded, for stable sort
}

// FindClosest returns up to k Good/Questionable nodes closest to target
// by XOR distance, Good ranked before Questionable at equal distance, in
// non-decreasing distance order; Bad nodes are excluded.
func (t *Table) FindClosest(target dhttype.ID, k int) []dhttype.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cands := make([]candidate, 0, len(t.buckets)*K)
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			if n.Quality == dhttype.Bad {
				continue
			}
			d := dhttype.Xor(target, n.ID)
			cands = append(cands, candidate{node: n, dist: d.Bytes32()})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		ci, cj := cands[i], cands[j]
		for b := range ci.dist {
			if ci.dist[b] != cj.dist[b] {
				return ci.dist[b] < cj.dist[b]
			}
		}
		if ci.node.Quality != cj.node.Quality {
			return ci.node.Quality == dhttype.Good
		}
		return ci.node.ID.Less(cj.node.ID)
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]dhttype.Node, len(cands))
	for i, c := range cands {
		out[i] = c.node
	}
	return out
}

// Snapshot returns (id, endpoint) pairs for every node in O(n) without
// mutating the table.
func (t *Table) Snapshot() []dhttype.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]dhttype.Node, 0, len(t.buckets)*K)
	for _, b := range t.buckets {
		out = append(out, b.nodes...)
	}
	return out
}

// RefreshQualities re-derives every node's quality from the current clock.
// Called periodically by the crawler loop so that Good -> Questionable
// transitions happen even for buckets that see no admission traffic.
func (t *Table) RefreshQualities() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for _, b := range t.buckets {
		for i := range b.nodes {
			b.nodes[i].RecomputeQuality(now)
		}
	}
}

// AuditReport is the result of an Audit pass over the table's universal
// invariants: bucket disjointness, id uniqueness, and bucket size bound.
type AuditReport struct {
	Buckets          int
	Nodes            int
	OversizedBuckets []string // prefix/len of any bucket holding more than K nodes
	OverlappingPairs []string // prefix/len pairs of buckets whose id ranges overlap
	DuplicateIDs     []dhttype.ID
	LocalIDInTable   bool // the local node must never appear as a member
}

// OK reports whether the audited table violated no invariant.
func (r AuditReport) OK() bool {
	return len(r.OversizedBuckets) == 0 && len(r.OverlappingPairs) == 0 &&
		len(r.DuplicateIDs) == 0 && !r.LocalIDInTable
}

// Audit walks every bucket and checks the table's universal invariants,
// returning a structured report rather than panicking or logging
// directly, so callers (statistics output, tests) can decide how to
// surface a violation.
func (t *Table) Audit() AuditReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := AuditReport{Buckets: len(t.buckets)}
	seen := make(map[dhttype.ID]bool)

	for _, b := range t.buckets {
		report.Nodes += len(b.nodes)
		if len(b.nodes) > K {
			report.OversizedBuckets = append(report.OversizedBuckets, bucketLabel(b))
		}
		for _, n := range b.nodes {
			if n.ID == t.localID {
				report.LocalIDInTable = true
			}
			if seen[n.ID] {
				report.DuplicateIDs = append(report.DuplicateIDs, n.ID)
			}
			seen[n.ID] = true
		}
	}

	for i, a := range t.buckets {
		for _, b := range t.buckets[i+1:] {
			if bucketsOverlap(a, b) {
				report.OverlappingPairs = append(report.OverlappingPairs, bucketLabel(a)+" / "+bucketLabel(b))
			}
		}
	}

	return report
}

func bucketLabel(b *bucket) string {
	return b.prefix.String() + "/" + strconv.Itoa(b.prefixLen)
}

// bucketsOverlap reports whether two distinct buckets' prefix-defined id
// ranges intersect. In a valid trie partition every pair of buckets is
// either fully disjoint or identical (never a partial overlap), so it is
// enough to check whether one prefix is an ancestor of the other down to
// the shallower bucket's depth.
func bucketsOverlap(a, b *bucket) bool {
	minLen := a.prefixLen
	if b.prefixLen < minLen {
		minLen = b.prefixLen
	}
	return dhttype.CommonPrefixLen(a.prefix, b.prefix) >= minLen
}

// StaleBucketPrefix returns the prefix and length of a bucket that has
// not produced a fresh node in longer than maxAge, biasing the crawler's
// refresh target selection towards sparse regions. ok is
// false if every bucket was touched recently.
func (t *Table) StaleBucketPrefix(maxAge time.Duration) (prefix dhttype.ID, prefixLen int, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.clock.Now()
	for _, b := range t.buckets {
		if len(b.nodes) == 0 {
			return b.prefix, b.prefixLen, true
		}
		newest := b.nodes[len(b.nodes)-1]
		if now.Sub(newest.LastSeen) > maxAge {
			return b.prefix, b.prefixLen, true
		}
	}
	return dhttype.ID{}, 0, false
}
