package routingtable

import "github.com/dhthunter/crawler/internal/dhttype"

// K is the maximum number of nodes a single bucket holds.
const K = 16

// bucket is an ordered list of up to K nodes, oldest-first (eviction end)
// and most-recently-seen last, plus the shared prefix of ids it accepts.
// Bucket prefixes partition the full 160-bit id space as a binary trie:
// a bucket accepts id iff dhttype.CommonPrefixLen(id, prefix) >= prefixLen
//.
type bucket struct {
	prefix    dhttype.ID
	prefixLen int
	nodes     []dhttype.Node
}

func newRootBucket() *bucket {
	return &bucket{prefixLen: 0}
}

func (b *bucket) accepts(id dhttype.ID) bool {
	return dhttype.CommonPrefixLen(id, b.prefix) >= b.prefixLen
}

func (b *bucket) indexOf(id dhttype.ID) int {
	for i := range b.nodes {
		if b.nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// splittable reports whether b can still be split (prefix_length < 160).
func (b *bucket) splittable() bool {
	return b.prefixLen < dhttype.IDLen*8
}

// split partitions b's members by bit b.prefixLen of their id, producing
// two child buckets of prefix_length+1. The
// split never produces a bucket whose count exceeds K because both
// children inherit a subset of b's (already <= K) members.
func (b *bucket) split() (zero, one *bucket) {
	zero = &bucket{prefix: b.prefix, prefixLen: b.prefixLen + 1}
	one = &bucket{prefix: b.prefix, prefixLen: b.prefixLen + 1}
	setBitInPlace(&one.prefix, b.prefixLen, true)

	for _, n := range b.nodes {
		if n.ID.Bit(b.prefixLen) {
			one.nodes = append(one.nodes, n)
		} else {
			zero.nodes = append(zero.nodes, n)
		}
	}
	return zero, one
}

func setBitInPlace(id *dhttype.ID, bit int, v bool) {
	byteIdx := bit / 8
	bitIdx := 7 - uint(bit%8)
	if v {
		id[byteIdx] |= 1 << bitIdx
	} else {
		id[byteIdx] &^= 1 << bitIdx
	}
}

// oldestBad returns the index of the oldest (lowest-index) Bad node, or -1.
func (b *bucket) oldestBad() int {
	for i := range b.nodes {
		if b.nodes[i].Quality == dhttype.Bad {
			return i
		}
	}
	return -1
}

// oldestQuestionable returns the index of the oldest Questionable node, or -1.
func (b *bucket) oldestQuestionable() int {
	for i := range b.nodes {
		if b.nodes[i].Quality == dhttype.Questionable {
			return i
		}
	}
	return -1
}

// removeAt deletes the node at index i, preserving order.
func (b *bucket) removeAt(i int) {
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
}

// touchToEnd moves the node at index i to the end (most-recently-seen)
// after updating it in place via update.
func (b *bucket) touchToEnd(i int, update func(*dhttype.Node)) {
	n := b.nodes[i]
	update(&n)
	b.removeAt(i)
	b.nodes = append(b.nodes, n)
}
