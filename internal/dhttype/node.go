package dhttype

import (
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

// Quality is the small state machine a Node's routing-table membership
// transitions through.
type Quality uint8

const (
	Good Quality = iota
	Questionable
	Bad
)

func (q Quality) String() string {
	switch q {
	case Good:
		return "good"
	case Questionable:
		return "questionable"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

// GoodFor is the duration a node remains Good since its last_seen
// timestamp before becoming Questionable.
const GoodFor = 15 * time.Minute

// Node is a routing-table entry: identity, address, recency, and quality.
// Nodes are small and copied by value across the routing table, lookups,
// and events.
type Node struct {
	ID                  ID
	Addr                Endpoint
	LastSeen            mclock.AbsTime
	Quality             Quality
	ConsecutiveFailures int
}

// Touch marks the node as freshly Good, as happens on any successful
// response.
func (n *Node) Touch(now mclock.AbsTime) {
	n.LastSeen = now
	n.Quality = Good
	n.ConsecutiveFailures = 0
}

// RecomputeQuality re-derives n.Quality from elapsed time and recorded
// failures. It never downgrades Bad back to Questionable; only Touch
// (a fresh response) can do that, via Quality reassignment above.
func (n *Node) RecomputeQuality(now mclock.AbsTime) {
	if n.Quality == Bad {
		return
	}
	if now.Sub(n.LastSeen) < GoodFor {
		if n.Quality != Bad {
			n.Quality = Good
		}
		return
	}
	n.Quality = Questionable
}

// RecordFailure registers a failed query while the node is Questionable,
// promoting it to Bad after two consecutive failures. A
// failure observed while still Good simply forces a quality recompute
// without counting towards the Bad threshold, since a single miss from
// an otherwise-fresh node is not yet suspicious.
func (n *Node) RecordFailure(now mclock.AbsTime) {
	n.RecomputeQuality(now)
	if n.Quality != Questionable {
		return
	}
	n.ConsecutiveFailures++
	if n.ConsecutiveFailures >= 2 {
		n.Quality = Bad
	}
}
