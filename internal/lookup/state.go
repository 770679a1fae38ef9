package lookup

import (
	"sort"

	"github.com/dhthunter/crawler/internal/dhttype"
)

// candidateState tracks where a shortlist entry sits in the
// shortlisted/pending/queried/failed cycle each round of a lookup drives
// it through.
type candidateState int

const (
	stateShortlisted candidateState = iota
	statePending
	stateQueried
	stateFailed
)

// trackedNode is one shortlist entry: a known node plus its distance to
// the lookup target and its progress through the query cycle.
type trackedNode struct {
	node  dhttype.Node
	dist  [32]byte
	state candidateState
	token string
}

// state holds one lookup's shortlist, deduplicated by node id, plus the
// peers and tokens accumulated along the way. Every method assumes the
// caller holds whatever lock guards concurrent access; state itself is
// not safe for concurrent use.
type state struct {
	target dhttype.ID
	byID   map[dhttype.ID]*trackedNode
	order  []*trackedNode // kept sorted ascending by dist

	peerSeen map[dhttype.Endpoint]struct{}
	peers    []PeerResult
	seenCnt  int
}

// shortlistCap bounds how many nodes a lookup keeps track of at once, so
// a lookup against a well-populated swarm doesn't accumulate unbounded
// shortlist entries; 3*k mirrors the routing table's per-bucket slack.
func shortlistCap(k int) int {
	if 3*k > 32 {
		return 3 * k
	}
	return 32
}

func newState(target dhttype.ID, seed []dhttype.Node) *state {
	st := &state{
		target:   target,
		byID:     make(map[dhttype.ID]*trackedNode, len(seed)),
		peerSeen: make(map[dhttype.Endpoint]struct{}),
	}
	for _, n := range seed {
		st.offer(n)
	}
	return st
}

func distanceOf(target, id dhttype.ID) [32]byte {
	return dhttype.Xor(target, id).Bytes32()
}

// offer inserts n into the shortlist if it is new, or refreshes its
// address if n's id is already tracked; it never regresses a node's
// query state. Returns true if n was newly inserted.
func (st *state) offer(n dhttype.Node) bool {
	if existing, ok := st.byID[n.ID]; ok {
		existing.node = n
		return false
	}
	tn := &trackedNode{node: n, dist: distanceOf(st.target, n.ID), state: stateShortlisted}
	st.byID[n.ID] = tn
	st.order = append(st.order, tn)
	st.seenCnt++
	st.resort()
	st.truncate()
	return true
}

func (st *state) resort() {
	sort.Slice(st.order, func(i, j int) bool {
		a, b := st.order[i].dist, st.order[j].dist
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}

// truncate drops the farthest entries once the shortlist exceeds its
// cap, but never drops a node that is pending a response, so an
// in-flight query is never orphaned from its tracking entry.
func (st *state) truncate() {
	cap := shortlistCap(K)
	if len(st.order) <= cap {
		return
	}
	kept := st.order[:0]
	for i, tn := range st.order {
		if i < cap || tn.state == statePending {
			kept = append(kept, tn)
			continue
		}
		delete(st.byID, tn.node.ID)
	}
	st.order = kept
}

// selectForDispatch returns up to n shortlisted (not yet queried or
// pending) nodes in ascending distance order, marking them pending.
func (st *state) selectForDispatch(n int) []*trackedNode {
	if n <= 0 {
		return nil
	}
	out := make([]*trackedNode, 0, n)
	for _, tn := range st.order {
		if len(out) == n {
			break
		}
		if tn.state == stateShortlisted {
			tn.state = statePending
			out = append(out, tn)
		}
	}
	return out
}

// applyResult records the outcome of one dispatched query: success marks
// the candidate queried, merges any returned nodes into the shortlist,
// collects peer values, and remembers the responder's token; failure
// marks it failed so it is never retried within this lookup. Returns
// whether any node closer than tn was newly discovered. runLookup does
// not use this value: a lookup keeps dispatching until no shortlisted
// candidate remains, or its deadline or cancellation fires; it does not
// stop early when a round brings no closer node.
func (st *state) applyResult(target dhttype.ID, tn *trackedNode, res Result, mode Mode, onNode NodeObserver) bool {
	if res.Err != nil || res.Response == nil {
		tn.state = stateFailed
		return false
	}
	tn.state = stateQueried
	if onNode != nil {
		onNode(tn.node)
	}
	resp := res.Response
	if resp.HasToken {
		tn.token = resp.Token
	}

	improved := false
	for _, ni := range resp.Nodes {
		if ni.ID == target {
			continue
		}
		n := dhttype.Node{ID: ni.ID, Addr: ni.Addr}
		if onNode != nil {
			onNode(n)
		}
		if st.offer(n) && isCloser(distanceOf(target, ni.ID), tn.dist) {
			improved = true
		}
	}

	if mode == GetPeers {
		for _, addr := range resp.Values {
			if _, dup := st.peerSeen[addr]; dup {
				continue
			}
			st.peerSeen[addr] = struct{}{}
			st.peers = append(st.peers, PeerResult{Addr: addr})
		}
	}
	return improved
}

func isCloser(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// assemble produces the final LookupResult: the K closest nodes that
// were actually queried successfully, in ascending distance order, plus
// any peers collected along the way.
func (st *state) assemble(target dhttype.ID, mode Mode, canceled bool) LookupResult {
	result := LookupResult{Target: target, Canceled: canceled, NodeSeen: st.seenCnt}
	for _, tn := range st.order {
		if tn.state != stateQueried {
			continue
		}
		result.Nodes = append(result.Nodes, NodeResult{Node: tn.node, Token: tn.token})
		if len(result.Nodes) == K {
			break
		}
	}
	if mode == GetPeers {
		result.Peers = st.peers
	}
	return result
}
