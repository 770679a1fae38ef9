package lookup

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dhthunter/crawler/internal/dhttype"
	"github.com/dhthunter/crawler/internal/krpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func endpoint(port uint16) dhttype.Endpoint {
	return netip.AddrPortFrom(netip.MustParseAddr("10.1.2.3"), port)
}

// fakeTable seeds FindClosest with a fixed set of nodes, each addressable
// by its port for test readability.
type fakeTable struct {
	nodes []dhttype.Node
}

func (f *fakeTable) FindClosest(target dhttype.ID, k int) []dhttype.Node {
	if len(f.nodes) > k {
		return append([]dhttype.Node(nil), f.nodes[:k]...)
	}
	return append([]dhttype.Node(nil), f.nodes...)
}

// scriptedSender answers SendQuery per-address from a caller-supplied
// handler, so each test can script exactly which nodes respond, with
// which nodes, and which fail.
type scriptedSender struct {
	mu      sync.Mutex
	handler func(addr dhttype.Endpoint, msg *krpc.Msg) Result
	calls   []dhttype.Endpoint
}

func (s *scriptedSender) SendQuery(ctx context.Context, addr dhttype.Endpoint, msg *krpc.Msg) <-chan Result {
	s.mu.Lock()
	s.calls = append(s.calls, addr)
	s.mu.Unlock()

	ch := make(chan Result, 1)
	go func() {
		ch <- s.handler(addr, msg)
	}()
	return ch
}

func nodeWithPort(port uint16) dhttype.Node {
	return dhttype.Node{ID: dhttype.RandomIDWithPrefix(dhttype.ID{byte(port)}, 8), Addr: endpoint(port)}
}

func TestLookupFindNodeConvergesAndOrdersByDistance(t *testing.T) {
	seed := []dhttype.Node{nodeWithPort(1), nodeWithPort(2), nodeWithPort(3)}
	table := &fakeTable{nodes: seed}

	sender := &scriptedSender{handler: func(addr dhttype.Endpoint, msg *krpc.Msg) Result {
		return Result{Response: &krpc.ResponseBody{ID: dhttype.RandomID()}}
	}}

	e := New(table, sender, dhttype.RandomID(), nil)
	target := dhttype.RandomID()

	result := e.Lookup(context.Background(), target, FindNode)

	require.False(t, result.Canceled)
	require.Len(t, result.Nodes, 3)
	for i := 1; i < len(result.Nodes); i++ {
		prev := dhttype.Xor(target, result.Nodes[i-1].Node.ID)
		cur := dhttype.Xor(target, result.Nodes[i].Node.ID)
		assert.True(t, prev.Cmp(cur) <= 0, "result nodes must be non-decreasing in distance from target")
	}
}

func TestLookupGetPeersCollectsDedupedValues(t *testing.T) {
	seed := []dhttype.Node{nodeWithPort(1), nodeWithPort(2)}
	table := &fakeTable{nodes: seed}

	peerAddr := endpoint(9999)
	sender := &scriptedSender{handler: func(addr dhttype.Endpoint, msg *krpc.Msg) Result {
		return Result{Response: &krpc.ResponseBody{
			ID: dhttype.RandomID(), HasToken: true, Token: "tok",
			HasValues: true, Values: []dhttype.Endpoint{peerAddr},
		}}
	}}

	e := New(table, sender, dhttype.RandomID(), nil)
	result := e.Lookup(context.Background(), dhttype.RandomID(), GetPeers)

	require.Len(t, result.Peers, 1, "duplicate peer values across responders must be deduplicated by address")
	assert.Equal(t, peerAddr, result.Peers[0].Addr)
	for _, n := range result.Nodes {
		assert.Equal(t, "tok", n.Token)
	}
}

func TestLookupFailedNodesAreExcludedFromResult(t *testing.T) {
	good := nodeWithPort(1)
	bad := nodeWithPort(2)
	table := &fakeTable{nodes: []dhttype.Node{good, bad}}

	sender := &scriptedSender{handler: func(addr dhttype.Endpoint, msg *krpc.Msg) Result {
		if addr == bad.Addr {
			return Result{Err: context.DeadlineExceeded}
		}
		return Result{Response: &krpc.ResponseBody{ID: dhttype.RandomID()}}
	}}

	e := New(table, sender, dhttype.RandomID(), nil)
	result := e.Lookup(context.Background(), dhttype.RandomID(), FindNode)

	require.Len(t, result.Nodes, 1)
	assert.Equal(t, good.ID, result.Nodes[0].Node.ID)
}

func TestLookupDiscoversNodesFromResponsesAndQueriesThem(t *testing.T) {
	origin := nodeWithPort(1)
	discovered := nodeWithPort(2)
	table := &fakeTable{nodes: []dhttype.Node{origin}}

	sender := &scriptedSender{handler: func(addr dhttype.Endpoint, msg *krpc.Msg) Result {
		if addr == origin.Addr {
			return Result{Response: &krpc.ResponseBody{
				ID: dhttype.RandomID(), HasNodes: true,
				Nodes: []krpc.NodeInfo{{ID: discovered.ID, Addr: discovered.Addr}},
			}}
		}
		return Result{Response: &krpc.ResponseBody{ID: dhttype.RandomID()}}
	}}

	e := New(table, sender, dhttype.RandomID(), nil)
	result := e.Lookup(context.Background(), dhttype.RandomID(), FindNode)

	ids := make(map[dhttype.ID]bool)
	for _, n := range result.Nodes {
		ids[n.Node.ID] = true
	}
	assert.True(t, ids[origin.ID])
	assert.True(t, ids[discovered.ID], "a node surfaced in a response must itself be queried before the lookup converges")
}

func TestLookupRespectsCancellation(t *testing.T) {
	table := &fakeTable{nodes: []dhttype.Node{nodeWithPort(1)}}
	block := make(chan struct{})
	sender := &scriptedSender{handler: func(addr dhttype.Endpoint, msg *krpc.Msg) Result {
		<-block
		return Result{Response: &krpc.ResponseBody{ID: dhttype.RandomID()}}
	}}

	e := New(table, sender, dhttype.RandomID(), nil, WithDeadline(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan LookupResult, 1)
	go func() { resultCh <- e.Lookup(ctx, dhttype.RandomID(), FindNode) }()

	cancel()
	result := <-resultCh
	close(block)

	assert.True(t, result.Canceled)
}

func TestLookupObservesEveryDiscoveredNode(t *testing.T) {
	origin := nodeWithPort(1)
	discovered := nodeWithPort(2)
	table := &fakeTable{nodes: []dhttype.Node{origin}}

	sender := &scriptedSender{handler: func(addr dhttype.Endpoint, msg *krpc.Msg) Result {
		if addr == origin.Addr {
			return Result{Response: &krpc.ResponseBody{
				ID: dhttype.RandomID(), HasNodes: true,
				Nodes: []krpc.NodeInfo{{ID: discovered.ID, Addr: discovered.Addr}},
			}}
		}
		return Result{Response: &krpc.ResponseBody{ID: dhttype.RandomID()}}
	}}

	var mu sync.Mutex
	var observed []dhttype.ID
	e := New(table, sender, dhttype.RandomID(), nil, WithNodeObserver(func(n dhttype.Node) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, n.ID)
	}))

	e.Lookup(context.Background(), dhttype.RandomID(), FindNode)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, observed, discovered.ID)
}
