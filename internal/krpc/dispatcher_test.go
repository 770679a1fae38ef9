package krpc

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhthunter/crawler/internal/dhttype"
)

type fakeTable struct {
	localID dhttype.ID
	closest []dhttype.Node
}

func (f fakeTable) LocalID() dhttype.ID { return f.localID }
func (f fakeTable) FindClosest(target dhttype.ID, k int) []dhttype.Node {
	if len(f.closest) > k {
		return f.closest[:k]
	}
	return f.closest
}

type fakePeers struct {
	byHash map[dhttype.InfoHash][]dhttype.Endpoint
	added  []dhttype.Endpoint
}

func (f *fakePeers) Get(infoHash dhttype.InfoHash, max int) []dhttype.Endpoint {
	return f.byHash[infoHash]
}
func (f *fakePeers) Add(infoHash dhttype.InfoHash, addr dhttype.Endpoint) {
	f.added = append(f.added, addr)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakePeers, fakeTable) {
	table := fakeTable{localID: dhttype.RandomID()}
	peers := &fakePeers{byHash: make(map[dhttype.InfoHash][]dhttype.Endpoint)}
	tokens := NewTokenIssuer(time.Now)
	d := NewDispatcher(table, peers, peers, tokens, nil, nil)
	return d, peers, table
}

func TestDispatcherPing(t *testing.T) {
	d, _, table := newTestDispatcher(t)
	var id dhttype.ID
	q := &Msg{TxID: []byte("a"), Type: TypeQuery, Q: MethodPing, Query: &QueryBody{Method: MethodPing, ID: id}}
	resp := d.Handle(q, netip.MustParseAddrPort("1.2.3.4:6881"))
	require.NotNil(t, resp.Response)
	assert.Equal(t, table.localID, resp.Response.ID)
}

func TestDispatcherGetPeersReturnsValuesWhenPresent(t *testing.T) {
	d, peers, _ := newTestDispatcher(t)
	var ih dhttype.ID
	ih[0] = 7
	ep := netip.MustParseAddrPort("9.9.9.9:6881")
	peers.byHash[ih] = []dhttype.Endpoint{ep}

	q := &Msg{TxID: []byte("b"), Type: TypeQuery, Q: MethodGetPeers, Query: &QueryBody{Method: MethodGetPeers, InfoHash: ih}}
	resp := d.Handle(q, netip.MustParseAddrPort("1.2.3.4:6881"))
	require.NotNil(t, resp.Response)
	assert.True(t, resp.Response.HasValues)
	assert.Equal(t, []dhttype.Endpoint{ep}, resp.Response.Values)
	assert.True(t, resp.Response.HasToken)
	assert.NotEmpty(t, resp.Response.Token)
}

func TestDispatcherGetPeersReturnsNodesWhenNoPeers(t *testing.T) {
	d, _, table := newTestDispatcher(t)
	_ = table
	var ih dhttype.ID
	q := &Msg{TxID: []byte("c"), Type: TypeQuery, Q: MethodGetPeers, Query: &QueryBody{Method: MethodGetPeers, InfoHash: ih}}
	resp := d.Handle(q, netip.MustParseAddrPort("1.2.3.4:6881"))
	require.NotNil(t, resp.Response)
	assert.False(t, resp.Response.HasValues)
	assert.True(t, resp.Response.HasNodes)
}

func TestDispatcherAnnouncePeerRejectsBadToken(t *testing.T) {
	d, peers, _ := newTestDispatcher(t)
	var ih dhttype.ID
	q := &Msg{TxID: []byte("d"), Type: TypeQuery, Q: MethodAnnouncePeer, Query: &QueryBody{
		Method: MethodAnnouncePeer, InfoHash: ih, Port: 6881, Token: "not-a-real-token",
	}}
	resp := d.Handle(q, netip.MustParseAddrPort("1.2.3.4:6881"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorBadToken, resp.Error.Code)
	assert.Equal(t, BadTokenMessage, resp.Error.Message)
	assert.Empty(t, peers.added)
}

func TestDispatcherAnnouncePeerAcceptsValidToken(t *testing.T) {
	d, peers, _ := newTestDispatcher(t)
	source := netip.MustParseAddrPort("1.2.3.4:6881")
	var ih dhttype.ID

	getPeersQ := &Msg{TxID: []byte("e"), Type: TypeQuery, Q: MethodGetPeers, Query: &QueryBody{Method: MethodGetPeers, InfoHash: ih}}
	resp := d.Handle(getPeersQ, source)
	token := resp.Response.Token

	announceQ := &Msg{TxID: []byte("f"), Type: TypeQuery, Q: MethodAnnouncePeer, Query: &QueryBody{
		Method: MethodAnnouncePeer, InfoHash: ih, Port: 6882, Token: token,
	}}
	announceResp := d.Handle(announceQ, source)
	require.NotNil(t, announceResp.Response)
	require.Len(t, peers.added, 1)
	assert.Equal(t, uint16(6882), peers.added[0].Port())
}

func TestDispatcherAnnouncePeerUsesImpliedPort(t *testing.T) {
	d, peers, _ := newTestDispatcher(t)
	source := netip.MustParseAddrPort("1.2.3.4:51413")
	var ih dhttype.ID

	getPeersQ := &Msg{TxID: []byte("g"), Type: TypeQuery, Q: MethodGetPeers, Query: &QueryBody{Method: MethodGetPeers, InfoHash: ih}}
	token := d.Handle(getPeersQ, source).Response.Token

	announceQ := &Msg{TxID: []byte("h"), Type: TypeQuery, Q: MethodAnnouncePeer, Query: &QueryBody{
		Method: MethodAnnouncePeer, InfoHash: ih, Port: 9999, Token: token, HasImpliedPort: true, ImpliedPort: true,
	}}
	d.Handle(announceQ, source)
	require.Len(t, peers.added, 1)
	assert.Equal(t, uint16(51413), peers.added[0].Port(), "implied_port must use the UDP source port, not the announced port")
}

func TestSenderClaimsOwnIDDetection(t *testing.T) {
	local := dhttype.RandomID()
	q := &Msg{Query: &QueryBody{ID: local}}
	assert.True(t, SenderClaimsOwnID(q, local))

	other := &Msg{Query: &QueryBody{ID: dhttype.RandomID()}}
	assert.False(t, SenderClaimsOwnID(other, local))
}
