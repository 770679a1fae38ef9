package krpc

import (
	"net/netip"

	"github.com/ethereum/go-ethereum/log"

	"github.com/dhthunter/crawler/internal/dhttype"
)

// ClosestNodesForFindNode and ClosestNodesForGetPeers bound the number
// of nodes returned from the routing table in find_node/get_peers
// responses.
const (
	ClosestNodesForFindNode = 8
	ClosestNodesForGetPeers = 8
	MaxPeersPerGetPeers     = 100
)

// RoutingTable is the subset of routingtable.Table the dispatcher needs.
type RoutingTable interface {
	FindClosest(target dhttype.ID, k int) []dhttype.Node
	LocalID() dhttype.ID
}

// AnnounceSink receives verified announce_peer insertions. It is a
// narrow interface (rather than importing peerstore.Store directly) so
// the dispatcher's token-verification logic stays independently testable.
type AnnounceSink interface {
	Add(infoHash dhttype.InfoHash, addr dhttype.Endpoint)
}

// PeerLookup fetches peers for get_peers responses.
type PeerLookup interface {
	Get(infoHash dhttype.InfoHash, max int) []dhttype.Endpoint
}

// InfoHashObserver is notified whenever a query reveals an info-hash of
// interest, driving the crawler's passive discovery.
type InfoHashObserver func(infoHash dhttype.InfoHash, source dhttype.Endpoint)

// Dispatcher answers incoming KRPC queries.
type Dispatcher struct {
	table   RoutingTable
	peers   PeerLookup
	sink    AnnounceSink
	tokens  *TokenIssuer
	onQuery InfoHashObserver
	log     log.Logger
}

// NewDispatcher constructs a Dispatcher. onQuery may be nil.
func NewDispatcher(table RoutingTable, peers PeerLookup, sink AnnounceSink, tokens *TokenIssuer, onQuery InfoHashObserver, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Root()
	}
	return &Dispatcher{table: table, peers: peers, sink: sink, tokens: tokens, onQuery: onQuery, log: logger.New("component", "dispatcher")}
}

// Handle answers an incoming query, returning the response (or error)
// message to send back. It never admits the sender to the routing
// table itself — that remains the crawler/lookup engine's job, except
// that a sender claiming our own id is never fed back.
func (d *Dispatcher) Handle(q *Msg, source dhttype.Endpoint) *Msg {
	if q.Query == nil {
		return d.errorReply(q, ErrorGeneric, "missing query arguments")
	}

	switch q.Query.Method {
	case MethodPing:
		return d.reply(q, &ResponseBody{ID: d.table.LocalID()})

	case MethodFindNode:
		nodes := d.table.FindClosest(q.Query.Target, ClosestNodesForFindNode)
		return d.reply(q, &ResponseBody{ID: d.table.LocalID(), HasNodes: true, Nodes: toNodeInfos(nodes)})

	case MethodGetPeers:
		if d.onQuery != nil {
			d.onQuery(q.Query.InfoHash, source)
		}
		token := d.tokens.Issue(source, q.Query.InfoHash)
		if peers := d.peers.Get(q.Query.InfoHash, MaxPeersPerGetPeers); len(peers) > 0 {
			return d.reply(q, &ResponseBody{ID: d.table.LocalID(), HasToken: true, Token: token, HasValues: true, Values: peers})
		}
		nodes := d.table.FindClosest(q.Query.InfoHash, ClosestNodesForGetPeers)
		return d.reply(q, &ResponseBody{ID: d.table.LocalID(), HasToken: true, Token: token, HasNodes: true, Nodes: toNodeInfos(nodes)})

	case MethodAnnouncePeer:
		if !d.tokens.Verify(source, q.Query.InfoHash, q.Query.Token) {
			return d.errorReply(q, ErrorBadToken, BadTokenMessage)
		}
		port := q.Query.Port
		if q.Query.HasImpliedPort && q.Query.ImpliedPort {
			port = int(source.Port())
		}
		addr := addrWithPort(source, port)
		d.sink.Add(q.Query.InfoHash, addr)
		return d.reply(q, &ResponseBody{ID: d.table.LocalID()})

	default:
		d.log.Debug("rejecting unknown query method", "method", q.Query.Method)
		return d.errorReply(q, ErrorBadMethod, "unknown method")
	}
}

// SenderClaimsOwnID reports whether q's "id" argument equals localID,
// the signal the crawler uses to withhold routing-table admission for
// this sender while still answering normally.
func SenderClaimsOwnID(q *Msg, localID dhttype.ID) bool {
	return q.Query != nil && q.Query.ID == localID
}

func (d *Dispatcher) reply(q *Msg, r *ResponseBody) *Msg {
	return &Msg{TxID: q.TxID, Type: TypeResponse, Response: r}
}

func (d *Dispatcher) errorReply(q *Msg, code int, message string) *Msg {
	return &Msg{TxID: q.TxID, Type: TypeError, Error: &ErrorBody{Code: code, Message: message}}
}

func toNodeInfos(nodes []dhttype.Node) []NodeInfo {
	out := make([]NodeInfo, len(nodes))
	for i, n := range nodes {
		out[i] = NodeInfo{ID: n.ID, Addr: n.Addr}
	}
	return out
}

func addrWithPort(addr dhttype.Endpoint, port int) dhttype.Endpoint {
	return netip.AddrPortFrom(addr.Addr(), uint16(port))
}
