// Package krpc implements the typed KRPC message layer on top of the raw
// bencode codec: the four DHT RPCs (ping, find_node, get_peers,
// announce_peer), their compact node/peer encodings, and conversion to
// and from bencode.Value.
//
// Queries, responses, and errors collapse into a single tagged sum
// type: Msg carries exactly one of *QueryBody, *ResponseBody, *ErrorBody
// depending on Type.
package krpc

import "github.com/dhthunter/crawler/internal/dhttype"

// MessageType is the KRPC "y" discriminator.
type MessageType string

const (
	TypeQuery    MessageType = "q"
	TypeResponse MessageType = "r"
	TypeError    MessageType = "e"
)

// Method is the KRPC "q" query method name.
type Method string

const (
	MethodPing         Method = "ping"
	MethodFindNode     Method = "find_node"
	MethodGetPeers     Method = "get_peers"
	MethodAnnouncePeer Method = "announce_peer"
)

// Error codes defined by BEP-5, plus two used only for local validation.
const (
	ErrorGeneric    = 201
	ErrorServer     = 202
	ErrorBadToken   = 203
	ErrorBadMethod  = 204
	ErrorBadPort    = 205 // non-standard, used internally for validation
	ErrorBadTarget  = 206 // non-standard, used internally for validation
	BadTokenMessage = "Bad Token"
)

// QueryBody holds the arguments of a query, with only the fields relevant
// to Method populated.
type QueryBody struct {
	Method Method

	ID dhttype.ID // all methods

	Target   dhttype.ID       // find_node
	InfoHash dhttype.InfoHash // get_peers, announce_peer

	Port           int  // announce_peer
	HasImpliedPort bool // announce_peer: implied_port key present
	ImpliedPort    bool // announce_peer: implied_port value
	Token          string
}

// ResponseBody holds the response values, with only the fields relevant
// to the originating method populated.
type ResponseBody struct {
	ID dhttype.ID

	HasNodes bool
	Nodes    []NodeInfo

	HasToken bool
	Token    string

	HasValues bool
	Values    []dhttype.Endpoint
}

// ErrorBody holds a KRPC error reply's (code, message) pair.
type ErrorBody struct {
	Code    int
	Message string
}

// Msg is the single typed representation of a KRPC message; it touches
// bencode.Value only at the wire boundary.
type Msg struct {
	TxID []byte // "t"
	Type MessageType
	Q    Method // populated only when Type == TypeQuery

	Query    *QueryBody
	Response *ResponseBody
	Error    *ErrorBody

	// Version is the optional "v" client-version field. It is carried
	// through encode/decode as-is; its value is not checked or logged.
	Version string
}

// NodeInfo is a single entry of a compact node list: identity plus
// address, the unit exchanged by find_node/get_peers responses.
type NodeInfo struct {
	ID   dhttype.ID
	Addr dhttype.Endpoint
}
