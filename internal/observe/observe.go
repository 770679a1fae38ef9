// Package observe is the system-wide observation stream: a set of typed
// events fanned out via go-ethereum's event.Feed, kept strictly separate
// from structured logging.
package observe

import (
	"github.com/ethereum/go-ethereum/event"

	"github.com/dhthunter/crawler/internal/dhttype"
)

// NodeDiscovered describes a node learned of via a response. No
// component in this module publishes it on the Bus.
type NodeDiscovered struct {
	Node dhttype.Node
}

// NodeAdded describes a node admitted to the routing table. The table
// reports admissions on its own feed (Table.SubscribeNodeAdded); nothing
// in this module forwards them to the Bus.
type NodeAdded struct {
	Node dhttype.Node
}

// BucketSplit describes a k-bucket split. The table reports splits on
// its own feed (Table.SubscribeBucketSplit); nothing in this module
// forwards them to the Bus.
type BucketSplit struct {
	PrefixLen int
}

// PeerDiscovered fires for each peer returned by the crawler's get_peers
// lookups of monitored info-hashes. Peers stored from inbound
// announce_peer queries are not published.
type PeerDiscovered struct {
	InfoHash dhttype.InfoHash
	Addr     dhttype.Endpoint
}

// InfoHashDiscovered fires for the info_hash of every incoming get_peers
// query, each time one arrives; repeats of the same hash are not
// filtered out.
type InfoHashDiscovered struct {
	InfoHash dhttype.InfoHash
}

// LookupCompleted fires when an iterative lookup converges or is
// canceled.
type LookupCompleted struct {
	Target   dhttype.ID
	NodeSeen int
	Canceled bool
}

// SystemError describes an error worth surfacing to an operator beyond a
// log line. No component in this module publishes it on the Bus.
type SystemError struct {
	Component string
	Err       error
}

// Bus is the process-wide fan-out point. Each event type has its own
// Feed so subscribers only pay for the channels they actually read.
type Bus struct {
	nodeDiscovered     event.Feed
	nodeAdded          event.Feed
	bucketSplit        event.Feed
	peerDiscovered     event.Feed
	infoHashDiscovered event.Feed
	lookupCompleted    event.Feed
	systemError        event.Feed
}

// New constructs an empty Bus.
func New() *Bus { return &Bus{} }

func (b *Bus) SubscribeNodeDiscovered(ch chan<- NodeDiscovered) event.Subscription {
	return b.nodeDiscovered.Subscribe(ch)
}
func (b *Bus) PublishNodeDiscovered(e NodeDiscovered) int { return b.nodeDiscovered.Send(e) }

func (b *Bus) SubscribeNodeAdded(ch chan<- NodeAdded) event.Subscription {
	return b.nodeAdded.Subscribe(ch)
}
func (b *Bus) PublishNodeAdded(e NodeAdded) int { return b.nodeAdded.Send(e) }

func (b *Bus) SubscribeBucketSplit(ch chan<- BucketSplit) event.Subscription {
	return b.bucketSplit.Subscribe(ch)
}
func (b *Bus) PublishBucketSplit(e BucketSplit) int { return b.bucketSplit.Send(e) }

func (b *Bus) SubscribePeerDiscovered(ch chan<- PeerDiscovered) event.Subscription {
	return b.peerDiscovered.Subscribe(ch)
}
func (b *Bus) PublishPeerDiscovered(e PeerDiscovered) int { return b.peerDiscovered.Send(e) }

func (b *Bus) SubscribeInfoHashDiscovered(ch chan<- InfoHashDiscovered) event.Subscription {
	return b.infoHashDiscovered.Subscribe(ch)
}
func (b *Bus) PublishInfoHashDiscovered(e InfoHashDiscovered) int {
	return b.infoHashDiscovered.Send(e)
}

func (b *Bus) SubscribeLookupCompleted(ch chan<- LookupCompleted) event.Subscription {
	return b.lookupCompleted.Subscribe(ch)
}
func (b *Bus) PublishLookupCompleted(e LookupCompleted) int { return b.lookupCompleted.Send(e) }

func (b *Bus) SubscribeSystemError(ch chan<- SystemError) event.Subscription {
	return b.systemError.Subscribe(ch)
}
func (b *Bus) PublishSystemError(e SystemError) int { return b.systemError.Send(e) }
