package peerstore

import "github.com/dhthunter/crawler/internal/dhttype"

// DispatcherAdapter narrows a *Store to krpc.Dispatcher's PeerLookup and
// AnnounceSink interfaces, which deal in bare endpoints rather than the
// (Endpoint, AnnouncedAt) pairs Get returns.
type DispatcherAdapter struct {
	Store *Store
}

// Get returns up to max endpoints for infoHash, discarding timestamps.
func (a DispatcherAdapter) Get(infoHash dhttype.InfoHash, max int) []dhttype.Endpoint {
	peers := a.Store.Get(infoHash, max)
	out := make([]dhttype.Endpoint, len(peers))
	for i, p := range peers {
		out[i] = p.Addr
	}
	return out
}

// Add inserts or refreshes addr for infoHash.
func (a DispatcherAdapter) Add(infoHash dhttype.InfoHash, addr dhttype.Endpoint) {
	a.Store.Add(infoHash, addr)
}
