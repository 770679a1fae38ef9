package krpc

import (
	"fmt"
	"net/netip"

	"github.com/dhthunter/crawler/internal/dhttype"
)

// compactNodeLen is the size in bytes of a single compact node record:
// 20-byte id || 4-byte IPv4 || 2-byte big-endian port.
const compactNodeLen = dhttype.IDLen + 4 + 2

// compactPeerLen is the size of a single compact peer record: IPv4 || port.
const compactPeerLen = 4 + 2

// EncodeCompactNodes packs a list of NodeInfo into concatenated 26-byte
// records. Non-IPv4 entries are silently skipped — IPv6 is optional and
// must never be conflated with v4 in this encoding.
func EncodeCompactNodes(nodes []NodeInfo) []byte {
	buf := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		addr4, ok := to4(n.Addr)
		if !ok {
			continue
		}
		buf = append(buf, n.ID[:]...)
		buf = append(buf, addr4[:]...)
		buf = appendPort(buf, n.Addr.Port())
	}
	return buf
}

// DecodeCompactNodes unpacks a concatenated list of 26-byte records.
func DecodeCompactNodes(b []byte) ([]NodeInfo, error) {
	if len(b)%compactNodeLen != 0 {
		return nil, fmt.Errorf("krpc: compact node list length %d is not a multiple of %d", len(b), compactNodeLen)
	}
	out := make([]NodeInfo, 0, len(b)/compactNodeLen)
	for i := 0; i < len(b); i += compactNodeLen {
		rec := b[i : i+compactNodeLen]
		id := dhttype.IDFromBytes(rec[:dhttype.IDLen])
		ip := netip.AddrFrom4([4]byte(rec[dhttype.IDLen : dhttype.IDLen+4]))
		port := readPort(rec[dhttype.IDLen+4:])
		out = append(out, NodeInfo{ID: id, Addr: netip.AddrPortFrom(ip, port)})
	}
	return out, nil
}

// EncodeCompactPeers packs a list of endpoints into a bencode list of
// 6-byte peer strings (the caller wraps each in bencode.Bytes).
func EncodeCompactPeers(peers []dhttype.Endpoint) [][]byte {
	out := make([][]byte, 0, len(peers))
	for _, p := range peers {
		addr4, ok := to4(p)
		if !ok {
			continue
		}
		rec := make([]byte, 0, compactPeerLen)
		rec = append(rec, addr4[:]...)
		rec = appendPort(rec, p.Port())
		out = append(out, rec)
	}
	return out
}

// DecodeCompactPeer unpacks a single 6-byte peer record.
func DecodeCompactPeer(b []byte) (dhttype.Endpoint, error) {
	if len(b) != compactPeerLen {
		return dhttype.Endpoint{}, fmt.Errorf("krpc: compact peer record must be %d bytes, got %d", compactPeerLen, len(b))
	}
	ip := netip.AddrFrom4([4]byte(b[:4]))
	port := readPort(b[4:])
	return netip.AddrPortFrom(ip, port), nil
}

func to4(ep dhttype.Endpoint) ([4]byte, bool) {
	addr := ep.Addr()
	if !addr.Is4() && !addr.Is4In6() {
		return [4]byte{}, false
	}
	return addr.As4(), true
}

func appendPort(buf []byte, port uint16) []byte {
	return append(buf, byte(port>>8), byte(port))
}

func readPort(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
