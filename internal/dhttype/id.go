// Package dhttype holds the wire-level identity and addressing types
// shared across every dhthunter component: the 160-bit NodeID/InfoHash
// space, the XOR metric, and (NodeID, Endpoint) node records.
package dhttype

import (
	"crypto/rand"
	"encoding/hex"
	"net/netip"

	"github.com/holiman/uint256"
)

// IDLen is the width of the Kademlia identifier space in bytes (160 bits).
const IDLen = 20

// ID is a 160-bit identifier. NodeID and InfoHash share this
// representation; they are distinguished only by role.
type ID [IDLen]byte

// InfoHash is structurally identical to ID; the alias documents role.
type InfoHash = ID

// Zero is the all-zero sentinel ID. It is never admitted to the routing
// table as a peer id.
var Zero ID

// RandomID returns a cryptographically random 160-bit id.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("dhttype: system randomness unavailable: " + err.Error())
	}
	return id
}

// RandomIDWithPrefix returns a random id that shares the top prefixLen
// bits with prefix. Used by the crawler to target sparsely-populated
// buckets.
func RandomIDWithPrefix(prefix ID, prefixLen int) ID {
	id := RandomID()
	for bit := 0; bit < prefixLen; bit++ {
		setBit(&id, bit, getBit(prefix, bit))
	}
	return id
}

func getBit(id ID, bit int) bool {
	byteIdx := bit / 8
	bitIdx := 7 - uint(bit%8)
	return (id[byteIdx]>>bitIdx)&1 == 1
}

func setBit(id *ID, bit int, v bool) {
	byteIdx := bit / 8
	bitIdx := 7 - uint(bit%8)
	if v {
		id[byteIdx] |= 1 << bitIdx
	} else {
		id[byteIdx] &^= 1 << bitIdx
	}
}

// Bit returns the value of the bit-th most-significant bit of id
// (bit 0 is the MSB of id[0]).
func (id ID) Bit(bit int) bool { return getBit(id, bit) }

// Equal reports whether id and other are the same identifier.
func (id ID) Equal(other ID) bool { return id == other }

// Less implements a total, lexicographic-on-bytes ordering, used to
// break ties between equal-distance candidates.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether id is the unspecified sentinel.
func (id ID) IsZero() bool { return id == Zero }

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Xor computes the Kademlia XOR metric between id and other, interpreted
// as an unsigned integer via uint256.Int so that distance comparisons and
// arithmetic reuse a well-tested big-unsigned type instead of hand-rolled
// 160-bit compare code.
func Xor(a, b ID) *uint256.Int {
	var x ID
	for i := range a {
		x[i] = a[i] ^ b[i]
	}
	var padded [32]byte
	copy(padded[32-IDLen:], x[:])
	return new(uint256.Int).SetBytes(padded[:])
}

// CommonPrefixLen returns the number of leading bits a and b share
// (0..160), used to determine bucket placement.
func CommonPrefixLen(a, b ID) int {
	for bit := 0; bit < IDLen*8; bit++ {
		if getBit(a, bit) != getBit(b, bit) {
			return bit
		}
	}
	return IDLen * 8
}

// IDFromBytes copies 20 bytes of b into an ID. It panics if len(b) != IDLen;
// callers at wire boundaries must length-check first and return a codec
// error instead of calling this on untrusted input.
func IDFromBytes(b []byte) ID {
	if len(b) != IDLen {
		panic("dhttype: id must be exactly 20 bytes")
	}
	var id ID
	copy(id[:], b)
	return id
}

// Endpoint is a (IP, UDP port) pair. IPv4 is mandatory; IPv6 is accepted
// but must never be conflated with v4 in compact encodings.
type Endpoint = netip.AddrPort
