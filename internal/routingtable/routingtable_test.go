package routingtable

import (
	"context"
	"net/netip"
	"testing"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhthunter/crawler/internal/dhttype"
)

type noopPinger struct{ alive bool }

func (p noopPinger) Ping(ctx context.Context, addr dhttype.Endpoint) error {
	if p.alive {
		return nil
	}
	return context.DeadlineExceeded
}

func idWithTopBit(top bool, tail byte) dhttype.ID {
	var id dhttype.ID
	if top {
		id[0] = 0x80 | tail
	} else {
		id[0] = tail &^ 0x80
	}
	return id
}

func endpoint(n byte) dhttype.Endpoint {
	return netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 6881+uint16(n))
}

func TestHomeBucketSplitsWhenFull(t *testing.T) {
	local := idWithTopBit(false, 0x00) // local id has top bit 0
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: true}, nil)

	// Fill K=16 slots in the home bucket with ids sharing the local
	// top bit, then add one more: the home bucket must split rather
	// than reject.
	for i := 0; i < K; i++ {
		n := dhttype.Node{ID: idWithTopBit(false, byte(i+1)), Addr: endpoint(byte(i))}
		res := tbl.Add(context.Background(), n)
		require.Equal(t, Added, res, "node %d should be admitted while bucket has room", i)
	}
	require.Len(t, tbl.buckets, 1, "no split should have happened yet")

	extra := dhttype.Node{ID: idWithTopBit(false, 0xEE), Addr: endpoint(99)}
	res := tbl.Add(context.Background(), extra)
	assert.Equal(t, Added, res, "home bucket must split to admit a 17th same-prefix node")
	assert.Greater(t, len(tbl.buckets), 1, "splitting the full home bucket should produce additional buckets")
}

func TestForeignBucketRejectsWhenFullOfGoodNodes(t *testing.T) {
	local := idWithTopBit(false, 0x00)
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: true}, nil)

	// Force the root bucket to split at bit 0 by filling the home side
	// (bit0=0) past K, producing a distinct non-home sibling bucket for
	// bit0=1 that FindClosest/Add no longer treats as the home bucket.
	for i := 0; i < K; i++ {
		n := dhttype.Node{ID: idWithTopBit(false, byte(i+1)), Addr: endpoint(byte(i))}
		require.Equal(t, Added, tbl.Add(context.Background(), n))
	}
	require.Equal(t, Added, tbl.Add(context.Background(), dhttype.Node{ID: idWithTopBit(false, 0xEE), Addr: endpoint(99)}))
	require.Greater(t, len(tbl.buckets), 1, "home bucket should have split")

	// Now fill the non-home (bit0=1) sibling to K with Good nodes.
	for i := 0; i < K; i++ {
		n := dhttype.Node{ID: idWithTopBit(true, byte(i+1)), Addr: endpoint(byte(i + 100))}
		require.Equal(t, Added, tbl.Add(context.Background(), n))
	}

	foreign := dhttype.Node{ID: idWithTopBit(true, 0xFE), Addr: endpoint(200)}
	res := tbl.Add(context.Background(), foreign)
	assert.Equal(t, Rejected, res, "a full non-home bucket of all-Good nodes must reject new entries")
}

func TestQuestionableNodeIsReplacedOnFailedProbe(t *testing.T) {
	local := idWithTopBit(false, 0x00)
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: false}, nil)

	// Force a split so the bit0=1 sibling is a genuine non-home,
	// non-splittable bucket.
	for i := 0; i < K; i++ {
		require.Equal(t, Added, tbl.Add(context.Background(), dhttype.Node{ID: idWithTopBit(false, byte(i+1)), Addr: endpoint(byte(i))}))
	}
	require.Equal(t, Added, tbl.Add(context.Background(), dhttype.Node{ID: idWithTopBit(false, 0xEE), Addr: endpoint(99)}))
	require.Greater(t, len(tbl.buckets), 1)

	for i := 0; i < K; i++ {
		n := dhttype.Node{ID: idWithTopBit(true, byte(i+1)), Addr: endpoint(byte(i + 100))}
		require.Equal(t, Added, tbl.Add(context.Background(), n))
	}
	// Age every node past GoodFor so RefreshQualities demotes them to Questionable.
	clock.Run(dhttype.GoodFor + 1)
	tbl.RefreshQualities()

	newcomer := dhttype.Node{ID: idWithTopBit(true, 0xAB), Addr: endpoint(210)}
	res := tbl.Add(context.Background(), newcomer)
	assert.Equal(t, Added, res, "a failed liveness probe against the oldest Questionable node must admit the newcomer")
}

func TestGetAndRemove(t *testing.T) {
	local := dhttype.RandomID()
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: true}, nil)

	n := dhttype.Node{ID: dhttype.RandomID(), Addr: endpoint(1)}
	require.Equal(t, Added, tbl.Add(context.Background(), n))

	got, ok := tbl.Get(n.ID)
	require.True(t, ok)
	assert.Equal(t, n.ID, got.ID)

	assert.True(t, tbl.Remove(n.ID))
	_, ok = tbl.Get(n.ID)
	assert.False(t, ok)
	assert.False(t, tbl.Remove(n.ID), "removing an absent id is a no-op returning false")
}

func TestAddRejectsZeroAndSelf(t *testing.T) {
	local := dhttype.RandomID()
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: true}, nil)

	assert.Equal(t, Rejected, tbl.Add(context.Background(), dhttype.Node{ID: dhttype.Zero}))
	assert.Equal(t, Rejected, tbl.Add(context.Background(), dhttype.Node{ID: local}))
}

func TestFindClosestOrdersByDistance(t *testing.T) {
	local := dhttype.RandomID()
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: true}, nil)

	target := dhttype.ID{}
	var near, mid, far dhttype.ID
	near[0], mid[0], far[0] = 0x01, 0x02, 0x80

	for _, id := range []dhttype.ID{far, mid, near} {
		require.Equal(t, Added, tbl.Add(context.Background(), dhttype.Node{ID: id, Addr: endpoint(id[0])}))
	}

	closest := tbl.FindClosest(target, 16)
	require.Len(t, closest, 3)
	assert.Equal(t, near, closest[0].ID)
	assert.Equal(t, mid, closest[1].ID)
	assert.Equal(t, far, closest[2].ID)
}

func TestFindClosestExcludesBadNodes(t *testing.T) {
	local := dhttype.RandomID()
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: true}, nil)

	var id dhttype.ID
	id[0] = 0x01
	require.Equal(t, Added, tbl.Add(context.Background(), dhttype.Node{ID: id, Addr: endpoint(1)}))
	tbl.MarkFailure(id) // single failure from Good: recomputed, still Good/Questionable, not yet Bad

	_, b := tbl.bucketFor(id)
	idx := b.indexOf(id)
	require.GreaterOrEqual(t, idx, 0)
	b.nodes[idx].Quality = dhttype.Bad

	closest := tbl.FindClosest(dhttype.ID{}, 16)
	assert.Empty(t, closest, "Bad nodes must never be returned by FindClosest")
}

func TestSnapshotReflectsAllNodes(t *testing.T) {
	local := dhttype.RandomID()
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: true}, nil)

	for i := 0; i < 5; i++ {
		require.Equal(t, Added, tbl.Add(context.Background(), dhttype.Node{ID: dhttype.RandomID(), Addr: endpoint(byte(i))}))
	}
	assert.Len(t, tbl.Snapshot(), 5)
}

// TestBucketPartitionInvariant checks the universal invariant that every
// id in the space is accepted by exactly one bucket, even after splits.
func TestBucketPartitionInvariant(t *testing.T) {
	local := idWithTopBit(false, 0x00)
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: true}, nil)

	for i := 0; i < K+4; i++ {
		n := dhttype.Node{ID: idWithTopBit(false, byte(i+1)), Addr: endpoint(byte(i))}
		tbl.Add(context.Background(), n)
	}

	probe := []dhttype.ID{idWithTopBit(false, 0x01), idWithTopBit(true, 0x01), dhttype.RandomID()}
	for _, id := range probe {
		matches := 0
		for _, b := range tbl.buckets {
			if b.accepts(id) {
				matches++
			}
		}
		assert.Equal(t, 1, matches, "id %s must be accepted by exactly one bucket", id)
	}

	for _, b := range tbl.buckets {
		assert.LessOrEqual(t, len(b.nodes), K)
		seen := map[dhttype.ID]bool{}
		for _, n := range b.nodes {
			assert.False(t, seen[n.ID], "duplicate id within a bucket")
			seen[n.ID] = true
		}
	}
}

func TestAuditReportsOKForAHealthyTable(t *testing.T) {
	local := idWithTopBit(false, 0x00)
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: true}, nil)

	for i := 0; i < K+4; i++ {
		n := dhttype.Node{ID: idWithTopBit(false, byte(i+1)), Addr: endpoint(byte(i))}
		tbl.Add(context.Background(), n)
	}

	report := tbl.Audit()
	assert.True(t, report.OK())
	assert.Empty(t, report.OversizedBuckets)
	assert.Empty(t, report.OverlappingPairs)
	assert.Empty(t, report.DuplicateIDs)
	assert.False(t, report.LocalIDInTable)
	assert.Equal(t, len(tbl.Snapshot()), report.Nodes)
}

func TestAuditFlagsOversizedBucketAndLocalIDMembership(t *testing.T) {
	local := idWithTopBit(false, 0x00)
	clock := &mclock.Simulated{}
	tbl := New(local, clock, noopPinger{alive: true}, nil)

	b := tbl.buckets[0]
	for i := 0; i < K+1; i++ {
		b.nodes = append(b.nodes, dhttype.Node{ID: idWithTopBit(false, byte(i+1))})
	}
	b.nodes = append(b.nodes, dhttype.Node{ID: local})

	report := tbl.Audit()
	assert.False(t, report.OK())
	assert.NotEmpty(t, report.OversizedBuckets)
	assert.True(t, report.LocalIDInTable)
}
