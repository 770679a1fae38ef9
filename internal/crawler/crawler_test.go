package crawler

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dhthunter/crawler/internal/dhttype"
	"github.com/dhthunter/crawler/internal/krpc"
	"github.com/dhthunter/crawler/internal/lookup"
	"github.com/dhthunter/crawler/internal/observe"
	"github.com/dhthunter/crawler/internal/peerstore"
	"github.com/dhthunter/crawler/internal/routingtable"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePinger struct{}

func (fakePinger) Ping(ctx context.Context, addr dhttype.Endpoint) error { return nil }

type fakeSender struct {
	mu      sync.Mutex
	handler func(addr dhttype.Endpoint, msg *krpc.Msg) lookup.Result
}

func (f *fakeSender) SendQuery(ctx context.Context, addr dhttype.Endpoint, msg *krpc.Msg) <-chan lookup.Result {
	ch := make(chan lookup.Result, 1)
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	go func() { ch <- h(addr, msg) }()
	return ch
}

func endpoint(port uint16) dhttype.Endpoint {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func newHarness(t *testing.T, respond func(addr dhttype.Endpoint, msg *krpc.Msg) lookup.Result) (*Crawler, *routingtable.Table) {
	clock := new(mclock.Simulated)
	localID := dhttype.RandomID()
	table := routingtable.New(localID, clock, fakePinger{}, nil)
	peers := peerstore.New(clock, nil)
	t.Cleanup(peers.Close)

	sender := &fakeSender{handler: respond}
	engine := lookup.New(table, sender, localID, nil)
	bus := observe.New()

	c := New(Config{
		RefreshInterval:         time.Hour,
		InfoHashMonitorInterval: time.Hour,
		BootstrapEndpoints:      []dhttype.Endpoint{endpoint(1)},
	}, table, peers, engine, sender, bus, clock, nil)
	return c, table
}

func TestBootstrapPopulatesRoutingTableFromFirstResponder(t *testing.T) {
	discovered := dhttype.Node{ID: dhttype.RandomID(), Addr: endpoint(2)}
	c, table := newHarness(t, func(addr dhttype.Endpoint, msg *krpc.Msg) lookup.Result {
		return lookup.Result{Response: &krpc.ResponseBody{
			ID: dhttype.RandomID(), HasNodes: true,
			Nodes: []krpc.NodeInfo{{ID: discovered.ID, Addr: discovered.Addr}},
		}}
	})

	c.bootstrap(context.Background())

	_, ok := table.Get(discovered.ID)
	assert.True(t, ok, "bootstrap must admit nodes learned from the seed responder's find_node reply")
}

func TestMonitorInfoHashRespectsCapacity(t *testing.T) {
	c, _ := newHarness(t, func(addr dhttype.Endpoint, msg *krpc.Msg) lookup.Result {
		return lookup.Result{Response: &krpc.ResponseBody{ID: dhttype.RandomID()}}
	})
	c.cfg.MaxMonitoredInfoHashes = 1

	var a, b dhttype.InfoHash
	a[0] = 1
	b[0] = 2

	require.True(t, c.MonitorInfoHash(a))
	assert.False(t, c.MonitorInfoHash(b), "monitoring beyond the configured cap must be rejected")
	assert.True(t, c.MonitorInfoHash(a), "re-monitoring an already-monitored hash is a no-op success")

	c.StopMonitoring(a)
	assert.True(t, c.MonitorInfoHash(b), "monitoring slot freed by StopMonitoring must become available")
}

func TestRefreshMonitoredInfoHashesCollectsPeers(t *testing.T) {
	peerAddr := endpoint(42)
	c, _ := newHarness(t, func(addr dhttype.Endpoint, msg *krpc.Msg) lookup.Result {
		return lookup.Result{Response: &krpc.ResponseBody{
			ID: dhttype.RandomID(), HasValues: true, Values: []dhttype.Endpoint{peerAddr},
		}}
	})

	var ih dhttype.InfoHash
	ih[0] = 9
	c.MonitorInfoHash(ih)
	c.refreshMonitoredInfoHashes(context.Background())

	got := c.peers.Get(ih, 10)
	require.Len(t, got, 1)
	assert.Equal(t, peerAddr, got[0].Addr)
}

func TestOnBackpressureHalvesAlpha(t *testing.T) {
	c, _ := newHarness(t, func(addr dhttype.Endpoint, msg *krpc.Msg) lookup.Result {
		return lookup.Result{Response: &krpc.ResponseBody{ID: dhttype.RandomID()}}
	})
	c.cfg.ParallelCrawls = 10
	c.alpha = 10

	done := make(chan struct{})
	go func() {
		c.onBackpressure(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(BackpressureRetryMax + time.Second):
		t.Fatal("onBackpressure did not return within the max jitter window")
	}
	assert.Equal(t, int32(5), c.alpha)
}

func TestReprobeOnWakeIsNoOpBeforeFirstTickOrShortGap(t *testing.T) {
	c, _ := newHarness(t, func(addr dhttype.Endpoint, msg *krpc.Msg) lookup.Result {
		return lookup.Result{Response: &krpc.ResponseBody{ID: dhttype.RandomID()}}
	})
	c.clock.(*mclock.Simulated).Run(WakeThreshold * 2)
	c.ReprobeOnWake(context.Background())
	assert.Equal(t, uint64(0), c.lookupsStarted.Load(), "no prior tick recorded, ReprobeOnWake must not run a cycle")

	c.runDiscoveryCycle(context.Background())
	c.clock.(*mclock.Simulated).Run(WakeThreshold / 2)
	c.ReprobeOnWake(context.Background())
	assert.Equal(t, uint64(1), c.lookupsStarted.Load(), "a gap under WakeThreshold must not trigger a reprobe")
}

func TestReprobeOnWakeRunsACycleAfterALongGap(t *testing.T) {
	c, _ := newHarness(t, func(addr dhttype.Endpoint, msg *krpc.Msg) lookup.Result {
		return lookup.Result{Response: &krpc.ResponseBody{ID: dhttype.RandomID()}}
	})
	c.runDiscoveryCycle(context.Background())
	require.Equal(t, uint64(1), c.lookupsStarted.Load())

	c.clock.(*mclock.Simulated).Run(WakeThreshold * 2)

	c.ReprobeOnWake(context.Background())
	assert.Equal(t, uint64(2), c.lookupsStarted.Load(), "a gap past WakeThreshold must run an immediate discovery cycle")
}

func TestStatisticsReflectsMonitoredCount(t *testing.T) {
	c, _ := newHarness(t, func(addr dhttype.Endpoint, msg *krpc.Msg) lookup.Result {
		return lookup.Result{Response: &krpc.ResponseBody{ID: dhttype.RandomID()}}
	})
	var ih dhttype.InfoHash
	ih[0] = 3
	c.MonitorInfoHash(ih)

	stats := c.Statistics()
	assert.Equal(t, 1, stats.MonitoredInfoHashes)
	assert.Equal(t, DefaultParallelCrawls, stats.CurrentAlpha)
}
