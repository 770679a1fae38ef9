// Package crawler runs the discovery cycle, info-hash monitoring, and
// bootstrap logic that keep the routing table populated and monitored
// swarms fresh. Grounded on go-ethereum's discovery table refresh loop
// generalized to the dual find_node/get_peers
// lookups and passive info-hash collection this crawler needs.
package crawler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/dhthunter/crawler/internal/dhttype"
	"github.com/dhthunter/crawler/internal/krpc"
	"github.com/dhthunter/crawler/internal/lookup"
	"github.com/dhthunter/crawler/internal/observe"
	"github.com/dhthunter/crawler/internal/peerstore"
	"github.com/dhthunter/crawler/internal/routingtable"
	"github.com/dhthunter/crawler/internal/transaction"
)

// Default tuning values used when a Config field is left unset.
const (
	DefaultRefreshInterval         = 15 * time.Second
	DefaultParallelCrawls          = 10
	DefaultInfoHashMonitorInterval = 5 * time.Minute
	StaleBucketAge                 = 15 * time.Minute
	BackpressureRetryMin           = 1 * time.Second
	BackpressureRetryMax           = 5 * time.Second

	// WakeThreshold is the minimum gap since the last discovery tick
	// that ReprobeOnWake treats as a likely sleep/wake event rather than
	// ordinary scheduling jitter.
	WakeThreshold = 2 * time.Minute
)

// RoutingTable is the subset of routingtable.Table the crawler needs.
type RoutingTable interface {
	lookup.RoutingTable
	Add(ctx context.Context, n dhttype.Node) routingtable.AddResult
	LocalID() dhttype.ID
	StaleBucketPrefix(maxAge time.Duration) (prefix dhttype.ID, prefixLen int, ok bool)
	Snapshot() []dhttype.Node
	RefreshQualities()
	Audit() routingtable.AuditReport
}

// Config configures the crawler's loop cadence and targets.
type Config struct {
	RefreshInterval         time.Duration
	ParallelCrawls          int
	InfoHashMonitorInterval time.Duration
	BootstrapEndpoints      []dhttype.Endpoint
	MaxMonitoredInfoHashes  int
}

// WithDefaults fills unset fields of cfg with their package defaults.
func WithDefaults(cfg Config) Config {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.ParallelCrawls <= 0 {
		cfg.ParallelCrawls = DefaultParallelCrawls
	}
	if cfg.InfoHashMonitorInterval <= 0 {
		cfg.InfoHashMonitorInterval = DefaultInfoHashMonitorInterval
	}
	if cfg.MaxMonitoredInfoHashes <= 0 {
		cfg.MaxMonitoredInfoHashes = 10000
	}
	return cfg
}

// Statistics is a point-in-time snapshot of crawler activity.
type Statistics struct {
	RoutingTableSize   int
	MonitoredInfoHashes int
	LookupsStarted     uint64
	LookupsCompleted   uint64
	BackpressureEvents uint64
	CurrentAlpha        int
}

// Crawler drives the discovery cycle, info-hash monitoring, bootstrap,
// and passive info-hash collection described above.
type Crawler struct {
	cfg     Config
	table   RoutingTable
	peers   *peerstore.Store
	engine  *lookup.Engine
	sender  lookup.QuerySender
	bus     *observe.Bus
	clock   mclock.Clock
	log     log.Logger

	alpha int32 // current lookup fan-out, may be halved under backpressure

	mu        sync.Mutex
	monitored map[dhttype.InfoHash]struct{}
	lastTick  mclock.AbsTime
	ticked    bool // whether lastTick holds a real discovery-cycle timestamp yet

	lookupsStarted     atomic.Uint64
	lookupsCompleted    atomic.Uint64
	backpressureEvents  atomic.Uint64

	stopCh chan struct{}
	doneWG sync.WaitGroup
}

// New constructs a Crawler. sender is used directly only for bootstrap,
// which must reach specific configured endpoints before the routing
// table (and hence the lookup engine's seed) holds anything at all.
func New(cfg Config, table RoutingTable, peers *peerstore.Store, engine *lookup.Engine, sender lookup.QuerySender, bus *observe.Bus, clock mclock.Clock, logger log.Logger) *Crawler {
	if logger == nil {
		logger = log.Root()
	}
	cfg = WithDefaults(cfg)
	return &Crawler{
		cfg:       cfg,
		table:     table,
		peers:     peers,
		engine:    engine,
		sender:    sender,
		bus:       bus,
		clock:     clock,
		log:       logger.New("component", "crawler"),
		alpha:     int32(cfg.ParallelCrawls),
		monitored: make(map[dhttype.InfoHash]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Run bootstraps the routing table if empty, then drives the discovery
// and info-hash monitoring loops until ctx is canceled or Stop is called.
func (c *Crawler) Run(ctx context.Context) error {
	// A previous Stop leaves stopCh closed; give this run a fresh one so
	// the crawler can be run again after being stopped.
	c.mu.Lock()
	select {
	case <-c.stopCh:
		c.stopCh = make(chan struct{})
	default:
	}
	stopCh := c.stopCh
	c.mu.Unlock()

	if len(c.table.Snapshot()) == 0 {
		c.bootstrap(ctx)
	}

	c.doneWG.Add(2)
	go c.discoveryLoop(ctx)
	go c.monitorLoop(ctx)

	select {
	case <-ctx.Done():
	case <-stopCh:
	}
	c.doneWG.Wait()
	return ctx.Err()
}

// Stop requests the crawler's loops to exit. It does not wait for them;
// Run returns once they have exited.
func (c *Crawler) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// bootstrap issues find_node(self) directly to every configured seed
// endpoint (the routing table is still empty, so the lookup engine has
// nothing to seed a shortlist from yet), succeeding once at least one
// responds and feeding every learned node into the routing table.
func (c *Crawler) bootstrap(ctx context.Context) {
	if len(c.cfg.BootstrapEndpoints) == 0 {
		return
	}
	var wg sync.WaitGroup
	var succeeded atomic.Bool
	for _, ep := range c.cfg.BootstrapEndpoints {
		wg.Add(1)
		go func(ep dhttype.Endpoint) {
			defer wg.Done()
			if c.bootstrapOne(ctx, ep) {
				succeeded.Store(true)
			}
		}(ep)
	}
	wg.Wait()
	if !succeeded.Load() {
		c.log.Warn("bootstrap completed without a single response", "endpoints", len(c.cfg.BootstrapEndpoints))
	}
}

func (c *Crawler) bootstrapOne(ctx context.Context, ep dhttype.Endpoint) bool {
	localID := c.table.LocalID()
	msg := &krpc.Msg{
		Type:  krpc.TypeQuery,
		Q:     krpc.MethodFindNode,
		Query: &krpc.QueryBody{Method: krpc.MethodFindNode, ID: localID, Target: localID},
	}
	resCh := c.sender.SendQuery(ctx, ep, msg)
	select {
	case res := <-resCh:
		if res.Err != nil || res.Response == nil {
			return false
		}
		c.table.Add(ctx, dhttype.Node{ID: res.Response.ID, Addr: ep})
		for _, ni := range res.Response.Nodes {
			c.table.Add(ctx, dhttype.Node{ID: ni.ID, Addr: ni.Addr})
		}
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Crawler) discoveryLoop(ctx context.Context) {
	defer c.doneWG.Done()
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runDiscoveryCycle(ctx)
		}
	}
}

// runDiscoveryCycle performs one discovery step (the "Discovery cycle"
// above), retrying with backoff if the transaction layer reports
// resource exhaustion.
func (c *Crawler) runDiscoveryCycle(ctx context.Context) {
	c.mu.Lock()
	c.lastTick = c.clock.Now()
	c.ticked = true
	c.mu.Unlock()

	c.table.RefreshQualities()
	target := c.pickTarget()
	c.lookupsStarted.Add(1)

	prevBackpressure := c.backpressureEvents.Load()
	result := c.engine.LookupWithAlpha(ctx, target, lookup.FindNode, int(atomic.LoadInt32(&c.alpha)))
	c.lookupsCompleted.Add(1)

	c.bus.PublishLookupCompleted(observe.LookupCompleted{Target: target, NodeSeen: result.NodeSeen, Canceled: result.Canceled})

	for _, nr := range result.Nodes {
		c.table.Add(ctx, nr.Node)
	}

	if c.backpressureEvents.Load() > prevBackpressure {
		c.onBackpressure(ctx)
	} else if cur := atomic.LoadInt32(&c.alpha); int(cur) < c.cfg.ParallelCrawls {
		atomic.StoreInt32(&c.alpha, int32(c.cfg.ParallelCrawls))
	}
}

// pickTarget implements the target-selection policy above: half the
// time a uniformly random id, otherwise a random id within the prefix
// of the stalest untouched bucket.
func (c *Crawler) pickTarget() dhttype.ID {
	if rand.Intn(2) == 0 {
		return dhttype.RandomID()
	}
	prefix, prefixLen, ok := c.table.StaleBucketPrefix(StaleBucketAge)
	if !ok {
		return dhttype.RandomID()
	}
	return dhttype.RandomIDWithPrefix(prefix, prefixLen)
}

// onBackpressure halves alpha and sleeps a jittered [1,5]s delay before
// the next discovery tick, per the back-pressure policy above.
func (c *Crawler) onBackpressure(ctx context.Context) {
	for {
		cur := atomic.LoadInt32(&c.alpha)
		next := cur / 2
		if next < 1 {
			next = 1
		}
		if atomic.CompareAndSwapInt32(&c.alpha, cur, next) {
			break
		}
	}
	delay := BackpressureRetryMin + time.Duration(rand.Int63n(int64(BackpressureRetryMax-BackpressureRetryMin)))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// ReprobeOnWake re-derives every routing table node's quality and runs
// an immediate discovery cycle if the gap since the last discovery tick
// exceeds WakeThreshold — a portable proxy for an OS sleep/wake
// notification, since this process has no such callback to hook. A
// gap below WakeThreshold (the common case: ordinary ticker jitter, or
// a crawler that has not bootstrapped yet) is a no-op.
func (c *Crawler) ReprobeOnWake(ctx context.Context) {
	c.mu.Lock()
	last, ticked := c.lastTick, c.ticked
	c.mu.Unlock()
	if !ticked {
		return
	}
	gap := c.clock.Now().Sub(last)
	if gap < WakeThreshold {
		return
	}
	c.log.Info("reprobing routing table after apparent wake from sleep", "gap", gap)
	c.table.RefreshQualities()
	c.runDiscoveryCycle(ctx)
}

// NotifyResourceExhausted is invoked by the transaction adapter whenever
// a query this crawler issued failed with ErrResourceExhausted.
func (c *Crawler) NotifyResourceExhausted() {
	c.backpressureEvents.Add(1)
}

func (c *Crawler) monitorLoop(ctx context.Context) {
	defer c.doneWG.Done()
	ticker := time.NewTicker(c.cfg.InfoHashMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.refreshMonitoredInfoHashes(ctx)
		}
	}
}

func (c *Crawler) refreshMonitoredInfoHashes(ctx context.Context) {
	c.mu.Lock()
	hashes := make([]dhttype.InfoHash, 0, len(c.monitored))
	for h := range c.monitored {
		hashes = append(hashes, h)
	}
	c.mu.Unlock()

	for _, h := range hashes {
		result := c.engine.LookupWithAlpha(ctx, h, lookup.GetPeers, int(atomic.LoadInt32(&c.alpha)))
		for _, p := range result.Peers {
			c.peers.Add(h, p.Addr)
			c.bus.PublishPeerDiscovered(observe.PeerDiscovered{InfoHash: h, Addr: p.Addr})
		}
	}
}

// MonitorInfoHash begins periodic get_peers monitoring of infoHash.
func (c *Crawler) MonitorInfoHash(infoHash dhttype.InfoHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, already := c.monitored[infoHash]; already {
		return true
	}
	if len(c.monitored) >= c.cfg.MaxMonitoredInfoHashes {
		return false
	}
	c.monitored[infoHash] = struct{}{}
	return true
}

// StopMonitoring ends periodic monitoring of infoHash.
func (c *Crawler) StopMonitoring(infoHash dhttype.InfoHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.monitored, infoHash)
}

// OnInfoHashObserved implements krpc.InfoHashObserver: every incoming
// get_peers query surfaces its info_hash as newly discovered.
func (c *Crawler) OnInfoHashObserved(infoHash dhttype.InfoHash, source dhttype.Endpoint) {
	c.bus.PublishInfoHashDiscovered(observe.InfoHashDiscovered{InfoHash: infoHash})
}

// Audit runs the routing table's invariant check and returns its report.
func (c *Crawler) Audit() routingtable.AuditReport {
	return c.table.Audit()
}

// Statistics returns a point-in-time activity snapshot.
func (c *Crawler) Statistics() Statistics {
	c.mu.Lock()
	monitored := len(c.monitored)
	c.mu.Unlock()
	return Statistics{
		RoutingTableSize:    len(c.table.Snapshot()),
		MonitoredInfoHashes: monitored,
		LookupsStarted:      c.lookupsStarted.Load(),
		LookupsCompleted:    c.lookupsCompleted.Load(),
		BackpressureEvents:  c.backpressureEvents.Load(),
		CurrentAlpha:        int(atomic.LoadInt32(&c.alpha)),
	}
}

// TransactionAdapter adapts a *transaction.Manager to lookup.QuerySender,
// converting transaction.Result's typed *QueryError into the plain error
// lookup.Result expects, while reporting resource exhaustion back to a
// Crawler so its back-pressure policy can react.
type TransactionAdapter struct {
	Manager *transaction.Manager
	Crawler *Crawler
}

// SendQuery implements lookup.QuerySender.
func (a TransactionAdapter) SendQuery(ctx context.Context, addr dhttype.Endpoint, msg *krpc.Msg) <-chan lookup.Result {
	out := make(chan lookup.Result, 1)
	txResults := a.Manager.SendQuery(ctx, addr, msg)
	go func() {
		res := <-txResults
		if res.Err != nil {
			if res.Err.Kind == transaction.ErrResourceExhausted && a.Crawler != nil {
				a.Crawler.NotifyResourceExhausted()
			}
			out <- lookup.Result{Err: res.Err}
			return
		}
		out <- lookup.Result{Response: res.Response}
	}()
	return out
}
