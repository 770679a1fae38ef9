// Command dhtcrawlerd runs a standalone Mainline DHT crawler and
// metadata harvester: it answers inbound KRPC queries, walks the
// routing table via iterative lookups, monitors info-hashes it
// observes in the wild, and snapshots its state to disk periodically.
package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/time/rate"

	"github.com/dhthunter/crawler/internal/config"
	"github.com/dhthunter/crawler/internal/control"
	"github.com/dhthunter/crawler/internal/crawler"
	"github.com/dhthunter/crawler/internal/dhttype"
	"github.com/dhthunter/crawler/internal/krpc"
	"github.com/dhthunter/crawler/internal/lookup"
	"github.com/dhthunter/crawler/internal/netio"
	"github.com/dhthunter/crawler/internal/observe"
	"github.com/dhthunter/crawler/internal/peerstore"
	"github.com/dhthunter/crawler/internal/persistence"
	"github.com/dhthunter/crawler/internal/routingtable"
	"github.com/dhthunter/crawler/internal/transaction"
)

const (
	bytesPerOutstandingTransaction = 350
	minOutstanding                 = 1000
	maxOutstanding                 = 1000000
	memoryFraction                 = 0.25

	// defaultRateLimitBytes and defaultBurstBytes match spec's
	// sustained/burst egress rate when network.rate_limit_bytes and
	// network.burst_bytes are absent from config.toml.
	defaultRateLimitBytes = 500 * 1024
	defaultBurstBytes     = 1024 * 1024
)

func main() {
	app := &cli.App{
		Name:  "dhtcrawlerd",
		Usage: "Mainline DHT crawler and metadata harvester daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Aliases: []string{"c"},
				Value:   ".",
				Usage:   "directory holding config.toml and persisted state",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dhtcrawlerd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn("could not set GOMAXPROCS", "err", err)
	}

	logger := log.Root()
	dir := c.String("config-dir")

	provider, err := config.Load(dir + "/config.toml")
	if err != nil {
		return err
	}

	port := provider.GetInt("dht.port", 6881)
	bootstrapCfg := provider.GetString("dht.bootstrap_nodes", "router.bitcomet.com:6881,dht.transmissionbt.com:6881")
	parallelCrawls := provider.GetInt("crawler.parallel_crawls", crawler.DefaultParallelCrawls)
	refreshSeconds := provider.GetInt("crawler.refresh_interval", int(crawler.DefaultRefreshInterval/time.Second))
	maxInfoHashes := provider.GetInt("crawler.max_info_hashes", 10000)
	autoStart := provider.GetBool("crawler.auto_start", true)
	userAgent := provider.GetString("network.user_agent", "dhtcrawlerd/1.0")
	rateLimitBytes := provider.GetInt("network.rate_limit_bytes", defaultRateLimitBytes)
	burstBytes := provider.GetInt("network.burst_bytes", defaultBurstBytes)
	logger.Info("starting", "user_agent", userAgent, "port", port)

	clock := mclock.System{}
	localID := dhttype.RandomID()

	bus := observe.New()

	peers := peerstore.New(clock, logger)
	defer peers.Close()

	outstanding := memoryBoundedOutstanding()
	logger.Info("memory-bounded transaction capacity", "max_outstanding", outstanding)

	conn, err := netio.Listen(fmt.Sprintf(":%d", port), netio.Config{RateLimit: rate.Limit(rateLimitBytes), Burst: burstBytes}, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	txMgr := transaction.New(clock, conn, outstanding, logger)
	tokens := krpc.NewTokenIssuer(nil)
	table := routingtable.New(localID, clock, pingPinger{manager: txMgr, localID: localID}, logger)

	crawlerCfg := crawler.WithDefaults(crawler.Config{
		RefreshInterval:        time.Duration(refreshSeconds) * time.Second,
		ParallelCrawls:         parallelCrawls,
		BootstrapEndpoints:     parseBootstrapNodes(bootstrapCfg, logger),
		MaxMonitoredInfoHashes: maxInfoHashes,
	})

	var cr *crawler.Crawler
	dispatcher := krpc.NewDispatcher(table, peerstore.DispatcherAdapter{Store: peers}, peerstore.DispatcherAdapter{Store: peers}, tokens,
		func(ih dhttype.InfoHash, source dhttype.Endpoint) {
			if cr != nil {
				cr.OnInfoHashObserved(ih, source)
			}
		}, logger)

	adapter := &crawler.TransactionAdapter{Manager: txMgr}
	engine := lookup.New(table, adapter, localID, logger, lookup.WithAlpha(crawlerCfg.ParallelCrawls))
	cr = crawler.New(crawlerCfg, table, peers, engine, adapter, bus, clock, logger)
	adapter.Crawler = cr

	persist, err := persistence.New(dir, table, peers, clock, logger)
	if err != nil {
		return err
	}
	if err := persist.AcquireDirectoryLock(); err != nil {
		return fmt.Errorf("another instance holds %s: %w", dir, err)
	}
	defer persist.ReleaseDirectoryLock()

	if err := persist.Load(); err != nil {
		logger.Warn("state load failed, starting fresh", "err", err)
	}

	go conn.Serve(c.Context, func(in netio.Inbound) {
		msg, err := krpc.Decode(in.Payload)
		if err != nil {
			logger.Debug("dropping malformed datagram", "from", in.From, "err", err)
			return
		}
		switch msg.Type {
		case krpc.TypeQuery:
			reply := dispatcher.Handle(msg, in.From)
			if reply == nil {
				return
			}
			out, err := krpc.Encode(reply)
			if err != nil {
				logger.Warn("encoding reply failed", "err", err)
				return
			}
			if err := conn.Send(c.Context, in.From, out); err != nil {
				logger.Debug("sending reply failed", "to", in.From, "err", err)
			}
		case krpc.TypeResponse, krpc.TypeError:
			txMgr.OnInbound(msg, in.From)
		}
	})

	surface := control.New(cr, persist, logger)

	saveTicker := time.NewTicker(persistence.Interval)
	defer saveTicker.Stop()
	saveDone := make(chan struct{})
	go func() {
		defer close(saveDone)
		for {
			select {
			case <-c.Context.Done():
				return
			case <-saveTicker.C:
				if err := persist.SaveNow(); err != nil {
					logger.Warn("periodic save failed", "err", err)
				}
				stats := surface.Statistics()
				audit := surface.Audit()
				logger.Info("periodic statistics", "routing_table_size", stats.RoutingTableSize,
					"monitored_info_hashes", stats.MonitoredInfoHashes, "lookups_completed", stats.LookupsCompleted,
					"current_alpha", stats.CurrentAlpha, "audit_ok", audit.OK())
				if !audit.OK() {
					logger.Warn("routing table audit found invariant violations",
						"oversized_buckets", audit.OversizedBuckets, "overlapping_pairs", audit.OverlappingPairs,
						"duplicate_ids", len(audit.DuplicateIDs), "local_id_in_table", audit.LocalIDInTable)
				}
			}
		}
	}()

	if autoStart {
		if err := surface.Start(c.Context); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	surface.Stop()
	txMgr.Shutdown()
	<-saveDone
	if err := persist.SaveNow(); err != nil {
		logger.Error("final save failed", "err", err)
	}
	return nil
}

// memoryBoundedOutstanding caps the Transaction Manager's outstanding
// query table to a quarter of available system memory, budgeting
// bytesPerOutstandingTransaction bytes per entry, clamped to
// [minOutstanding, maxOutstanding].
func memoryBoundedOutstanding() int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return minOutstanding
	}
	n := int(float64(vm.Available) * memoryFraction / bytesPerOutstandingTransaction)
	if n < minOutstanding {
		return minOutstanding
	}
	if n > maxOutstanding {
		return maxOutstanding
	}
	return n
}

// parseBootstrapNodes resolves a comma-separated "host:port" list into
// endpoints, skipping and logging any entry that fails to resolve.
func parseBootstrapNodes(csv string, logger log.Logger) []dhttype.Endpoint {
	var out []dhttype.Endpoint
	for _, raw := range strings.Split(csv, ",") {
		host := strings.TrimSpace(raw)
		if host == "" {
			continue
		}
		addrPort, err := resolveHostPort(host)
		if err != nil {
			logger.Warn("skipping unresolvable bootstrap node", "host", host, "err", err)
			continue
		}
		out = append(out, addrPort)
	}
	return out
}

// pingPinger implements routingtable.Pinger by issuing a real ping
// query through the Transaction Manager and waiting for a response.
type pingPinger struct {
	manager *transaction.Manager
	localID dhttype.ID
}

func (p pingPinger) Ping(ctx context.Context, addr dhttype.Endpoint) error {
	msg := &krpc.Msg{
		Type: krpc.TypeQuery,
		Q:    krpc.MethodPing,
		Query: &krpc.QueryBody{
			Method: krpc.MethodPing,
			ID:     p.localID,
		},
	}
	res := <-p.manager.SendQuery(ctx, addr, msg)
	if res.Err != nil {
		return res.Err
	}
	return nil
}

func resolveHostPort(hostPort string) (dhttype.Endpoint, error) {
	if ap, err := netip.ParseAddrPort(hostPort); err == nil {
		return ap, nil
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return dhttype.Endpoint{}, err
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return dhttype.Endpoint{}, err
	}
	addr, err := netip.ParseAddr(ips[0])
	if err != nil {
		return dhttype.Endpoint{}, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return dhttype.Endpoint{}, err
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}
