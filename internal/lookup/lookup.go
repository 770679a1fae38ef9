// Package lookup implements the iterative Kademlia lookup: a
// shortlist/queried/pending state machine that dispatches find_node/
// get_peers queries alpha at a time via the Transaction Manager.
// Grounded on go-ethereum's discovery lookup for the
// shortlist-by-distance/closest-tracking shape, generalized from
// find_node-only to a FindNode/GetPeers dual mode.
package lookup

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"

	"github.com/dhthunter/crawler/internal/dhttype"
	"github.com/dhthunter/crawler/internal/krpc"
)

// Mode selects which KRPC method a lookup dispatches.
type Mode int

const (
	FindNode Mode = iota
	GetPeers
)

// Alpha is the default lookup concurrency.
const Alpha = 3

// Deadline is the default per-lookup wall-clock bound.
const Deadline = 30 * time.Second

// K is the routing table's bucket width, used as the initial shortlist
// size; declared here so this package does not import
// internal/routingtable, with the same value as routingtable.K.
const K = 16

// RoutingTable is the subset of routingtable.Table the lookup engine needs.
type RoutingTable interface {
	FindClosest(target dhttype.ID, k int) []dhttype.Node
}

// Result mirrors transaction.Result's shape so the lookup engine does
// not need to import internal/transaction directly; callers adapt
// transaction.Manager.SendQuery to this signature.
type Result struct {
	Response *krpc.ResponseBody
	Err      error
}

// QuerySender is the subset of transaction.Manager the lookup engine needs.
type QuerySender interface {
	SendQuery(ctx context.Context, addr dhttype.Endpoint, msg *krpc.Msg) <-chan Result
}

// NodeObserver is invoked for every node the lookup learns of, whether
// from a responding sender or from nodes embedded in a response, so the
// caller can feed them through routing-table admission.
type NodeObserver func(dhttype.Node)

// PeerResult is one discovered peer endpoint, deduplicated by address
//.
type PeerResult struct {
	Addr dhttype.Endpoint
}

// NodeResult is one converged-upon node plus the token it offered, if any
//.
type NodeResult struct {
	Node  dhttype.Node
	Token string
}

// LookupResult is what a completed lookup returns; Nodes is guaranteed non-decreasing distance order from Target.
type LookupResult struct {
	Target   dhttype.ID
	Nodes    []NodeResult
	Peers    []PeerResult
	NodeSeen int
	Canceled bool
}

// Engine runs iterative lookups against a routing table and transaction
// manager.
type Engine struct {
	table    RoutingTable
	sender   QuerySender
	localID  dhttype.ID
	onNode   NodeObserver
	log      log.Logger
	group    singleflight.Group
	alpha    int
	deadline time.Duration
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithAlpha overrides the lookup concurrency.
func WithAlpha(alpha int) Option { return func(e *Engine) { e.alpha = alpha } }

// WithDeadline overrides the per-lookup wall-clock bound.
func WithDeadline(d time.Duration) Option { return func(e *Engine) { e.deadline = d } }

// WithNodeObserver registers a callback invoked for every node learned
// of during a lookup.
func WithNodeObserver(f NodeObserver) Option { return func(e *Engine) { e.onNode = f } }

// New constructs an Engine.
func New(table RoutingTable, sender QuerySender, localID dhttype.ID, logger log.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = log.Root()
	}
	e := &Engine{
		table:    table,
		sender:   sender,
		localID:  localID,
		log:      logger.New("component", "lookup"),
		alpha:    Alpha,
		deadline: Deadline,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// dedupKey identifies an in-flight lookup for optional singleflight
// sharing between concurrent callers requesting the same target/mode.
func dedupKey(target dhttype.ID, mode Mode) string {
	if mode == GetPeers {
		return "gp:" + target.String()
	}
	return "fn:" + target.String()
}

// Lookup runs one iterative lookup to convergence, timeout, or
// cancellation, dispatching at the engine's default alpha. Concurrent
// calls for the same (target, mode) share their in-flight network
// round-trips via singleflight but each caller still receives an
// independent LookupResult value.
func (e *Engine) Lookup(ctx context.Context, target dhttype.ID, mode Mode) LookupResult {
	return e.LookupWithAlpha(ctx, target, mode, e.alpha)
}

// LookupWithAlpha is Lookup with the caller's own dispatch concurrency
// instead of the engine's default, so a caller enforcing its own
// back-pressure policy (e.g. the crawler halving its fan-out after a
// resource-exhaustion signal) can make that policy actually throttle
// network dispatch rather than only a reported statistic. alpha <= 0
// falls back to the engine default. If a dedup-sharing call is already
// in flight for the same (target, mode), its alpha applies instead.
func (e *Engine) LookupWithAlpha(ctx context.Context, target dhttype.ID, mode Mode, alpha int) LookupResult {
	if alpha <= 0 {
		alpha = e.alpha
	}
	v, _, _ := e.group.Do(dedupKey(target, mode), func() (any, error) {
		return e.runLookup(ctx, target, mode, alpha), nil
	})
	return v.(LookupResult)
}

func (e *Engine) runLookup(ctx context.Context, target dhttype.ID, mode Mode, alpha int) LookupResult {
	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	st := newState(target, e.table.FindClosest(target, K))

	type outcome struct {
		cand *trackedNode
		res  Result
	}
	results := make(chan outcome, alpha)

	var mu sync.Mutex
	var wg sync.WaitGroup
	outstanding := 0

	dispatch := func(tn *trackedNode) {
		outstanding++
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.send(ctx, target, mode, tn.node)
			select {
			case results <- outcome{cand: tn, res: res}:
			case <-ctx.Done():
			}
		}()
	}

loop:
	for {
		mu.Lock()
		batch := st.selectForDispatch(alpha - outstanding)
		for _, tn := range batch {
			dispatch(tn)
		}
		done := len(batch) == 0 && outstanding == 0
		mu.Unlock()
		if done {
			break
		}

		select {
		case <-ctx.Done():
			break loop
		case o := <-results:
			mu.Lock()
			outstanding--
			st.applyResult(target, o.cand, o.res, mode, e.onNode)
			mu.Unlock()
		}
	}

	canceled := ctx.Err() != nil
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return st.assemble(target, mode, canceled)
}

func (e *Engine) send(ctx context.Context, target dhttype.ID, mode Mode, to dhttype.Node) Result {
	method := krpc.MethodFindNode
	if mode == GetPeers {
		method = krpc.MethodGetPeers
	}
	q := &krpc.QueryBody{Method: method, ID: e.localID}
	if mode == GetPeers {
		q.InfoHash = target
	} else {
		q.Target = target
	}
	msg := &krpc.Msg{Type: krpc.TypeQuery, Q: method, Query: q}

	resCh := e.sender.SendQuery(ctx, to.Addr, msg)
	select {
	case res := <-resCh:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}
