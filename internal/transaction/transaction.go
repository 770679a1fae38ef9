// Package transaction implements the Transaction Manager: txid
// allocation, outbound send bookkeeping, timeout/retry, and duplicate
// response suppression. It is grounded on go-ethereum's UDPv4
// discovery transport's pending-reply table
// for the register/match/timeout shape, using futures
// (channels) in place of go-ethereum's callback-based `replyMatcher.callback`.
package transaction

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/dhthunter/crawler/internal/dhterr"
	"github.com/dhthunter/crawler/internal/dhttype"
	"github.com/dhthunter/crawler/internal/krpc"
)

// DefaultTimeout and DefaultRetries are the default per-query timeout
// and retry count.
const (
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 2
)

// PerEndpointOutstandingCap bounds concurrent outstanding transactions
// to a single remote endpoint.
const PerEndpointOutstandingCap = 10

const (
	dedupCacheSize = 1000
	dedupWindow    = time.Minute
)

// Sender is the UDP I/O layer's outbound-send contract. The manager
// never performs the send itself; it only submits bytes and is notified
// of completion by a later on_inbound call.
type Sender interface {
	Send(ctx context.Context, addr dhttype.Endpoint, payload []byte) error
}

// QueryErrorKind enumerates the Transaction Manager's failure taxonomy
//.
type QueryErrorKind int

const (
	ErrTimeout QueryErrorKind = iota
	ErrPeerError
	ErrCanceled
	ErrResourceExhausted
	ErrEncode
	ErrDecode
	ErrNetworkUnreachable
)

func (k QueryErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrPeerError:
		return "peer_error"
	case ErrCanceled:
		return "canceled"
	case ErrResourceExhausted:
		return "resource_exhausted"
	case ErrEncode:
		return "encode"
	case ErrDecode:
		return "decode"
	case ErrNetworkUnreachable:
		return "network_unreachable"
	default:
		return "unknown"
	}
}

// QueryError is the error type resolved on a failed send_query future.
type QueryError struct {
	Kind    QueryErrorKind
	Code    int    // populated only for ErrPeerError
	Message string // populated only for ErrPeerError
	Cause   error
}

func (e *QueryError) Error() string {
	if e.Kind == ErrPeerError {
		return fmt.Sprintf("transaction: peer error %d: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("transaction: %s: %v", e.Kind, e.Cause)
	}
	return "transaction: " + e.Kind.String()
}

func (e *QueryError) Unwrap() error { return e.Cause }

// Result is what a send_query future resolves to.
type Result struct {
	Response *krpc.ResponseBody
	Err      *QueryError
}

type pendingKey struct {
	addr dhttype.Endpoint
	txid string
}

type pendingTx struct {
	key          pendingKey
	payload      []byte
	issuedAt     mclock.AbsTime
	timeout      time.Duration
	retriesLeft  int
	resultCh     chan Result
	endpointSema *semaphore.Weighted
	done         bool
}

// Manager is the Transaction Manager.
type Manager struct {
	mu      sync.Mutex
	clock   mclock.Clock
	sender  Sender
	log     log.Logger
	maxMem  int
	pending map[pendingKey]*pendingTx
	sema    map[dhttype.Endpoint]*semaphore.Weighted

	dedup *lru.Cache[pendingKey, struct{}]

	staleResponses int
	duplicates     int

	closed  bool
	stopCh  chan struct{}
	wakerWG sync.WaitGroup
}

// New constructs a Manager. maxOutstanding is the memory-bounded global
// cap on concurrently pending transactions, computed by the caller.
func New(clock mclock.Clock, sender Sender, maxOutstanding int, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Root()
	}
	return &Manager{
		clock:   clock,
		sender:  sender,
		log:     logger.New("component", "transaction"),
		maxMem:  maxOutstanding,
		pending: make(map[pendingKey]*pendingTx),
		sema:    make(map[dhttype.Endpoint]*semaphore.Weighted),
		dedup:   lru.NewCache[pendingKey, struct{}](dedupCacheSize),
		stopCh:  make(chan struct{}),
	}
}

func (m *Manager) semaphoreFor(addr dhttype.Endpoint) *semaphore.Weighted {
	if s, ok := m.sema[addr]; ok {
		return s
	}
	s := semaphore.NewWeighted(PerEndpointOutstandingCap)
	m.sema[addr] = s
	return s
}

// allocTxID finds an unused 2-byte transaction id for addr. Callers must
// hold m.mu.
func (m *Manager) allocTxID(addr dhttype.Endpoint) (string, error) {
	for attempt := 0; attempt < 1<<16; attempt++ {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("transaction: allocating txid: %w", err)
		}
		txid := string(b[:])
		if _, exists := m.pending[pendingKey{addr: addr, txid: txid}]; !exists {
			return txid, nil
		}
	}
	return "", dhterr.ErrResourceExhausted
}

// SendQuery dispatches a query and returns a future resolved by a later
// on_inbound call, a timeout, or ctx cancellation.
func (m *Manager) SendQuery(ctx context.Context, addr dhttype.Endpoint, msg *krpc.Msg) <-chan Result {
	resultCh := make(chan Result, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		resultCh <- Result{Err: &QueryError{Kind: ErrCanceled}}
		return resultCh
	}
	if len(m.pending) >= m.maxMem {
		m.mu.Unlock()
		resultCh <- Result{Err: &QueryError{Kind: ErrResourceExhausted}}
		return resultCh
	}
	sema := m.semaphoreFor(addr)
	m.mu.Unlock()

	if !sema.TryAcquire(1) {
		resultCh <- Result{Err: &QueryError{Kind: ErrResourceExhausted}}
		return resultCh
	}

	m.mu.Lock()
	txid, err := m.allocTxID(addr)
	if err != nil {
		m.mu.Unlock()
		sema.Release(1)
		resultCh <- Result{Err: &QueryError{Kind: ErrResourceExhausted, Cause: err}}
		return resultCh
	}
	msg.TxID = []byte(txid)
	m.mu.Unlock()

	payload, err := krpc.Encode(msg)
	if err != nil {
		sema.Release(1)
		resultCh <- Result{Err: &QueryError{Kind: ErrEncode, Cause: err}}
		return resultCh
	}

	key := pendingKey{addr: addr, txid: txid}
	tx := &pendingTx{
		key:          key,
		payload:      payload,
		issuedAt:     m.clock.Now(),
		timeout:      DefaultTimeout,
		retriesLeft:  DefaultRetries,
		resultCh:     resultCh,
		endpointSema: sema,
	}

	m.mu.Lock()
	m.pending[key] = tx
	m.mu.Unlock()

	if sendErr := m.sender.Send(ctx, addr, payload); sendErr != nil {
		m.completeLocked(key, Result{Err: &QueryError{Kind: ErrNetworkUnreachable, Cause: sendErr}})
		return resultCh
	}

	m.wakerWG.Add(1)
	go m.waitTimeout(ctx, tx)
	return resultCh
}

func (m *Manager) waitTimeout(ctx context.Context, tx *pendingTx) {
	defer m.wakerWG.Done()
	timer := m.clock.NewTimer(tx.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		m.completeLocked(tx.key, Result{Err: &QueryError{Kind: ErrCanceled, Cause: ctx.Err()}})
	case <-timer.C():
		m.handleTimeout(ctx, tx)
	case <-m.stopCh:
		m.completeLocked(tx.key, Result{Err: &QueryError{Kind: ErrCanceled}})
	}
}

func (m *Manager) handleTimeout(ctx context.Context, tx *pendingTx) {
	m.mu.Lock()
	cur, ok := m.pending[tx.key]
	if !ok || cur.done {
		m.mu.Unlock()
		return
	}
	if cur.retriesLeft <= 0 {
		m.mu.Unlock()
		m.completeLocked(tx.key, Result{Err: &QueryError{Kind: ErrTimeout}})
		return
	}
	cur.retriesLeft--
	cur.issuedAt = m.clock.Now()
	m.mu.Unlock()

	if err := m.sender.Send(ctx, tx.key.addr, tx.payload); err != nil {
		m.completeLocked(tx.key, Result{Err: &QueryError{Kind: ErrNetworkUnreachable, Cause: err}})
		return
	}

	m.wakerWG.Add(1)
	go m.waitTimeout(ctx, tx)
}

// completeLocked resolves and removes a pending transaction exactly once.
func (m *Manager) completeLocked(key pendingKey, res Result) {
	m.mu.Lock()
	tx, ok := m.pending[key]
	if !ok || tx.done {
		m.mu.Unlock()
		return
	}
	tx.done = true
	delete(m.pending, key)
	m.dedup.Add(key, struct{}{})
	m.mu.Unlock()

	tx.endpointSema.Release(1)
	tx.resultCh <- res
	close(tx.resultCh)
}

// OnInbound is called by UDP intake for every datagram decoded as a
// response or error message. Query messages are not
// handled here; the caller routes those to the RPC Dispatcher.
func (m *Manager) OnInbound(msg *krpc.Msg, source dhttype.Endpoint) {
	if msg.Type != krpc.TypeResponse && msg.Type != krpc.TypeError {
		return
	}
	key := pendingKey{addr: source, txid: string(msg.TxID)}

	m.mu.Lock()
	tx, ok := m.pending[key]
	if !ok {
		if _, dup := m.dedup.Get(key); dup {
			m.duplicates++
		} else {
			m.staleResponses++
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if msg.Type == krpc.TypeError {
		m.completeLocked(key, Result{Err: &QueryError{Kind: ErrPeerError, Code: msg.Error.Code, Message: msg.Error.Message}})
		_ = tx
		return
	}
	m.completeLocked(key, Result{Response: msg.Response})
}

// Shutdown cancels every outstanding transaction with ErrCanceled and
// waits for all waker goroutines to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	keys := make([]pendingKey, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	close(m.stopCh)
	for _, k := range keys {
		m.completeLocked(k, Result{Err: &QueryError{Kind: ErrCanceled}})
	}
	m.wakerWG.Wait()
}

// Stats returns the stale-response and duplicate-response counters
//.
func (m *Manager) Stats() (stale, duplicates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staleResponses, m.duplicates
}

// Outstanding returns the current number of pending transactions.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
