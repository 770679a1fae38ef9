// Package netio is the UDP I/O layer: socket multiplexing, egress rate
// limiting, a bounded outbound queue with backpressure, per-endpoint
// connection throttling, and pooled read buffers. Grounded on
// go-ethereum's UDPv4 discovery transport
// for the read-loop/write-loop
// split around a single *net.UDPConn.
package netio

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/dhthunter/crawler/internal/dhterr"
	"github.com/dhthunter/crawler/internal/dhttype"
)

// MaxDatagramSize is the largest UDP payload this layer will read or
// accept for send; KRPC messages are always far smaller in practice.
const MaxDatagramSize = 1500

// OutboundQueueCapacity bounds the outbound send queue; once full,
// Send returns dhterr.ErrBackpressure instead of blocking.
const OutboundQueueCapacity = 4096

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, MaxDatagramSize)
		return &b
	},
}

// Inbound is a single received datagram handed to the caller's handler.
// Payload is only valid for the duration of the handler call; callers
// that need to retain it must copy.
type Inbound struct {
	Payload []byte
	From    dhttype.Endpoint
}

// Handler processes one inbound datagram.
type Handler func(Inbound)

type outboundItem struct {
	addr    dhttype.Endpoint
	payload []byte
}

// Conn multiplexes a single UDP socket: a read loop dispatching to a
// Handler, and a write loop draining a bounded, rate-limited outbound
// queue.
type Conn struct {
	pc        net.PacketConn
	limiter   *rate.Limiter
	throttler *Throttler
	log       log.Logger

	outbound chan outboundItem
	handler  Handler

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// Config bounds the byte-rate token bucket applied to outbound sends;
// WriteLoop consumes len(payload) tokens per send, so RateLimit and
// Burst are bytes/sec and bytes, not message counts.
type Config struct {
	RateLimit rate.Limit // sustained bytes/sec
	Burst     int        // burst bytes; must be >= the largest single payload
}

// Listen opens a UDP socket bound to addr (":0" for any free port).
func Listen(addr string, cfg Config, logger log.Logger) (*Conn, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, dhterr.Wrap(dhterr.CategoryTransport, "opening UDP socket", err)
	}
	if logger == nil {
		logger = log.Root()
	}
	c := &Conn{
		pc:        pc,
		limiter:   rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		throttler: NewThrottler(DefaultThrottlerConfig),
		log:       logger.New("component", "netio"),
		outbound:  make(chan outboundItem, OutboundQueueCapacity),
		stopCh:    make(chan struct{}),
	}
	return c, nil
}

// Serve starts the read and write loops; it blocks until ctx is
// canceled or Close is called. handler is invoked from the read loop
// goroutine for every datagram received from a UDP address (netio
// itself does no KRPC decoding — that is the RPC Dispatcher's job).
func (c *Conn) Serve(ctx context.Context, handler Handler) {
	c.handler = handler
	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.writeLoop(ctx)
	c.wg.Wait()
}

// Close shuts down the socket and both loops.
func (c *Conn) Close() error {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	return c.pc.Close()
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		bufPtr := bufferPool.Get().(*[]byte)
		buf := *bufPtr
		n, addr, err := c.pc.ReadFrom(buf)
		if err != nil {
			bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			default:
			}
			c.log.Debug("udp read error", "err", err)
			continue
		}

		ep, ok := toAddrPort(addr)
		if !ok {
			bufferPool.Put(bufPtr)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		bufferPool.Put(bufPtr)

		if c.handler != nil {
			c.handler(Inbound{Payload: payload, From: ep})
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case item := <-c.outbound:
			if err := c.limiter.WaitN(ctx, len(item.payload)); err != nil {
				return
			}
			udpAddr := net.UDPAddrFromAddrPort(item.addr)
			if _, err := c.pc.WriteTo(item.payload, udpAddr); err != nil {
				c.log.Debug("udp write error", "addr", item.addr, "err", err)
			}
		}
	}
}

// Send enqueues payload for delivery to addr. It returns
// dhterr.ErrBackpressure immediately if the outbound queue is full, and
// dhterr.ErrResourceExhausted if addr is currently throttled
//, never blocking the caller.
func (c *Conn) Send(ctx context.Context, addr dhttype.Endpoint, payload []byte) error {
	if !c.throttler.Allow(addr) {
		return dhterr.ErrResourceExhausted
	}
	select {
	case c.outbound <- outboundItem{addr: addr, payload: payload}:
		c.throttler.Track(addr)
		return nil
	default:
		return dhterr.ErrBackpressure
	}
}

// LocalAddr returns the bound local endpoint.
func (c *Conn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

func toAddrPort(addr net.Addr) (dhttype.Endpoint, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return dhttype.Endpoint{}, false
	}
	ip, ok2 := netip.AddrFromSlice(udpAddr.IP)
	if !ok2 {
		return dhttype.Endpoint{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(udpAddr.Port)), true
}
