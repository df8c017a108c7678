// Package transport implements the UDP multiplexer shared by every DHT node
// bound to the same local endpoint: one socket, one read loop fanning out to
// registered receivers, and one write loop enforcing an outbound byte-rate
// ceiling so a busy node never saturates the link out from under its peers.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"swarmcache/arena"
	"swarmcache/logger"
)

// MaxUDPPacketSize bounds the receive buffer; KRPC datagrams are small but a
// misbehaving peer can pad one, and the arena blocks are sized to match.
const MaxUDPPacketSize = 65536

// DefaultMaxRateBytesPerSec is the default outbound ceiling, 500 kbit/s.
const DefaultMaxRateBytesPerSec = (500 * 1000) / 8

// Packet is a received datagram together with its sender. B is only valid
// until the receiver returns it is done with; ownership is not transferred.
type Packet struct {
	B     []byte
	Raddr net.UDPAddr
}

// Receiver is called once per inbound datagram, from the multiplexer's own
// receive goroutine. It must not block.
type Receiver func(Packet)

type sendRequest struct {
	msg  []byte
	to   net.UDPAddr
	done chan error
}

// Multiplexer owns a single UDP socket and arbitrates access to it: inbound
// datagrams are fanned out to every registered Receiver, outbound datagrams
// are serialized through a bounded-rate send queue. Safe for concurrent use
// by any number of DHT nodes sharing one local endpoint.
type Multiplexer struct {
	conn   *net.UDPConn
	arena  arena.Arena
	log    logger.DebugLogger
	limit  *rate.Limiter
	sendCh chan sendRequest
	stop   chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	receivers []Receiver

	TotalSent      int64
	TotalReadBytes int64
}

// Options configures a Multiplexer. A zero Options uses defaults.
type Options struct {
	MaxRateBytesPerSec float64
	Logger             logger.DebugLogger
}

// New binds a UDP socket at addr (e.g. "0.0.0.0:6881", or ":0" for an
// ephemeral port) and starts its send/receive loops.
func New(network, addr string, opts Options) (*Multiplexer, error) {
	udpAddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP(network, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return newMultiplexer(conn, opts), nil
}

func newMultiplexer(conn *net.UDPConn, opts Options) *Multiplexer {
	maxRate := opts.MaxRateBytesPerSec
	if maxRate <= 0 {
		maxRate = DefaultMaxRateBytesPerSec
	}
	log := opts.Logger
	if log == nil {
		log = &logger.NullLogger{}
	}
	m := &Multiplexer{
		conn:   conn,
		arena:  arena.NewArena(MaxUDPPacketSize, 64),
		log:    log,
		limit:  rate.NewLimiter(rate.Limit(maxRate), int(maxRate)),
		sendCh: make(chan sendRequest, 256),
		stop:   make(chan struct{}),
	}
	m.wg.Add(2)
	go m.sendLoop()
	go m.recvLoop()
	return m
}

// LocalAddr returns the bound local endpoint.
func (m *Multiplexer) LocalAddr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// AddReceiver registers a handler invoked for every inbound datagram. There
// is no corresponding remove; receivers are expected to live as long as the
// multiplexer.
func (m *Multiplexer) AddReceiver(r Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivers = append(m.receivers, r)
}

// Send enqueues message for delivery to addr and blocks until the send loop
// has written the datagram to the socket, which includes any wait imposed
// by the rate limiter, or until the multiplexer is closed first.
func (m *Multiplexer) Send(message []byte, to net.UDPAddr) error {
	req := sendRequest{msg: message, to: to, done: make(chan error, 1)}
	select {
	case m.sendCh <- req:
	case <-m.stop:
		return fmt.Errorf("transport: multiplexer closed")
	}
	select {
	case err := <-req.done:
		return err
	case <-m.stop:
		return fmt.Errorf("transport: multiplexer closed")
	}
}

// SendAsync enqueues message without waiting for it to be written; send
// errors are only logged. Used for best-effort traffic such as error
// replies.
func (m *Multiplexer) SendAsync(message []byte, to net.UDPAddr) {
	req := sendRequest{msg: message, to: to, done: make(chan error, 1)}
	select {
	case m.sendCh <- req:
	case <-m.stop:
	}
}

// Close stops the send/receive loops and closes the underlying socket.
func (m *Multiplexer) Close() error {
	select {
	case <-m.stop:
		return nil
	default:
		close(m.stop)
	}
	err := m.conn.Close()
	m.wg.Wait()
	return err
}

func (m *Multiplexer) sendLoop() {
	defer m.wg.Done()
	for {
		select {
		case req := <-m.sendCh:
			m.doSend(req)
		case <-m.stop:
			m.drainSends()
			return
		}
	}
}

func (m *Multiplexer) drainSends() {
	for {
		select {
		case req := <-m.sendCh:
			req.done <- fmt.Errorf("transport: multiplexer closed")
		default:
			return
		}
	}
}

// doSend waits for the rate limiter's token bucket before writing, so the
// outbound byte rate stays under the configured ceiling.
func (m *Multiplexer) doSend(req sendRequest) {
	if err := m.limit.WaitN(waitContext(m.stop), len(req.msg)); err != nil {
		req.done <- err
		return
	}
	n, err := m.conn.WriteToUDP(req.msg, &req.to)
	if err == nil {
		m.TotalSent += int64(n)
	} else {
		m.log.Debugf("transport: send to %s failed: %s\n", req.to, err)
	}
	req.done <- err
}

func (m *Multiplexer) recvLoop() {
	defer m.wg.Done()
	for {
		b := m.arena.Pop()
		n, addr, err := m.conn.ReadFromUDP(b)
		if err != nil {
			m.arena.Push(b)
			select {
			case <-m.stop:
				return
			default:
				m.log.Debugf("transport: read error: %s\n", err)
				continue
			}
		}
		if n == MaxUDPPacketSize {
			m.log.Debugf("transport: packet from %s at max size %d, may be truncated\n", addr, MaxUDPPacketSize)
		}
		m.TotalReadBytes += int64(n)
		pkt := Packet{B: b[:n], Raddr: *addr}
		m.dispatch(pkt)
		m.arena.Push(b)
	}
}

func (m *Multiplexer) dispatch(pkt Packet) {
	m.mu.RLock()
	receivers := m.receivers
	m.mu.RUnlock()
	for _, r := range receivers {
		r(pkt)
	}
}

// waitContext adapts a stop channel into a context so rate.Limiter.WaitN can
// be interrupted by Close without a separate context plumbed through Send.
func waitContext(stop chan struct{}) waitCtx {
	return waitCtx{stop: stop}
}

type waitCtx struct{ stop chan struct{} }

func (waitCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (c waitCtx) Done() <-chan struct{}     { return c.stop }
func (c waitCtx) Err() error {
	select {
	case <-c.stop:
		return fmt.Errorf("transport: closed")
	default:
		return nil
	}
}
func (waitCtx) Value(key interface{}) interface{} { return nil }
