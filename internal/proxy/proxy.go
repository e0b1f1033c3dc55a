// Package proxy implements the L7 proxy state machine of spec.md 4.4: accept,
// per-client receive buffering, header-driven request framing, backend
// selection, a reused-or-new backend connection pool, pending-connect
// tracking, RTT timing, response forwarding, and cleanup under partial
// failure.
package proxy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msrvcomm-successor/l7lb/internal/frame"
	"github.com/msrvcomm-successor/l7lb/internal/hostio"
	"github.com/msrvcomm-successor/l7lb/internal/observability"
	"github.com/msrvcomm-successor/l7lb/internal/registry"
	"github.com/msrvcomm-successor/l7lb/internal/selector"
)

// Error taxonomy, per spec.md 7.
var (
	ErrFrameTooLarge       = errors.New("proxy: declared payload_size exceeds the cap")
	ErrClientBufferTooBig  = errors.New("proxy: client receive buffer exceeded its cap")
	ErrBackendBufferTooBig = errors.New("proxy: backend receive buffer exceeded its cap")
)

// Resource caps, per spec.md 5 ("an implementation SHOULD bound per-client
// RX buffer and per-backend RX buffer").
const (
	ClientBufferCap  = 1 << 20  // 1 MiB
	BackendBufferCap = 64 << 20 // 64 MiB
)

// socketLifecycle mirrors spec.md 3's backend socket states.
type socketLifecycle int

const (
	connecting socketLifecycle = iota
	connected
	closedOrErrored
)

// backendSocket is the per-backend-connection state of spec.md 3: its
// receive buffer, lifecycle state, and the (seq -> send_time) map used to
// compute RTT, plus the pending-connect record's request bytes while still
// Connecting.
type backendSocket struct {
	address string
	sock    hostio.Socket
	state   socketLifecycle
	rxBuf   []byte

	sendTimes map[uint32]time.Time

	// pendingFrame holds the request this socket owes a send to once
	// connected (the pending-connect record of spec.md 3); nil once sent.
	pendingFrame []byte
	pendingSeq   uint32

	readPaused      bool
	causedClientPause bool
}

// clientConn is the per-client state of spec.md 3: its receive buffer and
// its address -> backendSocket map. Every mutation of a clientConn's own
// state, or of any backendSocket it owns, holds mu — this is the "one
// logical scheduler" boundary of spec.md 5, realized as a per-client lock
// rather than a single listener-wide one since client goroutines are
// otherwise independent.
type clientConn struct {
	mu sync.Mutex

	address    string
	sock       hostio.Socket
	rxBuf      []byte
	backends   map[string]*backendSocket
	closed     bool
	// pausedByBackends counts backend hops currently back-pressuring this
	// client's read side; client reads resume only once every hop that
	// paused them has drained. Coarser than spec.md 4.4's literal
	// per-hop disable (which would let unaffected hops keep forwarding),
	// but preserves the core safety property that no frame is forwarded
	// to a backend that can't yet accept it.
	pausedByBackends int
	pendingOut       []byte // bytes a short write to the client still owes
}

// Proxy is one listener: accept loop, backend registry, selector, and the
// set of currently-connected clients.
type Proxy struct {
	io       hostio.HostIO
	reg      *registry.Registry
	sel      selector.Selector
	log      *zap.Logger
	metrics  *observability.Metrics
	port     int
	listener hostio.Listener

	clientsMu sync.Mutex
	clients   map[*clientConn]struct{}
}

// New returns a Proxy bound to port, forwarding through sel and tracking
// active-request counts in reg. reg and sel must already be connected (reg.Watch(sel))
// by the caller's lifecycle glue.
func New(io hostio.HostIO, reg *registry.Registry, sel selector.Selector, metrics *observability.Metrics, port int, log *zap.Logger) *Proxy {
	return &Proxy{
		io:      io,
		reg:     reg,
		sel:     sel,
		log:     log,
		metrics: metrics,
		port:    port,
		clients: make(map[*clientConn]struct{}),
	}
}

// Start begins accepting client connections.
func (p *Proxy) Start() error {
	ln, err := p.io.Listen(p.port, p.handleAccept)
	if err != nil {
		return fmt.Errorf("proxy: start listening: %w", err)
	}
	p.listener = ln
	p.log.Info("proxy: listening", zap.Int("port", p.port))
	return nil
}

// Stop closes the listener and every currently-connected client, which
// cascades into cleaning up their backend sockets per spec.md 4.4's
// close-handling path.
func (p *Proxy) Stop() error {
	var err error
	if p.listener != nil {
		err = p.listener.Close()
	}
	p.clientsMu.Lock()
	clients := make([]*clientConn, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.clientsMu.Unlock()

	for _, c := range clients {
		p.cleanupClient(c)
	}
	return err
}

// handleAccept implements spec.md 4.4's Accept step.
func (p *Proxy) handleAccept(sock hostio.Socket, peerAddr string) {
	cc := &clientConn{
		address:  peerAddr,
		sock:     sock,
		backends: make(map[string]*backendSocket),
	}
	p.clientsMu.Lock()
	p.clients[cc] = struct{}{}
	p.clientsMu.Unlock()

	sock.SetCallbacks(hostio.Callbacks{
		OnRecv:     func(data []byte) { p.handleClientRecv(cc, data) },
		OnWritable: func(avail int) { p.handleClientWritable(cc, avail) },
		OnClose:    func() { p.handleClientCloseOrError(cc, nil) },
		OnError:    func(err error) { p.handleClientCloseOrError(cc, err) },
	})

	p.log.Debug("proxy: accepted client", zap.String("client_addr", peerAddr))
	if p.metrics != nil {
		p.metrics.ClientsConnected.Inc()
	}
}

// handleClientRecv implements spec.md 4.4's Client read step: append to the
// client's RX buffer, then repeatedly extract and forward complete frames.
func (p *Proxy) handleClientRecv(cc *clientConn, data []byte) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.closed {
		return
	}

	cc.rxBuf = append(cc.rxBuf, data...)
	if len(cc.rxBuf) > ClientBufferCap {
		p.log.Warn("proxy: client buffer exceeded cap, dropping connection",
			zap.String("client_addr", cc.address))
		p.cleanupClientLocked(cc)
		return
	}
	if cc.pausedByBackends > 0 {
		// Back-pressure from a backend send is in effect: bytes are still
		// buffered (and bounded by the cap above) but not parsed into
		// frames until handleBackendWritable resumes this side.
		return
	}

	for {
		fr, _, rest, ok, err := frame.TryExtract(cc.rxBuf)
		if err != nil {
			p.log.Warn("proxy: dropping client connection on frame error",
				zap.String("client_addr", cc.address), zap.Error(err))
			p.cleanupClientLocked(cc)
			return
		}
		if !ok {
			return
		}
		cc.rxBuf = rest
		p.attemptForward(cc, fr)
		if cc.pausedByBackends > 0 {
			// The send just made was short; leave the remaining frames
			// buffered until handleBackendWritable resumes this side.
			return
		}
	}
}

// attemptForward implements spec.md 4.4's Attempt forward step. cc.mu is
// held by the caller.
func (p *Proxy) attemptForward(cc *clientConn, frameBytes []byte) {
	h, err := frame.Parse(frameBytes)
	if err != nil {
		p.log.Warn("proxy: unparseable frame past TryExtract, dropping", zap.Error(err))
		return
	}

	addr, ok := p.sel.Choose(h.L7ID)
	if !ok {
		p.log.Debug("proxy: no backend available, dropping request",
			zap.Uint64("l7_id", h.L7ID))
		if p.metrics != nil {
			p.metrics.RequestsDropped.Inc()
		}
		return
	}

	if bs, exists := cc.backends[addr]; exists {
		if bs.state != closedOrErrored {
			p.reg.NotifySent(addr)
			p.sel.NotifySent(addr)
			if bs.state == connected {
				bs.sendTimes[h.Seq] = p.io.Now()
				p.sendToBackend(cc, bs, frameBytes)
			} else {
				// Still connecting: queue behind the one pending send. The
				// proxy state machine only ever has one frame in flight per
				// backend socket while Connecting (spec.md 3's pending-
				// connect record), so a second arrival here means the
				// client pipelined faster than the connect completed;
				// append it to the socket's own backlog instead of
				// dropping it.
				bs.sendTimes[h.Seq] = p.io.Now()
				bs.pendingFrame = append(bs.pendingFrame, frameBytes...)
			}
			if p.metrics != nil {
				p.metrics.RequestsForwarded.Inc()
			}
			return
		}
		p.cleanupBackendSocketLocked(cc, bs, true)
	}

	p.reg.NotifySent(addr)
	p.sel.NotifySent(addr)

	bs := &backendSocket{
		address:      addr,
		state:        connecting,
		sendTimes:    make(map[uint32]time.Time),
		pendingFrame: append([]byte(nil), frameBytes...),
		pendingSeq:   h.Seq,
	}
	cc.backends[addr] = bs

	// Connect's callbacks re-take cc.mu themselves (handleBackendConnectSuccess
	// and handleBackendConnectFail are also reached directly from a
	// NetHostIO dial goroutine, which never holds it); a HostIO
	// implementation that calls back synchronously, like the fake used in
	// this package's own tests, would otherwise deadlock re-entering the
	// same non-reentrant mutex on this very goroutine.
	cc.mu.Unlock()
	p.io.Connect(addr, hostio.Callbacks{
		OnConnectSuccess: func(sock hostio.Socket) { p.handleBackendConnectSuccess(cc, bs, sock) },
		OnConnectFail:    func(err error) { p.handleBackendConnectFail(cc, bs, err) },
	})
	cc.mu.Lock()

	if p.metrics != nil {
		p.metrics.RequestsForwarded.Inc()
	}
}

// handleBackendConnectSuccess implements spec.md 4.4's Backend connect
// success step.
func (p *Proxy) handleBackendConnectSuccess(cc *clientConn, bs *backendSocket, sock hostio.Socket) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if bs.state == closedOrErrored {
		// Cleaned up while the dial was still outstanding (client closed, or
		// this socket got superseded by a stale-entry replacement in
		// attemptForward); cleanup already balanced the pending-connect
		// record's notify_sent, so only the now-useless socket needs closing.
		sock.Close()
		return
	}

	bs.sock = sock
	bs.state = connected
	sock.SetCallbacks(hostio.Callbacks{
		OnRecv:     func(data []byte) { p.handleBackendRecv(cc, bs, data) },
		OnWritable: func(avail int) { p.handleBackendWritable(cc, bs, avail) },
		OnClose:    func() { p.handleBackendCloseOrError(cc, bs, nil) },
		OnError:    func(err error) { p.handleBackendCloseOrError(cc, bs, err) },
	})

	toSend := bs.pendingFrame
	bs.pendingFrame = nil
	if len(toSend) >= frame.HeaderSize {
		bs.sendTimes[bs.pendingSeq] = p.io.Now()
	}
	p.sendToBackend(cc, bs, toSend)
}

// handleBackendConnectFail implements spec.md 4.4's Backend connect failure step.
func (p *Proxy) handleBackendConnectFail(cc *clientConn, bs *backendSocket, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	p.log.Warn("proxy: backend connect failed", zap.String("backend_addr", bs.address), zap.Error(err))
	if p.metrics != nil {
		p.metrics.BackendConnectFailures.Inc()
	}
	// Drains the pending-connect record and any frames queued behind it
	// while still Connecting, matching one notify_finished per outstanding
	// notify_sent (invariant I4).
	p.cleanupBackendSocketLocked(cc, bs, true)
}

// handleBackendRecv implements spec.md 4.4's Backend read step.
func (p *Proxy) handleBackendRecv(cc *clientConn, bs *backendSocket, data []byte) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if bs.state == closedOrErrored {
		return
	}

	bs.rxBuf = append(bs.rxBuf, data...)
	if len(bs.rxBuf) > BackendBufferCap {
		p.log.Warn("proxy: backend buffer exceeded cap, dropping connection",
			zap.String("backend_addr", bs.address))
		p.cleanupBackendSocketLocked(cc, bs, false)
		return
	}
	if bs.readPaused {
		return
	}

	for {
		fr, h, rest, ok, err := frame.TryExtract(bs.rxBuf)
		if err != nil {
			p.log.Warn("proxy: dropping backend connection on frame error",
				zap.String("backend_addr", bs.address), zap.Error(err))
			p.cleanupBackendSocketLocked(cc, bs, false)
			return
		}
		if !ok {
			return
		}
		bs.rxBuf = rest

		if sendTime, ok := bs.sendTimes[h.Seq]; ok {
			rtt := p.io.Now().Sub(sendTime)
			delete(bs.sendTimes, h.Seq)
			p.sel.RecordLatency(bs.address, rtt)
		}
		p.sel.NotifyFinished(bs.address)
		p.reg.NotifyFinished(bs.address)

		if !cc.closed {
			p.sendToClient(cc, fr)
		}
	}
}

// sendToBackend implements the back-pressure half of spec.md 4.4: a short
// write pauses reads on the client (the opposite side of this hop).
func (p *Proxy) sendToBackend(cc *clientConn, bs *backendSocket, data []byte) {
	if len(data) == 0 || bs.sock == nil {
		return
	}
	n := bs.sock.Send(data)
	if n < len(data) {
		if !bs.causedClientPause {
			bs.causedClientPause = true
			cc.pausedByBackends++
		}
		bs.pendingFrame = append(bs.pendingFrame, data[n:]...)
	}
}

// sendToClient is sendToBackend's mirror: a short write pauses reads on
// every backend socket of this client, not only the one that produced this
// response.
func (p *Proxy) sendToClient(cc *clientConn, data []byte) {
	n := cc.sock.Send(data)
	if n < len(data) {
		for _, bs := range cc.backends {
			bs.readPaused = true
		}
		cc.pendingOut = append(cc.pendingOut, data[n:]...)
	}
}

// handleClientWritable re-enables the paired backend reads once the client
// socket drains, per spec.md 4.4's back-pressure release.
func (p *Proxy) handleClientWritable(cc *clientConn, avail int) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if len(cc.pendingOut) > 0 {
		n := cc.sock.Send(cc.pendingOut)
		cc.pendingOut = cc.pendingOut[n:]
	}
	if len(cc.pendingOut) == 0 {
		for _, bs := range cc.backends {
			bs.readPaused = false
		}
	}
}

// handleBackendWritable re-enables client reads once a backend socket
// drains, and immediately parses any frames buffered while paused.
func (p *Proxy) handleBackendWritable(cc *clientConn, bs *backendSocket, avail int) {
	cc.mu.Lock()
	if len(bs.pendingFrame) > 0 && bs.state == connected {
		n := bs.sock.Send(bs.pendingFrame)
		bs.pendingFrame = bs.pendingFrame[n:]
	}
	resume := false
	if len(bs.pendingFrame) == 0 && bs.causedClientPause {
		bs.causedClientPause = false
		cc.pausedByBackends--
		resume = cc.pausedByBackends == 0
	}
	cc.mu.Unlock()

	if resume {
		p.handleClientRecv(cc, nil)
	}
}

// handleClientCloseOrError implements spec.md 4.4's Client close/error path:
// every outstanding request across every backend socket is notified
// finished exactly once, then every backend socket is cleaned up, then the
// client itself is erased.
func (p *Proxy) handleClientCloseOrError(cc *clientConn, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if err != nil {
		p.log.Debug("proxy: client connection error", zap.String("client_addr", cc.address), zap.Error(err))
	}
	p.cleanupClientLocked(cc)
}

func (p *Proxy) cleanupClient(cc *clientConn) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	p.cleanupClientLocked(cc)
}

func (p *Proxy) cleanupClientLocked(cc *clientConn) {
	if cc.closed {
		return
	}
	cc.closed = true

	for _, bs := range cc.backends {
		p.cleanupBackendSocketLocked(cc, bs, false)
	}
	cc.sock.Close()

	p.clientsMu.Lock()
	delete(p.clients, cc)
	p.clientsMu.Unlock()

	if p.metrics != nil {
		p.metrics.ClientsConnected.Dec()
	}
}

// handleBackendCloseOrError implements spec.md 4.4's Backend close/error
// path.
func (p *Proxy) handleBackendCloseOrError(cc *clientConn, bs *backendSocket, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if err != nil {
		p.log.Debug("proxy: backend connection error", zap.String("backend_addr", bs.address), zap.Error(err))
	}
	p.cleanupBackendSocketLocked(cc, bs, false)
}

// cleanupBackendSocketLocked implements CleanupBackendSocket from the
// original source: every outstanding (socket, seq) entry, and any pending-
// connect record, triggers exactly one notify_finished; the socket is
// removed from the client's map; mapEraseOnly skips closing the transport
// (used when attemptForward found a stale map entry it needs to replace).
func (p *Proxy) cleanupBackendSocketLocked(cc *clientConn, bs *backendSocket, mapEraseOnly bool) {
	if bs.state == closedOrErrored {
		delete(cc.backends, bs.address)
		return
	}

	for seq := range bs.sendTimes {
		delete(bs.sendTimes, seq)
		p.sel.NotifyFinished(bs.address)
		p.reg.NotifyFinished(bs.address)
	}
	if bs.state == connecting && bs.pendingFrame != nil {
		p.sel.NotifyFinished(bs.address)
		p.reg.NotifyFinished(bs.address)
	}

	if bs.causedClientPause {
		bs.causedClientPause = false
		cc.pausedByBackends--
	}

	bs.state = closedOrErrored
	delete(cc.backends, bs.address)

	if !mapEraseOnly && bs.sock != nil {
		bs.sock.Close()
	}
}
