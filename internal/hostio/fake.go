package hostio

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FakeHostIO is a deterministic, single-goroutine HostIO used by the proxy
// package's own tests. Unlike NetHostIO it delivers every callback
// synchronously from whichever Simulate* method the test calls, which is
// the most literal Go rendition of spec.md 5's single-threaded cooperative
// scheduling model and the direct analogue of the original ns-3
// simulation's controllable discrete-event clock.
type FakeHostIO struct {
	clock clockwork.FakeClock

	mu         sync.Mutex
	listeners  map[int]AcceptCallback
	dialFailAs map[string]error
	dialed     map[string][]*FakeSocket
}

// NewFakeHostIO returns a FakeHostIO driven by clock.
func NewFakeHostIO(clock clockwork.FakeClock) *FakeHostIO {
	return &FakeHostIO{
		clock:      clock,
		listeners:  make(map[int]AcceptCallback),
		dialFailAs: make(map[string]error),
		dialed:     make(map[string][]*FakeSocket),
	}
}

// LastDialed returns the most recent socket successfully produced by
// Connect(addr, ...), letting a test drive the far end of a connection the
// proxy itself only ever sees through callbacks.
func (h *FakeHostIO) LastDialed(addr string) *FakeSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	socks := h.dialed[addr]
	if len(socks) == 0 {
		return nil
	}
	return socks[len(socks)-1]
}

// Now returns the fake clock's current time.
func (h *FakeHostIO) Now() time.Time { return h.clock.Now() }

// Listen records onAccept for port; tests drive accepts via SimulateAccept.
func (h *FakeHostIO) Listen(port int, onAccept AcceptCallback) (Listener, error) {
	h.mu.Lock()
	h.listeners[port] = onAccept
	h.mu.Unlock()
	return fakeListener{}, nil
}

type fakeListener struct{}

func (fakeListener) Close() error { return nil }

// SimulateAccept invokes the registered onAccept for port as if peerAddr had
// just connected, and returns the new socket so the test can drive it.
func (h *FakeHostIO) SimulateAccept(port int, peerAddr string) *FakeSocket {
	h.mu.Lock()
	onAccept := h.listeners[port]
	h.mu.Unlock()

	sock := newFakeSocket(peerAddr)
	if onAccept != nil {
		onAccept(sock, peerAddr)
	}
	return sock
}

// SetDialFailure makes the next Connect to addr fail with err instead of
// succeeding, modeling Backend connect failure (spec.md 4.4).
func (h *FakeHostIO) SetDialFailure(addr string, err error) {
	h.mu.Lock()
	h.dialFailAs[addr] = err
	h.mu.Unlock()
}

// Connect synchronously succeeds (invoking cb.OnConnectSuccess with a fresh
// FakeSocket) unless addr was armed via SetDialFailure.
func (h *FakeHostIO) Connect(addr string, cb Callbacks) {
	h.mu.Lock()
	err, fail := h.dialFailAs[addr]
	if fail {
		delete(h.dialFailAs, addr)
	}
	h.mu.Unlock()

	if fail {
		if cb.OnConnectFail != nil {
			cb.OnConnectFail(err)
		}
		return
	}

	sock := newFakeSocket(addr)
	sock.SetCallbacks(cb)

	h.mu.Lock()
	h.dialed[addr] = append(h.dialed[addr], sock)
	h.mu.Unlock()

	if cb.OnConnectSuccess != nil {
		cb.OnConnectSuccess(sock)
	}
}

// FakeSocket is an in-memory Socket. All Simulate* methods invoke the
// registered callback synchronously on the calling goroutine.
type FakeSocket struct {
	addr string

	mu       sync.Mutex
	cb       Callbacks
	capacity int // 0 means unlimited
	queued   int
	sent     [][]byte
	closed   bool
}

func newFakeSocket(addr string) *FakeSocket {
	return &FakeSocket{addr: addr}
}

func (s *FakeSocket) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *FakeSocket) RemoteAddr() string { return s.addr }

// SetCapacity bounds how many bytes Send accepts before reporting a short
// write, for tests exercising spec.md 4.4's back-pressure path.
func (s *FakeSocket) SetCapacity(n int) {
	s.mu.Lock()
	s.capacity = n
	s.mu.Unlock()
}

func (s *FakeSocket) Send(data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	n := len(data)
	if s.capacity > 0 {
		avail := s.capacity - s.queued
		if avail <= 0 {
			return 0
		}
		if n > avail {
			n = avail
		}
	}
	s.queued += n
	chunk := make([]byte, n)
	copy(chunk, data[:n])
	s.sent = append(s.sent, chunk)
	return n
}

func (s *FakeSocket) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Sent returns every chunk accepted by Send so far, in order.
func (s *FakeSocket) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Drain clears the accepted-byte counter, freeing capacity and mimicking the
// far end having read the queued data, then fires OnWritable.
func (s *FakeSocket) Drain() {
	s.mu.Lock()
	s.queued = 0
	cb := s.cb
	capacity := s.capacity
	s.mu.Unlock()
	if cb.OnWritable != nil {
		avail := capacity
		if capacity == 0 {
			avail = 1 << 30
		}
		cb.OnWritable(avail)
	}
}

// SimulateRecv delivers data to OnRecv as if it had just arrived on the wire.
func (s *FakeSocket) SimulateRecv(data []byte) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb.OnRecv != nil {
		cb.OnRecv(data)
	}
}

// SimulateClose delivers a graceful peer-close.
func (s *FakeSocket) SimulateClose() {
	s.mu.Lock()
	s.closed = true
	cb := s.cb
	s.mu.Unlock()
	if cb.OnClose != nil {
		cb.OnClose()
	}
}

// SimulateError delivers a socket error.
func (s *FakeSocket) SimulateError(err error) {
	s.mu.Lock()
	s.closed = true
	cb := s.cb
	s.mu.Unlock()
	if cb.OnError != nil {
		cb.OnError(err)
	}
}
