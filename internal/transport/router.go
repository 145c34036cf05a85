package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/joeycumines/zlock/internal/zlock"
)

// outboundBufferSize bounds how many replies may be queued for a single
// peer before it is considered unreachable (SPEC_FULL.md §6.2's
// timeout-less-backpressure resolution, see DESIGN.md).
const outboundBufferSize = 64

// peerConn is the per-connection state: a reader goroutine decoding frames
// onto the shared inbound channel, and a writer goroutine draining this
// peer's own outbound channel, so one slow client can never block another's
// replies or the engine's loop.
type peerConn struct {
	id  zlock.RoutingID
	nc  net.Conn
	out chan []byte

	closeOnce sync.Once
}

func (c *peerConn) close() {
	c.closeOnce.Do(func() { _ = c.nc.Close() })
}

// TCPRouter is a TCP-based zlock.Router: each accepted connection is one
// peer, identified by a freshly minted RoutingID, per SPEC_FULL.md §6.2.
type TCPRouter struct {
	ln     net.Listener
	frames chan zlock.Frame

	mu    sync.Mutex
	conns map[zlock.RoutingID]*peerConn

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup // acceptLoop + every readLoop; frames closes once this drains
}

// Listen binds network/address and returns a running TCPRouter.
func Listen(network, address string) (*TCPRouter, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return NewTCPRouter(ln), nil
}

// NewTCPRouter wraps an already-bound listener.
func NewTCPRouter(ln net.Listener) *TCPRouter {
	t := &TCPRouter{
		ln:      ln,
		frames:  make(chan zlock.Frame, outboundBufferSize),
		conns:   make(map[zlock.RoutingID]*peerConn),
		closing: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	go func() {
		t.wg.Wait()
		close(t.frames)
	}()
	return t
}

// Addr returns the listener's bound address, useful when Listen was given
// port 0 (bind to a random free port).
func (t *TCPRouter) Addr() net.Addr { return t.ln.Addr() }

func (t *TCPRouter) Frames() <-chan zlock.Frame { return t.frames }

// Send queues payload for delivery to routing. An error means the peer is no
// longer reachable (unknown routing id, or its outbound buffer is full and
// has been dropped); the engine does not retry.
func (t *TCPRouter) Send(routing zlock.RoutingID, payload []byte) error {
	// Held across the channel send so it can never race forget's
	// delete-then-close of the same channel.
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[routing]
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", routing)
	}

	select {
	case c.out <- payload:
		return nil
	default:
		c.close()
		return fmt.Errorf("transport: peer %s outbound buffer full, dropped", routing)
	}
}

// Close shuts down the listener and every open connection. Frames() closes
// once every in-flight reader has unwound.
func (t *TCPRouter) Close() error {
	t.closeOnce.Do(func() {
		close(t.closing)
		_ = t.ln.Close()
		t.mu.Lock()
		for _, c := range t.conns {
			c.close()
		}
		t.mu.Unlock()
	})
	return nil
}

func (t *TCPRouter) acceptLoop() {
	defer t.wg.Done()
	for {
		nc, err := t.ln.Accept()
		if err != nil {
			return
		}
		id := zlock.RoutingID(uuid.New().String())
		c := &peerConn{id: id, nc: nc, out: make(chan []byte, outboundBufferSize)}

		t.mu.Lock()
		t.conns[id] = c
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readLoop(c)
		go t.writeLoop(c)
	}
}

func (t *TCPRouter) readLoop(c *peerConn) {
	defer t.wg.Done()
	defer t.forget(c)
	defer c.close()

	r := bufio.NewReader(c.nc)
	for {
		parts, err := readMessage(r)
		if err != nil {
			return
		}
		if len(parts) == 0 {
			continue // silently drop, per SPEC_FULL.md §6.1
		}
		select {
		case t.frames <- zlock.Frame{Routing: c.id, Parts: parts}:
		case <-t.closing:
			return
		}
	}
}

func (t *TCPRouter) writeLoop(c *peerConn) {
	defer c.close()
	w := bufio.NewWriter(c.nc)
	for payload := range c.out {
		if err := writeMessage(w, payload); err != nil {
			return
		}
	}
}

func (t *TCPRouter) forget(c *peerConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c.id)
	close(c.out)
}
