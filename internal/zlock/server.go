package zlock

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// requestKey identifies one active-request table slot.
type requestKey struct {
	key    Key
	client ClientID
}

// Server is the single-threaded event loop: it owns the Router, the
// active-lock table, the active-request table, and the TaskQueue, and is
// the only thing that mutates any of them.
//
// Grounded on eventloop.Loop's run-loop shape and zprocess's
// ZMQLockServer.run: wait for the soonest due Task or a frame, whichever
// comes first, then dispatch and repeat.
type Server struct {
	router Router
	log    *Logger
	clock  func() time.Time

	locks    *LockTable
	requests map[requestKey]*LockRequest
	q        *TaskQueue

	// acceptStop is the in-process flag set by RequestStop: until it is
	// true, an inbound "stop" command is treated as unknown. Remote peers
	// can never set this themselves (SPEC_FULL.md §9). An atomic.Bool
	// because RequestStop/Shutdown may be called from a goroutine other
	// than the one running Run, unlike every other Server field.
	acceptStop atomic.Bool

	// halt is set once a "stop" command has actually been honored; Run
	// returns at the end of the iteration that set it.
	halt bool

	// stopRequested lets an embedder break the loop from another goroutine
	// without going through the wire protocol (Shutdown's counterpart to
	// RequestStop's wire-visible "stop" command).
	stopRequested chan struct{}
	// done closes when Run returns, so Shutdown can join it.
	done chan struct{}
}

// NewServer builds a Server around router. If log is nil, a discarding
// logger is used.
func NewServer(router Router, log *Logger) *Server {
	if log == nil {
		log = discardLogger()
	}
	return &Server{
		router:        router,
		log:           log,
		clock:         time.Now,
		locks:         NewLockTable(),
		requests:      make(map[requestKey]*LockRequest),
		q:             NewTaskQueue(),
		stopRequested: make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// requestHost implementation, consumed by LockRequest.

func (s *Server) now() time.Time    { return s.clock() }
func (s *Server) tasks() *TaskQueue { return s.q }

func (s *Server) sendReply(routing RoutingID, payload []byte) {
	if err := s.router.Send(routing, payload); err != nil {
		s.log.Warning().Str("routing", string(routing)).Err(err).Log("send failed, dropping peer")
	}
}

func (s *Server) lockFor(key Key) *Lock { return s.locks.Get(key) }

func (s *Server) forgetLock(key Key) { s.locks.Forget(key) }

func (s *Server) requestFor(key Key, client ClientID) *LockRequest {
	rk := requestKey{key, client}
	if r, ok := s.requests[rk]; ok {
		return r
	}
	r := newLockRequest(key, client, s)
	s.requests[rk] = r
	return r
}

func (s *Server) forgetRequest(key Key, client ClientID) {
	delete(s.requests, requestKey{key, client})
}

// Run drives the event loop until a wire `stop` is honored, Shutdown is
// called, or the router closes. It is the only goroutine that may call any
// other Server method or touch a Lock/LockRequest, except RequestStop and
// Shutdown, which are safe from any goroutine. Run closes s.done before
// returning, so Shutdown can join it.
func (s *Server) Run() {
	defer close(s.done)
	for {
		var timer *time.Timer
		if d, ok := s.q.NextDueIn(s.now()); ok {
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
		}

		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}

		select {
		case frame, open := <-s.router.Frames():
			if timer != nil {
				timer.Stop()
			}
			if !open {
				return
			}
			s.dispatch(frame)

		case <-timerC:
			if t := s.q.PopDue(s.now()); t != nil {
				t.Run()
			}

		case <-s.stopRequested:
			if timer != nil {
				timer.Stop()
			}
			s.halt = true
		}

		if s.halt {
			return
		}
	}
}

// dispatch routes one inbound Frame to its command handler.
func (s *Server) dispatch(f Frame) {
	if len(f.Parts) == 0 {
		return
	}
	cmd := string(f.Parts[0])
	args := f.Parts[1:]

	switch cmd {
	case "hello":
		s.sendReply(f.Routing, replyHello)

	case "acquire":
		s.cmdAcquire(f.Routing, args)

	case "release":
		s.cmdRelease(f.Routing, args)

	case "stop":
		if s.acceptStop.Load() {
			s.sendReply(f.Routing, replyOK)
			s.halt = true
		} else {
			s.sendReply(f.Routing, errInvalidCommand)
		}

	default:
		s.sendReply(f.Routing, errInvalidCommand)
	}
}

func (s *Server) cmdAcquire(routing RoutingID, args [][]byte) {
	if len(args) < 3 || len(args) > 4 {
		s.sendReply(routing, errWrongNumArgs)
		return
	}
	key, client, timeoutArg := args[0], args[1], args[2]

	seconds, ok := parseTimeout(timeoutArg)
	if !ok {
		s.sendReply(routing, errTimeoutInvalid)
		return
	}

	readOnly := false
	if len(args) == 4 {
		if !bytesEqual(args[3], readOnlyArg) {
			s.sendReply(routing, errReadOnlyWrong)
			return
		}
		readOnly = true
	}

	req := s.requestFor(Key(key), ClientID(client))
	req.Acquire(routing, durationFromSeconds(seconds), readOnly)
}

func (s *Server) cmdRelease(routing RoutingID, args [][]byte) {
	if len(args) != 2 {
		s.sendReply(routing, errWrongNumArgs)
		return
	}
	key, client := args[0], args[1]
	req := s.requestFor(Key(key), ClientID(client))
	req.Release(routing)
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// RequestStop arms the in-process flag that allows a subsequent wire `stop`
// command to be honored. Per SPEC_FULL.md §9, remote clients can never set
// this themselves — only in-process code can, by calling RequestStop or
// Server.Shutdown.
func (s *Server) RequestStop() {
	s.acceptStop.Store(true)
}

// Serve runs the event loop until ctx is cancelled, Shutdown is called, or
// the router closes, whichever happens first. It is the ctx-aware
// counterpart of Run, grounded on zprocess's run_in_thread/stop handshake
// (SPEC_FULL.md's SUPPLEMENTED FEATURES).
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Shutdown(context.Background())
		case <-s.done:
		}
	}()
	s.Run()
	return ctx.Err()
}

// Shutdown arms acceptStop and unblocks the loop directly, without going
// through the wire protocol — the Go rendition of ZMQLockServer.stop's
// connect-to-self-and-send-a-framed-stop trick, done here with a channel
// send instead of a loopback socket dial, since Run already selects on one.
// It blocks until Run has returned or ctx expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.RequestStop()
	select {
	case s.stopRequested <- struct{}{}:
	default:
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound address of the underlying Router, if it exposes
// one (internal/transport.TCPRouter does). Returns nil otherwise.
func (s *Server) Addr() net.Addr {
	if a, ok := s.router.(interface{ Addr() net.Addr }); ok {
		return a.Addr()
	}
	return nil
}

// ActiveLockCount and ActiveRequestCount are exposed for tests asserting
// invariant 3/4 of SPEC_FULL.md §8: both tables shrink back to zero once
// every client has released or timed out.
func (s *Server) ActiveLockCount() int    { return s.locks.Len() }
func (s *Server) ActiveRequestCount() int { return len(s.requests) }

func (s *Server) String() string {
	return fmt.Sprintf("zlock.Server{locks=%d requests=%d}", s.locks.Len(), len(s.requests))
}
