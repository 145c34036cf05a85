package zlock

import "time"

// requestState is the LockRequest's explicit tagged state, replacing the
// coroutine-like original per SPEC_FULL.md §9: every event below is a pure
// transition with side effects enumerated alongside it.
type requestState int

const (
	stateInitial requestState = iota
	statePresentWaiting
	stateAbsentWaiting
	stateAbsentHeld
	stateHeld
)

func (s requestState) String() string {
	switch s {
	case stateInitial:
		return "INITIAL"
	case statePresentWaiting:
		return "PRESENT_WAITING"
	case stateAbsentWaiting:
		return "ABSENT_WAITING"
	case stateAbsentHeld:
		return "ABSENT_HELD"
	case stateHeld:
		return "HELD"
	default:
		return "UNKNOWN"
	}
}

// MaxResponseTime is the duration the engine waits for a lock to be granted
// before proactively telling the client to retry (spec.md §5
// MAX_RESPONSE_TIME).
const MaxResponseTime = time.Second

// MaxAbsentTime is how long the engine waits for a client to come back
// after telling it to retry, whether or not the lock has been granted in
// the meantime (spec.md §5 MAX_ABSENT_TIME).
const MaxAbsentTime = time.Second

// replySink is how a LockRequest emits wire replies, without holding a
// direct reference back to the Server (SPEC_FULL.md §9's "non-owning
// handle" rule).
type replySink interface {
	sendReply(routing RoutingID, payload []byte)
}

// requestHost is the subset of *Server a LockRequest needs: scheduling
// tasks, looking up the request for another client id on the same key (to
// deliver triggered acquisitions), and sending replies.
type requestHost interface {
	replySink
	now() time.Time
	tasks() *TaskQueue
	lockFor(key Key) *Lock
	requestFor(key Key, client ClientID) *LockRequest
	forgetRequest(key Key, client ClientID)
	forgetLock(key Key)
}

// LockRequest is the per-(key, client) state machine coordinating the
// acquire/retry/release handshake and its timers.
//
// Grounded on zprocess/locking/server.py's LockRequest class.
type LockRequest struct {
	key      Key
	client   ClientID
	host     requestHost
	routing  RoutingID
	timeout  time.Duration
	readOnly bool
	state    requestState

	adviseRetry *Task
	giveUp      *Task
	leaseTask   *Task
}

func newLockRequest(key Key, client ClientID, host requestHost) *LockRequest {
	return &LockRequest{key: key, client: client, host: host, state: stateInitial}
}

// Acquire handles an inbound acquire command for this request's slot.
func (r *LockRequest) Acquire(routing RoutingID, timeout time.Duration, readOnly bool) {
	switch r.state {
	case stateInitial:
		r.initialAcquire(routing, timeout, readOnly)

	case stateHeld:
		lock := r.host.lockFor(r.key)
		ok, err := lock.Acquire(r.client, readOnly)
		r.host.forgetLock(r.key)
		if err != nil {
			r.host.sendReply(routing, wireError(err))
			return
		}
		if !ok {
			// A HELD client always reenters successfully; Lock.Acquire only
			// returns false for an un-held client.
			invalidState("LockRequest.Acquire/HELD unexpected false", r.state)
		}
		r.host.sendReply(routing, replyOK)
		newDeadline := r.host.now().Add(timeout)
		if r.leaseTask == nil || newDeadline.After(r.leaseTask.due) {
			r.host.tasks().Cancel(r.leaseTask)
			r.scheduleLease(timeout)
		}

	case stateAbsentHeld:
		r.host.sendReply(routing, replyOK)
		r.host.tasks().Cancel(r.leaseTask)
		r.scheduleLease(timeout)
		r.state = stateHeld

	case stateAbsentWaiting:
		r.host.tasks().Cancel(r.giveUp)
		if readOnly != r.readOnly {
			r.giveUpWaiting(false)
			r.initialAcquire(routing, timeout, readOnly)
			return
		}
		r.timeout = timeout
		r.routing = routing
		r.scheduleAdviseRetry()
		r.state = statePresentWaiting

	case statePresentWaiting:
		r.host.sendReply(routing, errConcurrent)

	default:
		invalidState("LockRequest.Acquire", r.state)
	}
}

// Release handles an inbound release command for this request's slot.
//
// A HELD release decrements exactly one reentry level (Lock.Release with
// fully=false): calling release as many times as acquire drains the lock.
// An ABSENT_HELD release is a full release (fully=true); the INITIAL and
// waiting states release nothing.
func (r *LockRequest) Release(routing RoutingID) {
	switch r.state {
	case stateHeld:
		r.host.sendReply(routing, replyOK)
		r.releaseOnce()

	case stateAbsentHeld:
		r.host.sendReply(routing, errNotHeld)
		r.releaseFully()
		r.host.tasks().Cancel(r.leaseTask)

	case statePresentWaiting:
		r.host.sendReply(routing, errConcurrent)

	case stateInitial:
		// This slot was created just for this release; it is not tracked.
		r.host.sendReply(routing, errNotHeld)
		r.host.forgetRequest(r.key, r.client)

	case stateAbsentWaiting:
		r.host.sendReply(routing, errNotHeld)

	default:
		invalidState("LockRequest.Release", r.state)
	}
}

func (r *LockRequest) initialAcquire(routing RoutingID, timeout time.Duration, readOnly bool) {
	r.routing = routing
	r.timeout = timeout
	r.readOnly = readOnly

	lock := r.host.lockFor(r.key)
	ok, err := lock.Acquire(r.client, readOnly)
	r.host.forgetLock(r.key)
	if err != nil {
		// A request entering INITIAL is, by construction, absent from every
		// membership set on its Lock, so neither AlreadyWaiting nor
		// InvalidReentry can fire here; reaching this means the tables have
		// diverged from the Lock's own state.
		invalidState("LockRequest.initialAcquire: "+err.Error(), r.state)
	}
	if ok {
		r.host.sendReply(routing, replyOK)
		r.scheduleLease(timeout)
		r.state = stateHeld
		return
	}
	r.scheduleAdviseRetry()
	r.state = statePresentWaiting
}

// onTriggeredAcquisition fires when another client's release grants this
// client the lock.
func (r *LockRequest) onTriggeredAcquisition() {
	switch r.state {
	case statePresentWaiting:
		r.host.sendReply(r.routing, replyOK)
		r.host.tasks().Cancel(r.adviseRetry)
		r.scheduleLease(r.timeout)
		r.state = stateHeld

	case stateAbsentWaiting:
		r.host.tasks().Cancel(r.giveUp)
		r.scheduleLease(MaxAbsentTime)
		r.state = stateAbsentHeld

	default:
		invalidState("LockRequest.onTriggeredAcquisition", r.state)
	}
}

func (r *LockRequest) scheduleAdviseRetry() {
	r.adviseRetry = r.host.tasks().Add(r.host.now(), MaxResponseTime, r.fireAdviseRetry)
}

func (r *LockRequest) fireAdviseRetry() {
	r.host.sendReply(r.routing, replyRetry)
	r.scheduleGiveUp()
	r.state = stateAbsentWaiting
}

func (r *LockRequest) scheduleGiveUp() {
	r.giveUp = r.host.tasks().Add(r.host.now(), MaxAbsentTime, r.fireGiveUp)
}

func (r *LockRequest) fireGiveUp() {
	r.giveUpWaiting(true)
}

func (r *LockRequest) scheduleLease(timeout time.Duration) {
	r.leaseTask = r.host.tasks().Add(r.host.now(), timeout, r.fireLeaseExpired)
}

func (r *LockRequest) fireLeaseExpired() {
	r.releaseFully()
}

// giveUpWaiting removes this client from whatever waiting set it's in. If
// cleanup is true, the request is also removed from the active-request
// table (used when the give-up timer fires; suppressed when give_up is
// invoked as a prelude to a fresh acquire on the same slot).
func (r *LockRequest) giveUpWaiting(cleanup bool) {
	lock := r.host.lockFor(r.key)
	lock.GiveUp(r.client)
	r.host.forgetLock(r.key)
	if cleanup {
		r.host.forgetRequest(r.key, r.client)
	}
}

// releaseOnce drops a single reentry level for this client. If the client
// still holds a remaining level afterward, the request stays HELD with its
// existing lease untouched; otherwise the lease is cancelled and the request
// forgotten, same as releaseFully.
func (r *LockRequest) releaseOnce() {
	lock := r.host.lockFor(r.key)
	granted, err := lock.Release(r.client, false)
	if err != nil {
		invalidState("LockRequest.releaseOnce: "+err.Error(), r.state)
	}
	stillHeld := lock.Holds(r.client)
	r.host.forgetLock(r.key)
	for _, c := range granted {
		other := r.host.requestFor(r.key, c)
		other.onTriggeredAcquisition()
	}
	if !stillHeld {
		r.host.tasks().Cancel(r.leaseTask)
		r.host.forgetRequest(r.key, r.client)
	}
}

// releaseFully fully releases the lock for this client and propagates any
// triggered acquisitions to the LockRequests of the clients who received
// them, then removes this request from the active-request table.
func (r *LockRequest) releaseFully() {
	lock := r.host.lockFor(r.key)
	granted, err := lock.Release(r.client, true)
	r.host.forgetLock(r.key)
	if err != nil {
		invalidState("LockRequest.releaseFully: "+err.Error(), r.state)
	}
	r.host.forgetRequest(r.key, r.client)
	for _, c := range granted {
		other := r.host.requestFor(r.key, c)
		other.onTriggeredAcquisition()
	}
}
