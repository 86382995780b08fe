package manifold

import (
	"pkt.systems/manifold/api"
)

// schedState is the work-processing scheduler's wake-coalescing state
// machine. Modelling "scheduled" and "in progress" as one enum instead of
// two booleans makes the no-dropped-wakeup invariant checkable: every
// transition that adds work while a run executes lands in
// schedRunningAndRequested, which forces a re-run before the scheduler can
// go idle.
type schedState int

const (
	schedIdle schedState = iota
	schedRequested
	schedRunning
	schedRunningAndRequested
)

func (s schedState) String() string {
	switch s {
	case schedIdle:
		return "idle"
	case schedRequested:
		return "requested"
	case schedRunning:
		return "running"
	case schedRunningAndRequested:
		return "running+requested"
	}
	return "unknown"
}

// slotUpdateKind classifies staged cross-thread slot events.
type slotUpdateKind int

const (
	// slotNew introduces a freshly allocated slot from a new vip.
	slotNew slotUpdateKind = iota + 1
	// slotAcquired delivers the outcome of an async connection acquisition
	// for a slot with an assigned request.
	slotAcquired
	// slotFinished reports the terminal outcome of the request issued on
	// the slot.
	slotFinished
)

// slotUpdate is one staged cross-thread slot event. Only the scheduler
// dereferences the slot.
type slotUpdate struct {
	kind slotUpdateKind
	slot *connSlot
	conn api.Connection
	err  error
}

// metaRequestWork stages a meta-request membership change.
type metaRequestWork struct {
	metaRequest api.MetaRequest
	remove      bool
}

// requestRunLocked records that a scheduler run is wanted. It reports
// whether the caller must wake the scheduler goroutine after releasing the
// lock. Caller holds mu.
func (c *Client) requestRunLocked() bool {
	switch c.shared.sched {
	case schedIdle:
		c.shared.sched = schedRequested
		return true
	case schedRunning:
		c.shared.sched = schedRunningAndRequested
	}
	return false
}

func (c *Client) wakeScheduler(wake bool) {
	if !wake {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// schedulerLoop is the dedicated single-threaded execution context. Nothing
// else ever touches clientThreadedState.
func (c *Client) schedulerLoop() {
	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if c.shared.sched != schedRequested {
				c.mu.Unlock()
				break
			}
			c.shared.sched = schedRunning
			c.mu.Unlock()

			c.runOnce()

			again := false
			c.mu.Lock()
			switch c.shared.sched {
			case schedRunningAndRequested:
				// Work arrived mid-run; re-enter instead of idling so no
				// wake-up is ever dropped.
				c.shared.sched = schedRequested
				again = true
			case schedRunning:
				c.shared.sched = schedIdle
			default:
				c.mu.Unlock()
				panic(&LifecycleError{Op: "scheduler", Detail: "unexpected state " + c.shared.sched.String() + " at run exit"})
			}
			c.mu.Unlock()
			if !again {
				break
			}
		}
	}
}

// runOnce is one work-processing run: drain shared staging queues into
// thread-confined state, apply staged events, then reconcile pending
// requests with idle slots until no more progress is possible.
func (c *Client) runOnce() {
	var (
		updates []slotUpdate
		work    []metaRequestWork
		active  bool
		invalid bool
	)
	c.withShared(func(s *clientSharedState) {
		updates = s.pendingSlotUpdates
		s.pendingSlotUpdates = nil
		work = s.pendingMetaRequestWork
		s.pendingMetaRequestWork = nil
		active = s.phase == phaseActive
		invalid = s.invalidEndpoint
	})

	t := &c.threaded
	for _, w := range work {
		c.applyMetaRequestWork(w)
	}
	for _, u := range updates {
		c.applySlotUpdate(u, active)
	}
	c.sweepIdleSlots(active)

	switch {
	case !active:
		// Shutdown releases meta-request memberships; in-flight requests
		// keep draining through slotFinished updates.
		if len(t.metaRequests) > 0 {
			c.logger.Debug("manifold.sched.releasing_meta_requests", "count", len(t.metaRequests))
			t.metaRequests = nil
			t.cursor = 0
		}
	case invalid:
		c.failPendingWork()
	default:
		c.reconcile()
	}

	c.metrics.recordRun()
	c.withShared(func(s *clientSharedState) {
		s.statIdleSlots = len(t.idleSlots)
		s.statRequestsInFlight = t.requestsInFlight
		s.statMetaRequests = len(t.metaRequests)
	})
}

func (c *Client) applyMetaRequestWork(w metaRequestWork) {
	t := &c.threaded
	if w.remove {
		for i, have := range t.metaRequests {
			if have != w.metaRequest {
				continue
			}
			t.metaRequests = append(t.metaRequests[:i], t.metaRequests[i+1:]...)
			if i < t.cursor {
				t.cursor--
			}
			if len(t.metaRequests) == 0 {
				t.cursor = 0
			} else {
				t.cursor %= len(t.metaRequests)
			}
			return
		}
		return
	}
	for _, have := range t.metaRequests {
		if have == w.metaRequest {
			return
		}
	}
	t.metaRequests = append(t.metaRequests, w.metaRequest)
}

func (c *Client) applySlotUpdate(u slotUpdate, active bool) {
	t := &c.threaded
	slot := u.slot
	switch u.kind {
	case slotNew:
		c.idleOrRetire(slot, active)

	case slotAcquired:
		if u.err != nil {
			c.metrics.recordRequestFailed()
			c.finishAssignedRequest(slot, &ConnectionError{Address: slot.owner.hostAddress, Err: u.err})
			t.requestsInFlight--
			c.idleOrRetire(slot, active)
			return
		}
		slot.conn = u.conn
		slot.requestCount = 0
		c.metrics.recordConnectionAcquired()
		c.sendRequest(slot)

	case slotFinished:
		// release_connection: count the served request and proactively
		// drop the connection at the ceiling (or on error) so the next
		// acquisition starts clean instead of failing against the
		// server-side limit.
		slot.requestCount++
		if slot.conn != nil && (u.err != nil || slot.requestCount >= c.cfg.MaxRequestsPerConnection) {
			slot.owner.manager.ReleaseConnection(slot.conn)
			slot.conn = nil
		}
		if u.err != nil {
			c.metrics.recordRequestFailed()
		}
		c.finishAssignedRequest(slot, u.err)
		t.requestsInFlight--
		c.idleOrRetire(slot, active)
	}
}

// finishAssignedRequest reports the outcome to the owning meta-request and
// clears the assignment.
func (c *Client) finishAssignedRequest(slot *connSlot, err error) {
	req, mr := slot.request, slot.metaRequest
	slot.request, slot.metaRequest = nil, nil
	if mr != nil && req != nil {
		mr.OnRequestFinished(req, err)
	}
}

func (c *Client) idleOrRetire(slot *connSlot, active bool) {
	if active && slot.owner.active.Load() {
		c.threaded.idleSlots = append(c.threaded.idleSlots, slot)
		return
	}
	c.retireSlot(slot)
}

// sweepIdleSlots retires idle slots whose vip (or client) is draining so a
// vip destroy can complete even when no work arrives.
func (c *Client) sweepIdleSlots(active bool) {
	t := &c.threaded
	kept := t.idleSlots[:0]
	for _, slot := range t.idleSlots {
		if active && slot.owner.active.Load() {
			kept = append(kept, slot)
			continue
		}
		c.retireSlot(slot)
	}
	t.idleSlots = kept
}

// retireSlot releases the slot's connection and returns its capacity to the
// owning vip, advancing the vip teardown when it was the last one.
func (c *Client) retireSlot(slot *connSlot) {
	v := slot.owner
	if slot.conn != nil {
		v.manager.ReleaseConnection(slot.conn)
		slot.conn = nil
	}
	var startManager, confirm bool
	c.withShared(func(*clientSharedState) {
		startManager, confirm = c.releaseSlotLocked(v)
	})
	if startManager {
		v.manager.Shutdown(func() { c.onManagerShutdown(v) })
	}
	if confirm {
		c.confirmShutdown(shutdownVIPs)
	}
}

// reconcile matches pending requests to idle slots, round-robin across
// meta-requests from the saved cursor, until supply or demand runs out.
func (c *Client) reconcile() {
	t := &c.threaded
	for {
		slot := c.popIdleSlot()
		if slot == nil {
			if c.hasPendingWork() {
				c.growFromSpare()
			}
			return
		}
		if !c.admitRequest() {
			t.idleSlots = append(t.idleSlots, slot)
			return
		}
		mr, req := c.nextPendingRequest()
		if req == nil {
			t.idleSlots = append(t.idleSlots, slot)
			c.unadmitRequest()
			return
		}
		slot.request, slot.metaRequest = req, mr
		t.requestsInFlight++
		c.metrics.recordRequestDispatched()
		c.acquireConnection(slot)
	}
}

// popIdleSlot returns the most recently idled slot with a live vip,
// retiring stale ones as it encounters them. LIFO reuse keeps warm
// connections busy.
func (c *Client) popIdleSlot() *connSlot {
	t := &c.threaded
	for len(t.idleSlots) > 0 {
		slot := t.idleSlots[len(t.idleSlots)-1]
		t.idleSlots = t.idleSlots[:len(t.idleSlots)-1]
		if slot.owner.active.Load() {
			return slot
		}
		c.retireSlot(slot)
	}
	return nil
}

// nextPendingRequest rotates through active meta-requests from the saved
// cursor, pulling at most one request, and persists the cursor past the
// serviced meta-request so no transfer can starve the others.
func (c *Client) nextPendingRequest() (api.MetaRequest, api.Request) {
	t := &c.threaded
	n := len(t.metaRequests)
	for i := 0; i < n; i++ {
		idx := (t.cursor + i) % n
		mr := t.metaRequests[idx]
		if !mr.HasWork() {
			continue
		}
		req := mr.NextRequest()
		if req == nil {
			continue
		}
		t.cursor = (idx + 1) % n
		return mr, req
	}
	return nil, nil
}

func (c *Client) hasPendingWork() bool {
	for _, mr := range c.threaded.metaRequests {
		if mr.HasWork() {
			return true
		}
	}
	return false
}

// admitRequest reserves capacity under the MaxRequestsInFlight cap.
func (c *Client) admitRequest() bool {
	admitted := true
	c.withShared(func(s *clientSharedState) {
		if c.cfg.MaxRequestsInFlight > 0 && s.pendingRequestCount >= c.cfg.MaxRequestsInFlight {
			admitted = false
			return
		}
		s.pendingRequestCount++
	})
	return admitted
}

func (c *Client) unadmitRequest() {
	c.withShared(func(s *clientSharedState) {
		s.pendingRequestCount--
	})
}

// acquireConnection reuses the slot's live connection when it is under the
// per-connection ceiling, otherwise requests a fresh one from the owning
// vip's manager. Acquisition completions are staged back through shared
// state; the scheduler never blocks waiting for a connection.
func (c *Client) acquireConnection(slot *connSlot) {
	if slot.conn != nil && slot.requestCount < c.cfg.MaxRequestsPerConnection {
		c.sendRequest(slot)
		return
	}
	if slot.conn != nil {
		slot.owner.manager.ReleaseConnection(slot.conn)
		slot.conn = nil
	}
	slot.owner.manager.AcquireConnection(func(conn api.Connection, err error) {
		var wake bool
		c.withShared(func(s *clientSharedState) {
			s.pendingSlotUpdates = append(s.pendingSlotUpdates, slotUpdate{
				kind: slotAcquired,
				slot: slot,
				conn: conn,
				err:  err,
			})
			wake = c.requestRunLocked()
		})
		c.wakeScheduler(wake)
	})
}

func (c *Client) sendRequest(slot *connSlot) {
	req := slot.request
	req.Send(slot.conn, func(err error) {
		c.notifyConnectionFinished(slot, err)
	})
}

// failPendingWork drains one rotation of pending requests while the
// endpoint is invalid, failing each fast instead of letting it hang. A
// follow-up run is requested when demand remains.
func (c *Client) failPendingWork() {
	t := &c.threaded
	n := len(t.metaRequests)
	for i := 0; i < n; i++ {
		mr, req := c.nextPendingRequest()
		if req == nil {
			return
		}
		// Failed-fast requests still count as admitted so the
		// NotifyRequestDestroyed bookkeeping stays balanced.
		c.withShared(func(s *clientSharedState) {
			s.pendingRequestCount++
		})
		c.metrics.recordRequestFailed()
		mr.OnRequestFinished(req, &EndpointError{Host: c.cfg.Endpoint})
	}
	if c.hasPendingWork() {
		var wake bool
		c.withShared(func(*clientSharedState) {
			wake = c.requestRunLocked()
		})
		c.wakeScheduler(wake)
	}
}

// growFromSpare promotes a parked address into a new vip when demand is
// starved and the pool is below its ideal size.
func (c *Client) growFromSpare() {
	var addr string
	c.withShared(func(s *clientSharedState) {
		if s.phase != phaseActive {
			return
		}
		if s.allocatedVIPCount >= c.idealVIPCount || len(s.spareAddresses) == 0 {
			return
		}
		addr = s.spareAddresses[0]
		s.spareAddresses = s.spareAddresses[1:]
	})
	if addr != "" {
		c.tryAddVIP(addr)
	}
}
