package manifold

import (
	"sync/atomic"

	"pkt.systems/manifold/api"
)

// vip is one resolved address used as an independent parallel path to the
// storage service. It owns a connection manager bound to that address and
// a fixed number of connection slots allocated against it.
type vip struct {
	// client is a back-reference; the client owns the vip, never the
	// other way around.
	client      *Client
	hostAddress string
	manager     api.ConnectionManager

	// active is false once destruction has started. New work is never
	// assigned to an inactive vip; in-flight requests drain naturally.
	active atomic.Bool

	// The fields below are guarded by client.mu.

	// slotCount is how many connection slots are still allocated against
	// this vip. The vip cannot finish tearing down until it reaches zero.
	slotCount int
	// managerActive is true from creation until the manager's shutdown
	// callback fires. A nil-manager/true combination means shutdown was
	// requested but not yet confirmed.
	managerActive bool
	// managerShutdownStarted guards the single Shutdown call on the
	// manager.
	managerShutdownStarted bool
}

// connSlot is one reusable unit of request concurrency bound to exactly one
// vip for its lifetime. It wraps at most one live connection and tracks how
// many requests that connection has served.
//
// Slots are thread-confined to the scheduler: only scheduler runs read or
// write these fields. Cross-thread completions reference the slot but only
// through staged slotUpdate values.
type connSlot struct {
	owner *vip

	conn api.Connection
	// requestCount is the number of requests served on the current
	// connection. It never exceeds the per-connection ceiling; reaching it
	// drops the connection so the next acquisition starts clean.
	requestCount int

	// request and metaRequest are set while a request is assigned.
	request     api.Request
	metaRequest api.MetaRequest
}

// findVIP locates the vip for a resolved address, nil when absent.
func findVIP(vips []*vip, hostAddress string) *vip {
	for _, v := range vips {
		if v.hostAddress == hostAddress {
			return v
		}
	}
	return nil
}

// onHostEvent is the client's resolver listener. It runs on the resolver's
// goroutine and only touches shared state.
func (c *Client) onHostEvent(ev api.HostEvent) {
	switch ev.Kind {
	case api.AddressAdded:
		c.mu.Lock()
		if c.shared.phase != phaseActive {
			c.mu.Unlock()
			return
		}
		if c.shared.invalidEndpoint {
			c.shared.invalidEndpoint = false
			c.logger.Info("manifold.client.endpoint_recovered", "address", ev.Address)
		}
		c.mu.Unlock()
		c.tryAddVIP(ev.Address)
	case api.AddressRemoved:
		c.removeVIP(ev.Address)
	case api.ResolveFailed:
		c.mu.Lock()
		already := c.shared.invalidEndpoint
		c.shared.invalidEndpoint = true
		wake := c.requestRunLocked()
		c.mu.Unlock()
		if !already {
			c.logger.Error("manifold.client.endpoint_invalid",
				"endpoint", c.cfg.Endpoint,
				"error", ev.Err)
		}
		c.wakeScheduler(wake)
	}
}

// tryAddVIP creates a vip for a newly resolved address when the pool is
// below its ideal size, otherwise parks the address for later growth. The
// connection manager factory runs outside the lock; the address is
// reserved first so the pool can never overshoot the ideal count.
func (c *Client) tryAddVIP(hostAddress string) {
	c.mu.Lock()
	if c.shared.phase != phaseActive || hostAddress == "" {
		c.mu.Unlock()
		return
	}
	if findVIP(c.shared.vips, hostAddress) != nil {
		c.mu.Unlock()
		return
	}
	if _, reserved := c.shared.pendingAddresses[hostAddress]; reserved {
		c.mu.Unlock()
		return
	}
	if c.shared.allocatedVIPCount >= c.idealVIPCount {
		c.parkSpareAddressLocked(hostAddress)
		c.mu.Unlock()
		return
	}
	c.shared.pendingAddresses[hostAddress] = struct{}{}
	c.shared.allocatedVIPCount++
	c.mu.Unlock()

	manager, err := c.factory(api.ConnectionManagerOptions{
		HostAddress:    hostAddress,
		TLS:            c.cfg.TLS,
		MaxConnections: c.cfg.SlotsPerVIP,
	})

	c.mu.Lock()
	delete(c.shared.pendingAddresses, hostAddress)
	if err != nil {
		c.shared.allocatedVIPCount--
		// Shutdown may have been waiting on this reservation.
		confirm := c.vipPoolDrainedLocked()
		c.mu.Unlock()
		c.logger.Warn("manifold.vip.manager_failed",
			"address", hostAddress,
			"error", err)
		if confirm {
			c.confirmShutdown(shutdownVIPs)
		}
		return
	}

	v := &vip{
		client:        c,
		hostAddress:   hostAddress,
		manager:       manager,
		managerActive: true,
		slotCount:     c.cfg.SlotsPerVIP,
	}
	v.active.Store(true)

	if c.shared.phase != phaseActive {
		// Client shut down while the factory ran. Tear the vip straight
		// back down; its slots were never allocated into the idle list.
		v.active.Store(false)
		v.slotCount = 0
		c.shared.vips = append(c.shared.vips, v)
		start := c.startManagerShutdownLocked(v)
		c.mu.Unlock()
		if start {
			v.manager.Shutdown(func() { c.onManagerShutdown(v) })
		}
		return
	}

	c.shared.vips = append(c.shared.vips, v)
	c.shared.activeVIPCount++
	for i := 0; i < c.cfg.SlotsPerVIP; i++ {
		c.shared.pendingSlotUpdates = append(c.shared.pendingSlotUpdates, slotUpdate{
			kind: slotNew,
			slot: &connSlot{owner: v},
		})
	}
	wake := c.requestRunLocked()
	c.mu.Unlock()

	c.logger.Info("manifold.vip.added",
		"address", hostAddress,
		"slots", c.cfg.SlotsPerVIP)
	c.wakeScheduler(wake)
}

// parkSpareAddressLocked remembers an address the pool had no room for so
// the scheduler can grow toward the ideal count later. Caller holds mu.
func (c *Client) parkSpareAddressLocked(hostAddress string) {
	for _, a := range c.shared.spareAddresses {
		if a == hostAddress {
			return
		}
	}
	c.shared.spareAddresses = append(c.shared.spareAddresses, hostAddress)
}

// removeVIP starts asynchronous destruction of the vip serving the given
// address. The vip stays in the list, flagged inactive, until its slots and
// manager drain.
func (c *Client) removeVIP(hostAddress string) {
	c.mu.Lock()
	for i, a := range c.shared.spareAddresses {
		if a == hostAddress {
			c.shared.spareAddresses = append(c.shared.spareAddresses[:i], c.shared.spareAddresses[i+1:]...)
			break
		}
	}
	v := findVIP(c.shared.vips, hostAddress)
	if v == nil {
		c.mu.Unlock()
		return
	}
	wake, start := c.startVIPDestroyLocked(v)
	c.mu.Unlock()

	c.logger.Info("manifold.vip.removing", "address", hostAddress)
	if start {
		v.manager.Shutdown(func() { c.onManagerShutdown(v) })
	}
	c.wakeScheduler(wake)
}

// startVIPDestroyLocked deactivates a vip and, when its slots are already
// gone, arranges the manager shutdown. Caller holds mu and must invoke
// manager.Shutdown after unlocking when start is true.
func (c *Client) startVIPDestroyLocked(v *vip) (wake, start bool) {
	if !v.active.Load() {
		return false, false
	}
	v.active.Store(false)
	c.shared.activeVIPCount--
	// The scheduler retires the vip's idle slots on its next run; busy
	// slots retire as their requests finish.
	wake = c.requestRunLocked()
	start = c.startManagerShutdownLocked(v)
	return wake, start
}

// startManagerShutdownLocked reports whether the caller should invoke the
// manager's Shutdown once the lock is released. Caller holds mu.
func (c *Client) startManagerShutdownLocked(v *vip) bool {
	if v.active.Load() || v.slotCount != 0 || v.managerShutdownStarted {
		return false
	}
	v.managerShutdownStarted = true
	return true
}

// onManagerShutdown is the connection manager's shutdown confirmation.
func (c *Client) onManagerShutdown(v *vip) {
	c.mu.Lock()
	if !v.managerActive {
		c.mu.Unlock()
		panic(&LifecycleError{Op: "vip.shutdown", Detail: "connection manager confirmed shutdown twice"})
	}
	v.managerActive = false
	confirm := c.finalizeVIPLocked(v)
	c.mu.Unlock()

	c.logger.Debug("manifold.vip.manager_down", "address", v.hostAddress)
	if confirm {
		c.confirmShutdown(shutdownVIPs)
	}
}

// releaseSlotLocked detaches a retired slot from its vip and reports
// whether the manager shutdown should start and whether the vip pool
// drained. Caller holds mu and must act on the returns after unlocking.
func (c *Client) releaseSlotLocked(v *vip) (startManager, confirm bool) {
	if v.slotCount <= 0 {
		panic(&LifecycleError{Op: "slot.retire", Detail: "slot count underflow"})
	}
	v.slotCount--
	startManager = c.startManagerShutdownLocked(v)
	confirm = c.finalizeVIPLocked(v)
	return startManager, confirm
}

// finalizeVIPLocked removes a fully drained vip from the pool. It reports
// whether the drain completed the client's shutdown fan-in. Caller holds
// mu.
func (c *Client) finalizeVIPLocked(v *vip) bool {
	if v.active.Load() || v.slotCount != 0 || v.managerActive {
		return false
	}
	for i, have := range c.shared.vips {
		if have == v {
			c.shared.vips = append(c.shared.vips[:i], c.shared.vips[i+1:]...)
			c.shared.allocatedVIPCount--
			break
		}
	}
	return c.vipPoolDrainedLocked()
}

// vipPoolDrainedLocked reports whether the vip component of the shutdown
// fan-in should be confirmed, at most once. Caller holds mu.
func (c *Client) vipPoolDrainedLocked() bool {
	if c.shared.phase != phaseShuttingDown || c.shared.vipsConfirmed {
		return false
	}
	if c.shared.allocatedVIPCount != 0 || len(c.shared.vips) != 0 {
		return false
	}
	c.shared.vipsConfirmed = true
	return true
}
