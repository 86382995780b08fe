package manifold

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/manifold/api"
	"pkt.systems/manifold/internal/bodystream"
	"pkt.systems/manifold/internal/hostres"
	"pkt.systems/manifold/internal/logfields"
	"pkt.systems/pslog"
)

// shutdownPhase is the client lifecycle state machine.
type shutdownPhase int32

const (
	phaseActive shutdownPhase = iota
	phaseShuttingDown
	phaseDestroyed
)

// shutdownComponent names the independently confirming subsystems the
// client waits on before finishing destruction.
type shutdownComponent string

const (
	shutdownVIPs         shutdownComponent = "vip_pool"
	shutdownBodyPool     shutdownComponent = "body_pool"
	shutdownHostListener shutdownComponent = "host_listener"
)

// shutdownComponents is the fan-in width of the shutdown state machine.
const shutdownComponents = 3

// clientSharedState is the lock-guarded state region. Every field is
// mutated from arbitrary goroutines and must only be touched while holding
// Client.mu; the withShared accessor enforces scoped locking.
type clientSharedState struct {
	phase shutdownPhase

	// endpoint is the configured host being resolved into paths.
	endpoint string
	// invalidEndpoint is set while resolution cannot produce a usable
	// address; pending and future requests fail fast until it clears.
	invalidEndpoint bool

	activeVIPCount    int
	allocatedVIPCount int
	vips              []*vip
	// spareAddresses are resolved addresses the pool had no room for.
	spareAddresses []string
	// pendingAddresses reserves addresses whose connection manager is
	// still being built so duplicates cannot slip in.
	pendingAddresses map[string]struct{}

	// pendingSlotUpdates and pendingMetaRequestWork stage cross-thread
	// events for the scheduler to splice into thread-confined state.
	pendingSlotUpdates     []slotUpdate
	pendingMetaRequestWork []metaRequestWork

	// pendingRequestCount counts requests admitted but not yet destroyed;
	// the MaxRequestsInFlight cap gates on it.
	pendingRequestCount int

	// sched is the work-processing scheduler's wake-coalescing state
	// machine.
	sched schedState

	// Shutdown fan-in bookkeeping.
	vipsConfirmed       bool
	finishDestroyCalled bool
	hostSub             api.HostSubscription

	// Mirrors of thread-confined counters, refreshed at the end of every
	// scheduler run so Stats and metrics never touch threaded state.
	statIdleSlots        int
	statRequestsInFlight int
	statMetaRequests     int
}

// clientThreadedState is the thread-confined region: only the scheduler
// goroutine, and only while a run is executing, may touch it. It needs no
// locking by construction.
type clientThreadedState struct {
	idleSlots    []*connSlot
	metaRequests []api.MetaRequest
	// cursor is the rotation position into metaRequests for round-robin
	// fairness across runs.
	cursor           int
	requestsInFlight int
}

// Client is the reference-counted aggregate root owning the vip pool, the
// meta-request set, the scheduler, and the shutdown state machine. All
// public operations are safe to call from any goroutine.
type Client struct {
	cfg           Config
	idealVIPCount int
	id            xid.ID
	logger        pslog.Logger
	factory       api.ConnectionManagerFactory
	resolver      api.HostResolver
	meterProvider metric.MeterProvider
	bodyPool      *bodystream.Pool
	metrics       *clientMetrics

	refCount atomic.Int64
	// outstandingShutdown counts subsystem confirmations still pending;
	// the last decrement runs finishDestroy.
	outstandingShutdown atomic.Int32

	mu     sync.Mutex
	shared clientSharedState

	threaded clientThreadedState

	wake chan struct{}
	quit chan struct{}

	shutdownCallback func()
}

// New builds a client, starts its dedicated scheduler goroutine, the body
// delivery pool, and host resolution for the configured endpoint. The
// returned client holds one reference; Release it to begin shutdown.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:           cfg,
		idealVIPCount: cfg.idealVIPCount(),
		id:            xid.New(),
		logger:        pslog.NoopLogger(),
		wake:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
	}
	c.shared.endpoint = cfg.Endpoint
	c.shared.pendingAddresses = make(map[string]struct{})
	c.refCount.Store(1)
	c.outstandingShutdown.Store(shutdownComponents)

	for _, opt := range opts {
		opt(c)
	}
	if c.factory == nil {
		return nil, &ConfigError{Field: "ConnectionManagerFactory", Detail: "a connection manager factory is required"}
	}
	c.logger = logfields.WithSubsystem(c.logger, "client").With("client_id", c.id.String())
	if c.resolver == nil {
		c.resolver = hostres.NewPoller(hostres.Config{}, c.logger)
	}

	c.bodyPool = bodystream.NewPool(cfg.BodyDeliveryWorkers, c.logger)
	c.metrics = newClientMetrics(c)

	sub, err := c.resolver.Subscribe(cfg.Endpoint, c.onHostEvent)
	if err != nil {
		c.bodyPool.Shutdown(nil)
		c.metrics.close()
		close(c.quit)
		return nil, &EndpointError{Host: cfg.Endpoint, Err: err}
	}
	c.mu.Lock()
	c.shared.hostSub = sub
	c.mu.Unlock()

	go c.schedulerLoop()

	c.logger.Info("manifold.client.created",
		"endpoint", cfg.Endpoint,
		"region", cfg.Region,
		"part_size", humanize.IBytes(uint64(cfg.PartSize)),
		"throughput_target_gbps", cfg.ThroughputTargetGbps,
		"ideal_vip_count", c.idealVIPCount,
		"slots_per_vip", cfg.SlotsPerVIP)
	return c, nil
}

// withShared runs fn with the shared-state lock held, guaranteeing release
// on every exit path.
func (c *Client) withShared(fn func(s *clientSharedState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.shared)
}

// Acquire takes an additional reference. Every Acquire must be paired with
// a Release.
func (c *Client) Acquire() *Client {
	if c.refCount.Add(1) <= 1 {
		panic(&LifecycleError{Op: "client.acquire", Detail: "acquire on a released client"})
	}
	return c
}

// Release drops a reference. When the count reaches zero the client stops
// accepting work and begins its asynchronous shutdown: every vip is asked
// to destroy itself, the body delivery pool is drained, and the host
// listener is removed. Destruction finishes only after all three confirm.
func (c *Client) Release() {
	n := c.refCount.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(&LifecycleError{Op: "client.release", Detail: "release without matching acquire"})
	}
	c.beginShutdown()
}

func (c *Client) beginShutdown() {
	var (
		vips       []*vip
		starts     []*vip
		sub        api.HostSubscription
		confirmVIP bool
		wake       bool
	)
	c.withShared(func(s *clientSharedState) {
		if s.phase != phaseActive {
			panic(&LifecycleError{Op: "client.shutdown", Detail: "shutdown started twice"})
		}
		s.phase = phaseShuttingDown
		s.spareAddresses = nil
		sub = s.hostSub
		s.hostSub = nil
		vips = append(vips, s.vips...)
		for _, v := range vips {
			w, start := c.startVIPDestroyLocked(v)
			wake = wake || w
			if start {
				starts = append(starts, v)
			}
		}
		confirmVIP = c.vipPoolDrainedLocked()
		wake = c.requestRunLocked() || wake
	})

	c.logger.Info("manifold.client.shutdown", "vips", len(vips))
	for _, v := range starts {
		v := v
		v.manager.Shutdown(func() { c.onManagerShutdown(v) })
	}
	c.bodyPool.Shutdown(func() { c.confirmShutdown(shutdownBodyPool) })
	if sub != nil {
		sub.Remove(func() { c.confirmShutdown(shutdownHostListener) })
	} else {
		c.confirmShutdown(shutdownHostListener)
	}
	if confirmVIP {
		c.confirmShutdown(shutdownVIPs)
	}
	c.wakeScheduler(wake)
}

// confirmShutdown records one subsystem confirmation; the order of the
// three confirmations does not matter. The final one runs finishDestroy.
func (c *Client) confirmShutdown(component shutdownComponent) {
	remaining := c.outstandingShutdown.Add(-1)
	c.logger.Debug("manifold.client.shutdown_confirmed",
		"component", string(component),
		"remaining", remaining)
	if remaining < 0 {
		panic(&LifecycleError{Op: "client.shutdown", Detail: "shutdown confirmation fired twice: " + string(component)})
	}
	if remaining == 0 {
		c.finishDestroy()
	}
}

// finishDestroy is the one-shot final stage of the shutdown state machine.
// A second invocation is a programming error, not a tolerated race.
func (c *Client) finishDestroy() {
	c.withShared(func(s *clientSharedState) {
		if s.finishDestroyCalled {
			panic(&LifecycleError{Op: "client.finish_destroy", Detail: "finish destroy invoked twice"})
		}
		s.finishDestroyCalled = true
		s.phase = phaseDestroyed
	})
	close(c.quit)
	c.metrics.close()
	c.logger.Info("manifold.client.destroyed")
	if c.shutdownCallback != nil {
		c.shutdownCallback()
	}
}

// PushMetaRequest adds a logical transfer to the client's active set. Its
// pending requests start being scheduled on the next run.
func (c *Client) PushMetaRequest(mr api.MetaRequest) {
	if mr == nil {
		return
	}
	var wake bool
	c.withShared(func(s *clientSharedState) {
		if s.phase != phaseActive {
			return
		}
		s.pendingMetaRequestWork = append(s.pendingMetaRequestWork, metaRequestWork{metaRequest: mr})
		wake = c.requestRunLocked()
	})
	c.wakeScheduler(wake)
}

// RemoveMetaRequest drops the client's membership in a logical transfer.
// The scheduler skips it from the next run on; requests already in flight
// on its behalf drain naturally.
func (c *Client) RemoveMetaRequest(mr api.MetaRequest) {
	if mr == nil {
		return
	}
	var wake bool
	c.withShared(func(s *clientSharedState) {
		s.pendingMetaRequestWork = append(s.pendingMetaRequestWork, metaRequestWork{metaRequest: mr, remove: true})
		wake = c.requestRunLocked()
	})
	c.wakeScheduler(wake)
}

// NotifyRequestDestroyed tells the client a previously dispatched request
// has been fully released by its meta-request, freeing capacity under the
// MaxRequestsInFlight cap.
func (c *Client) NotifyRequestDestroyed() {
	var wake bool
	c.withShared(func(s *clientSharedState) {
		if s.pendingRequestCount <= 0 {
			panic(&LifecycleError{Op: "client.notify_request_destroyed", Detail: "pending request count underflow"})
		}
		s.pendingRequestCount--
		wake = c.requestRunLocked()
	})
	c.wakeScheduler(wake)
}

// ScheduleBodyDelivery runs task on the body delivery pool so slow caller
// callbacks never block dispatch. It fails once shutdown has begun.
func (c *Client) ScheduleBodyDelivery(task func()) error {
	return c.bodyPool.Schedule(task)
}

// notifyConnectionFinished is invoked (from any goroutine) when a request
// issued on a slot reaches its terminal outcome.
func (c *Client) notifyConnectionFinished(slot *connSlot, err error) {
	var wake bool
	c.withShared(func(s *clientSharedState) {
		s.pendingSlotUpdates = append(s.pendingSlotUpdates, slotUpdate{
			kind: slotFinished,
			slot: slot,
			err:  err,
		})
		wake = c.requestRunLocked()
	})
	c.wakeScheduler(wake)
}

// Stats is a point-in-time snapshot of the dispatch engine.
type Stats struct {
	ActiveVIPs       int
	AllocatedVIPs    int
	IdleSlots        int
	MetaRequests     int
	RequestsInFlight int
	PendingRequests  int
	InvalidEndpoint  bool
}

// Stats snapshots pool and scheduler counters.
func (c *Client) Stats() Stats {
	var st Stats
	c.withShared(func(s *clientSharedState) {
		st = Stats{
			ActiveVIPs:       s.activeVIPCount,
			AllocatedVIPs:    s.allocatedVIPCount,
			IdleSlots:        s.statIdleSlots,
			MetaRequests:     s.statMetaRequests,
			RequestsInFlight: s.statRequestsInFlight,
			PendingRequests:  s.pendingRequestCount,
			InvalidEndpoint:  s.invalidEndpoint,
		}
	})
	return st
}
