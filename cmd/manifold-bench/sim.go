package main

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/manifold"
	"pkt.systems/manifold/api"
)

// simResolver reports a fixed set of addresses immediately on subscribe.
type simResolver struct {
	addresses []string
}

func newSimResolver(n int) *simResolver {
	r := &simResolver{}
	for i := 0; i < n; i++ {
		r.addresses = append(r.addresses, fmt.Sprintf("198.51.100.%d", i+1))
	}
	return r
}

func (r *simResolver) Subscribe(_ string, fn func(api.HostEvent)) (api.HostSubscription, error) {
	go func() {
		for _, addr := range r.addresses {
			fn(api.HostEvent{Kind: api.AddressAdded, Address: addr})
		}
	}()
	return &simSubscription{}, nil
}

type simSubscription struct{}

func (*simSubscription) Remove(done func()) {
	go done()
}

// simConn is the opaque connection handed out by the simulated manager.
type simConn struct {
	address string
	serial  int64
}

type simManager struct {
	cfg     benchConfig
	address string
	serial  atomic.Int64

	mu       sync.Mutex
	shutdown bool
}

var errSimRequest = errors.New("simulated request failure")

func newSimFactory(cfg benchConfig) api.ConnectionManagerFactory {
	return func(opts api.ConnectionManagerOptions) (api.ConnectionManager, error) {
		return &simManager{cfg: cfg, address: opts.HostAddress}, nil
	}
}

func (m *simManager) AcquireConnection(fn api.ConnectionAcquiredFn) {
	go func() {
		if m.cfg.dialLatency > 0 {
			time.Sleep(m.cfg.dialLatency)
		}
		fn(&simConn{address: m.address, serial: m.serial.Add(1)}, nil)
	}()
}

func (m *simManager) ReleaseConnection(api.Connection) {}

func (m *simManager) Shutdown(done func()) {
	m.mu.Lock()
	already := m.shutdown
	m.shutdown = true
	m.mu.Unlock()
	if already {
		panic("simManager: shutdown requested twice")
	}
	go done()
}

// simRequest sleeps for the configured latency and reports the outcome.
type simRequest struct {
	run *benchRun
}

func (r *simRequest) Send(_ api.Connection, finished func(error)) {
	go func() {
		if r.run.cfg.requestLatency > 0 {
			time.Sleep(r.run.cfg.requestLatency)
		}
		if r.run.cfg.failureRate > 0 && rand.Float64() < r.run.cfg.failureRate {
			finished(errSimRequest)
			return
		}
		finished(nil)
	}()
}

// simMetaRequest yields a fixed number of requests and tracks completion.
type simMetaRequest struct {
	run *benchRun

	mu        sync.Mutex
	remaining int
}

func (mr *simMetaRequest) HasWork() bool {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return mr.remaining > 0
}

func (mr *simMetaRequest) NextRequest() api.Request {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.remaining == 0 {
		return nil
	}
	mr.remaining--
	return &simRequest{run: mr.run}
}

func (mr *simMetaRequest) OnRequestFinished(_ api.Request, err error) {
	if err != nil {
		mr.run.failed.Add(1)
	}
	mr.run.completed.Add(1)
	mr.run.client.NotifyRequestDestroyed()
	mr.run.wg.Done()
}

type benchRun struct {
	cfg    benchConfig
	client *manifold.Client

	wg        sync.WaitGroup
	done      chan struct{}
	completed atomic.Int64
	failed    atomic.Int64
}

func newBenchRun(client *manifold.Client, cfg benchConfig) *benchRun {
	return &benchRun{cfg: cfg, client: client, done: make(chan struct{})}
}

func (r *benchRun) start() {
	r.wg.Add(r.cfg.metaRequests * r.cfg.requestsPerMeta)
	for i := 0; i < r.cfg.metaRequests; i++ {
		r.client.PushMetaRequest(&simMetaRequest{run: r, remaining: r.cfg.requestsPerMeta})
	}
	go func() {
		r.wg.Wait()
		close(r.done)
	}()
}
