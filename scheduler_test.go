package manifold

import (
	"errors"
	"testing"
	"time"

	"pkt.systems/manifold/api"
)

// onePathConfig sizes the pool to a single one-slot vip while keeping the
// ideal count at two, matching the spec scenario of more demand than
// supply.
func onePathConfig() Config {
	return Config{
		ThroughputTargetGbps: 10,
		ThroughputPerVIPGbps: 6.25, // ideal count 2
		SlotsPerVIP:          1,
	}
}

func TestRoundRobinFairness(t *testing.T) {
	// Three transfers, one slot: every scheduler pass must service the
	// next transfer in rotation, never re-service the first.
	factory := &fakeFactory{}
	h := newTestClient(t, onePathConfig(), factory)
	defer h.shutdown(t)
	h.addAddress("10.0.0.1")
	waitUntil(t, "slot idle", func() bool { return h.client.Stats().IdleSlots == 1 })

	reqs := make([]*fakeRequest, 3)
	mrs := make([]*fakeMetaRequest, 3)
	for i := range mrs {
		reqs[i] = &fakeRequest{name: string(rune('a' + i))}
		mrs[i] = &fakeMetaRequest{name: string(rune('a' + i))}
		mrs[i].enqueue(reqs[i])
		h.client.PushMetaRequest(mrs[i])
	}

	waitUntil(t, "first request sent", reqs[0].wasSent)
	if reqs[1].wasSent() || reqs[2].wasSent() {
		t.Fatalf("second or third request dispatched without capacity")
	}

	reqs[0].finish(t, nil)
	waitUntil(t, "second request sent", reqs[1].wasSent)
	if reqs[2].wasSent() {
		t.Fatalf("third request dispatched before the slot freed")
	}

	reqs[1].finish(t, nil)
	waitUntil(t, "third request sent", reqs[2].wasSent)
	reqs[2].finish(t, nil)

	for i, mr := range mrs {
		mr := mr
		waitUntil(t, "completion delivered", func() bool { return mr.finishedCount() == 1 })
		if err := mr.finishedErr(0); err != nil {
			t.Fatalf("meta request %d finished with error: %v", i, err)
		}
	}
	// The ceiling was never reached, so the slot reused one connection.
	if got := factory.manager(0).acquireCount(); got != 1 {
		t.Fatalf("expected a single connection acquisition, got %d", got)
	}
}

func TestSchedulerReentrancy(t *testing.T) {
	// Work enqueued while a run is in progress must be serviced before the
	// scheduler goes idle, without any external trigger.
	factory := &fakeFactory{}
	h := newTestClient(t, onePathConfig(), factory)
	defer h.shutdown(t)
	h.addAddress("10.0.0.1")
	waitUntil(t, "slot idle", func() bool { return h.client.Stats().IdleSlots == 1 })

	late := &fakeMetaRequest{name: "late"}
	lateReq := &fakeRequest{name: "late-1", autoFinish: true}

	first := &fakeMetaRequest{name: "first"}
	firstReq := &fakeRequest{name: "first-1", autoFinish: true}
	first.enqueue(firstReq)
	// OnRequestFinished runs inside a scheduler run; pushing from there
	// lands in the running+requested state.
	first.onFinish = func(error) {
		late.enqueue(lateReq)
		h.client.PushMetaRequest(late)
	}

	h.client.PushMetaRequest(first)
	waitUntil(t, "late request serviced", func() bool { return late.finishedCount() == 1 })
}

func TestConnectionRequestCeiling(t *testing.T) {
	// Five requests through one slot with a ceiling of two must consume
	// three connections: the slot drops its connection at the ceiling and
	// starts the next acquisition clean.
	factory := &fakeFactory{}
	cfg := onePathConfig()
	cfg.MaxRequestsPerConnection = 2
	h := newTestClient(t, cfg, factory)
	defer h.shutdown(t)
	h.addAddress("10.0.0.1")
	waitUntil(t, "slot idle", func() bool { return h.client.Stats().IdleSlots == 1 })

	mr := &fakeMetaRequest{name: "burst"}
	for i := 0; i < 5; i++ {
		mr.enqueue(&fakeRequest{name: "burst", autoFinish: true})
	}
	h.client.PushMetaRequest(mr)

	waitUntil(t, "all requests finished", func() bool { return mr.finishedCount() == 5 })
	if got := factory.manager(0).acquireCount(); got != 3 {
		t.Fatalf("expected 3 connection acquisitions for 5 requests at ceiling 2, got %d", got)
	}
}

func TestAcquisitionFailureSurfacesConnectionError(t *testing.T) {
	factory := &fakeFactory{manualAcquire: true}
	h := newTestClient(t, onePathConfig(), factory)
	defer h.shutdown(t)
	h.addAddress("10.0.0.1")
	waitUntil(t, "slot idle", func() bool { return h.client.Stats().IdleSlots == 1 })

	mr := &fakeMetaRequest{name: "unlucky"}
	mr.enqueue(&fakeRequest{name: "unlucky-1"}, &fakeRequest{name: "unlucky-2", autoFinish: true})
	h.client.PushMetaRequest(mr)

	mgr := factory.manager(0)
	waitUntil(t, "acquisition pending", func() bool { return mgr.acquireCount() == 1 })
	mgr.completeAcquire(t, errors.New("connect refused"))

	waitUntil(t, "failure delivered", func() bool { return mr.finishedCount() == 1 })
	var connErr *ConnectionError
	if !errors.As(mr.finishedErr(0), &connErr) {
		t.Fatalf("expected ConnectionError, got %v", mr.finishedErr(0))
	}
	if connErr.Address != "10.0.0.1" {
		t.Fatalf("unexpected address %q", connErr.Address)
	}

	// The scheduler keeps servicing: the slot went back to idle and the
	// second request triggers a fresh acquisition.
	waitUntil(t, "second acquisition", func() bool { return mgr.acquireCount() == 2 })
	mgr.completeAcquire(t, nil)
	waitUntil(t, "second request finished", func() bool { return mr.finishedCount() == 2 })
	if err := mr.finishedErr(1); err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	// The failed acquisition must have given back its in-flight
	// reservation, not leaked it.
	waitUntil(t, "in-flight count drained", func() bool { return h.client.Stats().RequestsInFlight == 0 })
}

func TestInvalidEndpointFailsFast(t *testing.T) {
	factory := &fakeFactory{}
	h := newTestClient(t, onePathConfig(), factory)
	defer h.shutdown(t)

	h.resolver.emit(api.HostEvent{Kind: api.ResolveFailed, Err: errors.New("nxdomain")})
	waitUntil(t, "endpoint flagged invalid", func() bool { return h.client.Stats().InvalidEndpoint })

	mr := &fakeMetaRequest{name: "doomed"}
	mr.enqueue(&fakeRequest{name: "doomed-1"}, &fakeRequest{name: "doomed-2"})
	h.client.PushMetaRequest(mr)

	waitUntil(t, "both requests failed", func() bool { return mr.finishedCount() == 2 })
	for i := 0; i < 2; i++ {
		var epErr *EndpointError
		if !errors.As(mr.finishedErr(i), &epErr) {
			t.Fatalf("request %d: expected EndpointError, got %v", i, mr.finishedErr(i))
		}
	}

	// Resolution recovery clears the flag and restores service.
	h.addAddress("10.0.0.1")
	waitUntil(t, "endpoint recovered", func() bool { return !h.client.Stats().InvalidEndpoint })
	ok := &fakeRequest{name: "ok", autoFinish: true}
	mr.enqueue(ok)
	h.client.PushMetaRequest(mr) // membership already exists; push is idempotent
	waitUntil(t, "recovered request finished", func() bool { return mr.finishedCount() == 3 })
	if err := mr.finishedErr(2); err != nil {
		t.Fatalf("recovered request failed: %v", err)
	}
}

func TestRemoveMetaRequestStopsService(t *testing.T) {
	factory := &fakeFactory{}
	h := newTestClient(t, onePathConfig(), factory)
	defer h.shutdown(t)
	h.addAddress("10.0.0.1")
	waitUntil(t, "slot idle", func() bool { return h.client.Stats().IdleSlots == 1 })

	busy := &fakeRequest{name: "busy"}
	mr := &fakeMetaRequest{name: "leaving"}
	mr.enqueue(busy, &fakeRequest{name: "never"})
	h.client.PushMetaRequest(mr)
	waitUntil(t, "first request sent", busy.wasSent)

	h.client.RemoveMetaRequest(mr)
	// The in-flight request drains naturally; the queued one is skipped.
	busy.finish(t, nil)
	waitUntil(t, "in-flight completion delivered", func() bool { return mr.finishedCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if mr.finishedCount() != 1 || mr.HasWork() == false {
		t.Fatalf("removed meta request was serviced again")
	}
}

func TestMaxRequestsInFlightCap(t *testing.T) {
	factory := &fakeFactory{}
	cfg := Config{
		ThroughputTargetGbps: 10,
		ThroughputPerVIPGbps: 10,
		SlotsPerVIP:          2,
		MaxRequestsInFlight:  1,
	}
	h := newTestClient(t, cfg, factory)
	defer h.shutdown(t)
	h.addAddress("10.0.0.1")
	waitUntil(t, "slots idle", func() bool { return h.client.Stats().IdleSlots == 2 })

	first := &fakeRequest{name: "cap-1"}
	second := &fakeRequest{name: "cap-2"}
	mr := &fakeMetaRequest{name: "capped", client: h.client, notify: true}
	mr.enqueue(first, second)
	h.client.PushMetaRequest(mr)

	waitUntil(t, "first request sent", first.wasSent)
	time.Sleep(20 * time.Millisecond)
	if second.wasSent() {
		t.Fatalf("cap of one exceeded: second request dispatched while first in flight")
	}

	// Finishing the first triggers NotifyRequestDestroyed via the fake,
	// freeing capacity for the second.
	first.finish(t, nil)
	waitUntil(t, "second request sent", second.wasSent)
	second.finish(t, nil)
	waitUntil(t, "all finished", func() bool { return mr.finishedCount() == 2 })
}

func TestVIPPoolHonorsIdealCount(t *testing.T) {
	factory := &fakeFactory{}
	cfg := Config{
		ThroughputTargetGbps: 10,
		ThroughputPerVIPGbps: 6.25, // ideal count 2
		SlotsPerVIP:          1,
	}
	h := newTestClient(t, cfg, factory)
	defer h.shutdown(t)

	for _, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"} {
		h.addAddress(addr)
	}
	waitUntil(t, "pool at ideal size", func() bool { return h.client.Stats().AllocatedVIPs == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := h.client.Stats().AllocatedVIPs; got != 2 {
		t.Fatalf("pool exceeded ideal count: %d", got)
	}
	if got := factory.count(); got != 2 {
		t.Fatalf("expected 2 connection managers, got %d", got)
	}
}

func TestAddressRemovalDrainsNaturally(t *testing.T) {
	factory := &fakeFactory{}
	h := newTestClient(t, onePathConfig(), factory)
	defer h.shutdown(t)
	h.addAddress("10.0.0.1")
	waitUntil(t, "slot idle", func() bool { return h.client.Stats().IdleSlots == 1 })

	busy := &fakeRequest{name: "draining"}
	mr := &fakeMetaRequest{name: "drainer"}
	mr.enqueue(busy)
	h.client.PushMetaRequest(mr)
	waitUntil(t, "request sent", busy.wasSent)

	h.removeAddress("10.0.0.1")
	waitUntil(t, "vip inactive", func() bool { return h.client.Stats().ActiveVIPs == 0 })
	if got := h.client.Stats().AllocatedVIPs; got != 1 {
		t.Fatalf("vip released before its in-flight request drained (allocated=%d)", got)
	}
	if factory.manager(0).shutdownRequested() {
		t.Fatalf("manager shutdown requested while a slot is still busy")
	}

	busy.finish(t, nil)
	waitUntil(t, "completion delivered", func() bool { return mr.finishedCount() == 1 })
	if err := mr.finishedErr(0); err != nil {
		t.Fatalf("in-flight request was cut instead of drained: %v", err)
	}
	waitUntil(t, "vip deallocated", func() bool { return h.client.Stats().AllocatedVIPs == 0 })
}

func TestSchedulerGrowsFromSpareAddresses(t *testing.T) {
	factory := &fakeFactory{}
	cfg := Config{
		ThroughputTargetGbps: 10,
		ThroughputPerVIPGbps: 6.25, // ideal count 2
		SlotsPerVIP:          1,
	}
	h := newTestClient(t, cfg, factory)
	defer h.shutdown(t)

	h.addAddress("10.0.0.1")
	h.addAddress("10.0.0.2")
	waitUntil(t, "pool at ideal size", func() bool { return h.client.Stats().AllocatedVIPs == 2 })
	h.addAddress("10.0.0.3") // parked: pool already at ideal size

	h.removeAddress("10.0.0.1")
	waitUntil(t, "vip drained", func() bool { return h.client.Stats().AllocatedVIPs == 1 })

	// Starved demand promotes the spare address into a fresh vip.
	mrs := make([]*fakeMetaRequest, 3)
	for i := range mrs {
		mrs[i] = &fakeMetaRequest{name: "grow"}
		mrs[i].enqueue(&fakeRequest{name: "grow", autoFinish: true})
		h.client.PushMetaRequest(mrs[i])
	}
	waitUntil(t, "pool regrown", func() bool { return h.client.Stats().AllocatedVIPs == 2 })
	for _, mr := range mrs {
		mr := mr
		waitUntil(t, "request completed", func() bool { return mr.finishedCount() == 1 })
	}
}
