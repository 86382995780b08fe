package hostres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/manifold/api"
)

type scriptedResolver struct {
	mu      sync.Mutex
	results [][]string
	errs    []error
	idx     int
}

// next returns the scripted result for the current lookup, holding the last
// entry once the script runs out.
func (r *scriptedResolver) LookupHost(context.Context, string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.idx
	if i >= len(r.results) {
		i = len(r.results) - 1
	} else {
		r.idx++
	}
	if err := r.errs[i]; err != nil {
		return nil, err
	}
	return r.results[i], nil
}

type eventLog struct {
	mu     sync.Mutex
	events []api.HostEvent
}

func (l *eventLog) record(ev api.HostEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind api.HostEventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) has(kind api.HostEventKind, addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && ev.Address == addr {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	return Config{
		Interval:         2 * time.Millisecond,
		LookupTimeout:    time.Second,
		FailureThreshold: 2,
	}
}

func TestSubscribeRequiresHost(t *testing.T) {
	p := NewPoller(Config{}, nil)
	if _, err := p.Subscribe("", nil); !errors.Is(err, ErrEmptyHost) {
		t.Fatalf("expected ErrEmptyHost, got %v", err)
	}
}

func TestPollerDiffsAddressSets(t *testing.T) {
	resolver := &scriptedResolver{
		results: [][]string{
			{"10.0.0.1", "10.0.0.2"},
			{"10.0.0.2", "10.0.0.3"},
		},
		errs: []error{nil, nil},
	}
	log := &eventLog{}
	p := NewPoller(testConfig(), nil, WithResolver(resolver))

	sub, err := p.Subscribe("bucket.example.test", log.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Remove(nil)

	waitFor(t, "initial addresses", func() bool {
		return log.has(api.AddressAdded, "10.0.0.1") && log.has(api.AddressAdded, "10.0.0.2")
	})
	waitFor(t, "address churn", func() bool {
		return log.has(api.AddressAdded, "10.0.0.3") && log.has(api.AddressRemoved, "10.0.0.1")
	})
	if log.count(api.AddressAdded) != 3 {
		t.Fatalf("duplicate added events: %d", log.count(api.AddressAdded))
	}
}

func TestPollerReportsResolveFailure(t *testing.T) {
	boom := errors.New("nxdomain")
	resolver := &scriptedResolver{
		results: [][]string{nil, nil, nil},
		errs:    []error{boom, boom, boom},
	}
	log := &eventLog{}
	p := NewPoller(testConfig(), nil, WithResolver(resolver))

	sub, err := p.Subscribe("bucket.example.test", log.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Remove(nil)

	waitFor(t, "resolve failure event", func() bool {
		return log.count(api.ResolveFailed) >= 1
	})
	time.Sleep(20 * time.Millisecond)
	if log.count(api.ResolveFailed) != 1 {
		t.Fatalf("failure streak reported %d times, want once", log.count(api.ResolveFailed))
	}
}

func TestPollerReannouncesAfterRecovery(t *testing.T) {
	// A successful lookup after a reported failure streak must re-announce
	// the addresses even when the set is unchanged, so a listener that
	// flagged the endpoint invalid on ResolveFailed observes the recovery.
	boom := errors.New("nxdomain")
	resolver := &scriptedResolver{
		results: [][]string{
			{"10.0.0.1", "10.0.0.2"},
			nil,
			nil,
			{"10.0.0.1"},
		},
		errs: []error{nil, boom, boom, nil},
	}
	log := &eventLog{}
	p := NewPoller(testConfig(), nil, WithResolver(resolver))

	sub, err := p.Subscribe("bucket.example.test", log.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Remove(nil)

	waitFor(t, "initial addresses", func() bool {
		return log.has(api.AddressAdded, "10.0.0.1") && log.has(api.AddressAdded, "10.0.0.2")
	})
	waitFor(t, "resolve failure event", func() bool {
		return log.count(api.ResolveFailed) == 1
	})
	waitFor(t, "surviving address re-announced", func() bool {
		return log.count(api.AddressAdded) == 3
	})
	waitFor(t, "vanished address removed", func() bool {
		return log.has(api.AddressRemoved, "10.0.0.2")
	})
}

func TestRemoveConfirmsOnce(t *testing.T) {
	resolver := &scriptedResolver{results: [][]string{{"10.0.0.1"}}, errs: []error{nil}}
	p := NewPoller(testConfig(), nil, WithResolver(resolver))

	sub, err := p.Subscribe("bucket.example.test", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	done := make(chan struct{})
	sub.Remove(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("remove never confirmed")
	}
	// A second Remove must not panic or double-close anything.
	sub.Remove(nil)
}
