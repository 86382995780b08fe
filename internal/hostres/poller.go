// Package hostres provides the default host resolver collaborator: a
// polling resolver that diffs successive lookups into address added and
// removed events.
package hostres

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"pkt.systems/manifold/api"
	"pkt.systems/manifold/internal/logfields"
	"pkt.systems/pslog"
)

const (
	// DefaultInterval is the baseline delay between lookups.
	DefaultInterval = 5 * time.Second
	// DefaultJitter staggers lookups across subscriptions.
	DefaultJitter = 500 * time.Millisecond
	// DefaultLookupTimeout bounds a single lookup.
	DefaultLookupTimeout = 3 * time.Second
	// DefaultFailureThreshold is how many consecutive lookup failures are
	// tolerated before a ResolveFailed event is emitted.
	DefaultFailureThreshold = 3
)

// ErrEmptyHost is returned when Subscribe is called without a host.
var ErrEmptyHost = errors.New("hostres: empty host")

type ipResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Config tunes the polling loop.
type Config struct {
	// Interval is the baseline delay between lookups.
	Interval time.Duration
	// Jitter adds a random delay on top of Interval.
	Jitter time.Duration
	// LookupTimeout bounds a single lookup.
	LookupTimeout time.Duration
	// FailureThreshold is the consecutive-failure count that triggers a
	// ResolveFailed event.
	FailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Jitter < 0 {
		c.Jitter = DefaultJitter
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// Poller implements api.HostResolver on top of net.Resolver.
type Poller struct {
	cfg      Config
	resolver ipResolver
	logger   pslog.Logger
}

// Option customises a Poller.
type Option func(*Poller)

// WithResolver swaps the underlying lookup implementation (tests).
func WithResolver(r ipResolver) Option {
	return func(p *Poller) {
		if r != nil {
			p.resolver = r
		}
	}
}

// NewPoller builds a polling resolver.
func NewPoller(cfg Config, logger pslog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	p := &Poller{
		cfg:      cfg.withDefaults(),
		resolver: net.DefaultResolver,
		logger:   logfields.WithSubsystem(logger, "client.hostres"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe starts a polling loop for host. Events are delivered
// sequentially from the loop goroutine.
func (p *Poller) Subscribe(host string, fn func(api.HostEvent)) (api.HostSubscription, error) {
	if host == "" {
		return nil, ErrEmptyHost
	}
	if fn == nil {
		fn = func(api.HostEvent) {}
	}
	s := &subscription{
		poller:  p,
		host:    host,
		fn:      fn,
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

type subscription struct {
	poller *Poller
	host   string
	fn     func(api.HostEvent)

	quit     chan struct{}
	stopped  chan struct{}
	quitOnce sync.Once
}

// Remove stops the loop; done fires once no further events will be
// delivered.
func (s *subscription) Remove(done func()) {
	s.quitOnce.Do(func() { close(s.quit) })
	go func() {
		<-s.stopped
		if done != nil {
			done()
		}
	}()
}

func (s *subscription) loop() {
	defer close(s.stopped)

	known := map[string]struct{}{}
	failures := 0
	failureReported := false
	cfg := s.poller.cfg

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.LookupTimeout)
		addrs, err := s.poller.resolver.LookupHost(ctx, s.host)
		cancel()

		if err != nil {
			failures++
			s.poller.logger.Debug("manifold.hostres.lookup_failed",
				"host", s.host,
				"consecutive", failures,
				"error", err)
			if failures >= cfg.FailureThreshold && !failureReported {
				failureReported = true
				s.poller.logger.Warn("manifold.hostres.resolve_failed",
					"host", s.host,
					"threshold", cfg.FailureThreshold,
					"error", err)
				s.fn(api.HostEvent{Kind: api.ResolveFailed, Err: err})
			}
		} else {
			failures = 0
			if failureReported {
				failureReported = false
				// After a reported failure streak the listener may have
				// flagged the endpoint invalid. Forget the surviving
				// addresses so they re-announce as added; addresses that
				// vanished during the streak still diff as removed.
				for _, addr := range addrs {
					delete(known, addr)
				}
				s.poller.logger.Info("manifold.hostres.recovered", "host", s.host)
			}
			s.diff(known, addrs)
		}

		delay := cfg.Interval
		if cfg.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(cfg.Jitter)))
		}
		timer.Reset(delay)
	}
}

// diff emits added/removed events for the delta between known and current,
// mutating known in place.
func (s *subscription) diff(known map[string]struct{}, current []string) {
	seen := make(map[string]struct{}, len(current))
	sort.Strings(current)
	for _, addr := range current {
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if _, ok := known[addr]; !ok {
			known[addr] = struct{}{}
			s.poller.logger.Debug("manifold.hostres.address_added", "host", s.host, "address", addr)
			s.fn(api.HostEvent{Kind: api.AddressAdded, Address: addr})
		}
	}
	for addr := range known {
		if _, ok := seen[addr]; !ok {
			delete(known, addr)
			s.poller.logger.Debug("manifold.hostres.address_removed", "host", s.host, "address", addr)
			s.fn(api.HostEvent{Kind: api.AddressRemoved, Address: addr})
		}
	}
}
