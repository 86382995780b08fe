package api

import "crypto/tls"

// Connection is one live transport connection owned by a ConnectionManager.
// The dispatch core treats it as opaque and only routes it between slots,
// requests, and its owning manager.
type Connection interface{}

// Request is one unit of work issued on exactly one connection.
type Request interface {
	// Send starts the request on conn and returns without blocking;
	// finished must be invoked exactly once with the terminal outcome and
	// may be called from any goroutine.
	Send(conn Connection, finished func(error))
}

// MetaRequest is a logical transfer that yields a stream of individual
// requests. The dispatch core pulls work from it and reports completions
// back; it never reorders the requests a meta-request supplies.
//
// All three methods are invoked from the scheduler goroutine. Slow work in
// OnRequestFinished stalls dispatch for the whole client; push anything
// heavy (body delivery to the caller in particular) through
// Client.ScheduleBodyDelivery instead.
type MetaRequest interface {
	// HasWork reports whether NextRequest would currently yield a request.
	HasWork() bool
	// NextRequest returns the next pending request, or nil when none is
	// ready right now.
	NextRequest() Request
	// OnRequestFinished delivers the terminal outcome for a request
	// previously returned by NextRequest. A nil error means the request
	// completed on its connection; retry decisions belong to the
	// meta-request layer.
	OnRequestFinished(req Request, err error)
}

// ConnectionAcquiredFn receives the outcome of an asynchronous connection
// acquisition. Exactly one of conn/err is meaningful.
type ConnectionAcquiredFn func(conn Connection, err error)

// ConnectionManager produces and recycles connections for a single
// resolved address.
type ConnectionManager interface {
	// AcquireConnection requests a connection; fn is invoked exactly once,
	// possibly synchronously, possibly from another goroutine.
	AcquireConnection(fn ConnectionAcquiredFn)
	// ReleaseConnection returns a connection previously handed out by
	// AcquireConnection.
	ReleaseConnection(conn Connection)
	// Shutdown begins asynchronous teardown. done is invoked exactly once
	// when every outstanding connection has drained. The dispatch core
	// relies on the exactly-once contract; a manager that never confirms
	// leaves its owning client waiting by design.
	Shutdown(done func())
}

// ConnectionManagerOptions carries the per-address settings a factory
// needs to build a manager.
type ConnectionManagerOptions struct {
	// HostAddress is the resolved address the manager is bound to.
	HostAddress string
	// TLS holds the client's connection TLS options; nil means plaintext.
	TLS *tls.Config
	// MaxConnections caps connections the manager should keep open,
	// matching the slot count the client allocates against the address.
	MaxConnections int
}

// ConnectionManagerFactory builds a ConnectionManager for one resolved
// address.
type ConnectionManagerFactory func(opts ConnectionManagerOptions) (ConnectionManager, error)

// HostEventKind enumerates host resolution notifications.
type HostEventKind int

const (
	// AddressAdded reports a newly resolved address for the host.
	AddressAdded HostEventKind = iota + 1
	// AddressRemoved reports that a previously reported address is gone.
	AddressRemoved
	// ResolveFailed reports that resolution produced no usable endpoint.
	ResolveFailed
)

func (k HostEventKind) String() string {
	switch k {
	case AddressAdded:
		return "address_added"
	case AddressRemoved:
		return "address_removed"
	case ResolveFailed:
		return "resolve_failed"
	}
	return "unknown"
}

// HostEvent is a single resolution notification.
type HostEvent struct {
	Kind    HostEventKind
	Address string
	// Err carries the resolver failure for ResolveFailed events.
	Err error
}

// HostResolver delivers address change notifications for a host.
type HostResolver interface {
	// Subscribe registers fn to receive events for host. Events for one
	// subscription are delivered sequentially.
	Subscribe(host string, fn func(HostEvent)) (HostSubscription, error)
}

// HostSubscription is an active resolver registration.
type HostSubscription interface {
	// Remove unregisters the listener asynchronously; done is invoked
	// exactly once when no further events will be delivered.
	Remove(done func())
}
