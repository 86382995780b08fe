package manifold

import "fmt"

// ConfigError reports invalid client configuration. It is returned from
// New and is never retryable.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifold: invalid config: %s: %s", e.Field, e.Detail)
	}
	return fmt.Sprintf("manifold: invalid config: %s", e.Detail)
}

// ConnectionError reports a connection acquisition failure. It is surfaced
// to the specific pending request so the meta-request's retry layer can
// decide; the scheduler keeps servicing other slots.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("manifold: connection to %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// EndpointError reports that host resolution produced no usable endpoint.
// While the endpoint is invalid every pending and future request fails
// fast with this error until resolution recovers.
type EndpointError struct {
	Host string
	Err  error
}

func (e *EndpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("manifold: no usable endpoint for %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("manifold: no usable endpoint for %s", e.Host)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// LifecycleError reports a programming error such as a double destroy or a
// shutdown confirmation firing twice. These are fatal: the engine panics
// with a LifecycleError rather than silently corrupting state.
type LifecycleError struct {
	Op     string
	Detail string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("manifold: lifecycle violation in %s: %s", e.Op, e.Detail)
}
