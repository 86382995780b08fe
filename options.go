package manifold

import (
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/manifold/api"
	"pkt.systems/pslog"
)

// Option customises a Client at construction time.
type Option func(*Client)

// WithLogger installs a structured logger. Defaults to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectionManagerFactory installs the collaborator that builds a
// connection manager per resolved address. Required.
func WithConnectionManagerFactory(factory api.ConnectionManagerFactory) Option {
	return func(c *Client) {
		c.factory = factory
	}
}

// WithHostResolver swaps the host resolution collaborator. Defaults to the
// polling resolver backed by net.DefaultResolver.
func WithHostResolver(resolver api.HostResolver) Option {
	return func(c *Client) {
		if resolver != nil {
			c.resolver = resolver
		}
	}
}

// WithMeterProvider selects the OpenTelemetry meter provider for dispatch
// metrics. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Client) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithShutdownCallback registers fn to run once the client has completely
// cleaned up: references at zero, every vip drained, body delivery pool
// stopped, and the host listener removed.
func WithShutdownCallback(fn func()) Option {
	return func(c *Client) {
		c.shutdownCallback = fn
	}
}
