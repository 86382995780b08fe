package manifold

import (
	"crypto/tls"
	"math"
)

const (
	// MinPartSize is the smallest part size the storage service accepts
	// for multipart transfers.
	MinPartSize = 5 * 1024 * 1024
	// DefaultPartSize is used when Config.PartSize is zero.
	DefaultPartSize = 8 * 1024 * 1024
	// DefaultMaxPartSize bounds caller-requested part sizes.
	DefaultMaxPartSize = 5 * 1024 * 1024 * 1024
	// DefaultThroughputTargetGbps is the aggregate throughput the client
	// sizes its path pool toward when no target is configured.
	DefaultThroughputTargetGbps = 10.0
	// DefaultThroughputPerVIPGbps is the assumed sustainable throughput of
	// one path. It is a sizing heuristic, not a measurement; override it or
	// install a VIPCountPolicy when observed behavior differs.
	DefaultThroughputPerVIPGbps = 6.25
	// DefaultSlotsPerVIP is how many connection slots each path carries.
	DefaultSlotsPerVIP = 10
	// DefaultMaxRequestsPerConnection is the per-connection request ceiling;
	// the service closes connections that serve more, so slots retire a
	// connection proactively once the ceiling is reached.
	DefaultMaxRequestsPerConnection = 100
	// DefaultBodyDeliveryWorkers bounds concurrent payload deliveries to
	// callers.
	DefaultBodyDeliveryWorkers = 4
)

// VIPCountPolicy converts a throughput target into an ideal path count.
type VIPCountPolicy func(throughputTargetGbps float64) int

// Config is the immutable client configuration.
type Config struct {
	// Region of the target bucket, passed through to collaborators.
	Region string
	// Endpoint is the host whose resolved addresses become paths.
	Endpoint string
	// PartSize is the transfer part size handed to meta-requests.
	PartSize int64
	// MaxPartSize bounds caller-requested part sizes.
	MaxPartSize int64
	// ThroughputTargetGbps is the aggregate throughput to size toward.
	ThroughputTargetGbps float64
	// ThroughputPerVIPGbps is the assumed per-path throughput used by the
	// default sizing formula.
	ThroughputPerVIPGbps float64
	// VIPCountPolicy overrides the default ceil(target/perVIP) sizing.
	VIPCountPolicy VIPCountPolicy
	// SlotsPerVIP is the number of connection slots allocated per path.
	SlotsPerVIP int
	// MaxRequestsPerConnection is the per-connection request ceiling.
	MaxRequestsPerConnection int
	// MaxRequestsInFlight caps requests admitted but not yet destroyed.
	// Zero means unbounded.
	MaxRequestsInFlight int
	// BodyDeliveryWorkers bounds concurrent payload deliveries to callers.
	BodyDeliveryWorkers int
	// TLS holds connection TLS options passed to the connection manager
	// factory; nil means plaintext.
	TLS *tls.Config
	// SigningConfig is cached on the client and handed to meta-requests;
	// the engine never inspects it.
	SigningConfig any
	// RetryStrategy is cached on the client and handed to meta-requests;
	// retry timing decisions are out of the engine's scope.
	RetryStrategy any
}

func (c Config) withDefaults() Config {
	if c.PartSize == 0 {
		c.PartSize = DefaultPartSize
	}
	if c.MaxPartSize == 0 {
		c.MaxPartSize = DefaultMaxPartSize
	}
	if c.ThroughputTargetGbps == 0 {
		c.ThroughputTargetGbps = DefaultThroughputTargetGbps
	}
	if c.ThroughputPerVIPGbps <= 0 {
		c.ThroughputPerVIPGbps = DefaultThroughputPerVIPGbps
	}
	if c.SlotsPerVIP <= 0 {
		c.SlotsPerVIP = DefaultSlotsPerVIP
	}
	if c.MaxRequestsPerConnection <= 0 {
		c.MaxRequestsPerConnection = DefaultMaxRequestsPerConnection
	}
	if c.BodyDeliveryWorkers <= 0 {
		c.BodyDeliveryWorkers = DefaultBodyDeliveryWorkers
	}
	return c
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return &ConfigError{Field: "Endpoint", Detail: "endpoint host is required"}
	}
	if c.PartSize < MinPartSize {
		return &ConfigError{Field: "PartSize", Detail: "below service minimum"}
	}
	if c.MaxPartSize < c.PartSize {
		return &ConfigError{Field: "MaxPartSize", Detail: "smaller than PartSize"}
	}
	if c.ThroughputTargetGbps <= 0 {
		return &ConfigError{Field: "ThroughputTargetGbps", Detail: "must be positive"}
	}
	if c.MaxRequestsInFlight < 0 {
		return &ConfigError{Field: "MaxRequestsInFlight", Detail: "must not be negative"}
	}
	return nil
}

// idealVIPCount derives the path pool target from the throughput target.
func (c Config) idealVIPCount() int {
	if c.VIPCountPolicy != nil {
		if n := c.VIPCountPolicy(c.ThroughputTargetGbps); n > 0 {
			return n
		}
		return 1
	}
	n := int(math.Ceil(c.ThroughputTargetGbps / c.ThroughputPerVIPGbps))
	if n < 1 {
		n = 1
	}
	return n
}
