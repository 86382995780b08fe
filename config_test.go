package manifold

import (
	"errors"
	"testing"
)

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name  string
		cfg   Config
		field string
	}{
		{
			name:  "missing endpoint",
			cfg:   Config{},
			field: "Endpoint",
		},
		{
			name:  "part size below minimum",
			cfg:   Config{Endpoint: "e", PartSize: MinPartSize - 1},
			field: "PartSize",
		},
		{
			name:  "max part below part size",
			cfg:   Config{Endpoint: "e", PartSize: 16 << 20, MaxPartSize: 8 << 20},
			field: "MaxPartSize",
		},
		{
			name:  "negative throughput target",
			cfg:   Config{Endpoint: "e", ThroughputTargetGbps: -1},
			field: "ThroughputTargetGbps",
		},
		{
			name:  "negative in-flight cap",
			cfg:   Config{Endpoint: "e", MaxRequestsInFlight: -1},
			field: "MaxRequestsInFlight",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.withDefaults().validate()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, cfgErr.Field)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Endpoint: "bucket.example.test"}.withDefaults()
	if err := cfg.validate(); err != nil {
		t.Fatalf("defaulted config invalid: %v", err)
	}
	if cfg.PartSize != DefaultPartSize {
		t.Fatalf("part size default not applied: %d", cfg.PartSize)
	}
	if cfg.SlotsPerVIP != DefaultSlotsPerVIP {
		t.Fatalf("slots per vip default not applied: %d", cfg.SlotsPerVIP)
	}
	if cfg.MaxRequestsPerConnection != DefaultMaxRequestsPerConnection {
		t.Fatalf("request ceiling default not applied: %d", cfg.MaxRequestsPerConnection)
	}
}

func TestIdealVIPCount(t *testing.T) {
	cases := []struct {
		name   string
		target float64
		perVIP float64
		policy VIPCountPolicy
		want   int
	}{
		{name: "exact multiple", target: 12.5, perVIP: 6.25, want: 2},
		{name: "rounds up", target: 10, perVIP: 6.25, want: 2},
		{name: "below one path", target: 1, perVIP: 6.25, want: 1},
		{name: "policy override", target: 10, perVIP: 6.25, policy: func(float64) int { return 7 }, want: 7},
		{name: "policy floor", target: 10, perVIP: 6.25, policy: func(float64) int { return 0 }, want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				Endpoint:             "e",
				ThroughputTargetGbps: tc.target,
				ThroughputPerVIPGbps: tc.perVIP,
				VIPCountPolicy:       tc.policy,
			}.withDefaults()
			if got := cfg.idealVIPCount(); got != tc.want {
				t.Fatalf("ideal vip count = %d, want %d", got, tc.want)
			}
		})
	}
}
