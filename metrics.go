package manifold

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// clientMetrics exposes dispatch engine metrics through the OTel metric
// API. Gauges observe the shared-state mirrors so the callback never reads
// thread-confined scheduler state.
type clientMetrics struct {
	vipsActive    metric.Int64ObservableGauge
	vipsAllocated metric.Int64ObservableGauge
	slotsIdle     metric.Int64ObservableGauge
	inFlight      metric.Int64ObservableGauge
	pending       metric.Int64ObservableGauge

	dispatched   metric.Int64Counter
	failed       metric.Int64Counter
	acquisitions metric.Int64Counter
	runs         metric.Int64Counter

	registration metric.Registration
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("manifold.metric.init_failed", "name", name, "error", err)
	}
}

func newClientMetrics(c *Client) *clientMetrics {
	mp := c.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("pkt.systems/manifold")
	m := &clientMetrics{}
	var err error

	m.vipsActive, err = meter.Int64ObservableGauge(
		"manifold.vips.active",
		metric.WithDescription("Paths currently serving new work"),
	)
	logMetricInitError(c.logger, "manifold.vips.active", err)

	m.vipsAllocated, err = meter.Int64ObservableGauge(
		"manifold.vips.allocated",
		metric.WithDescription("Paths allocated, including ones still draining"),
	)
	logMetricInitError(c.logger, "manifold.vips.allocated", err)

	m.slotsIdle, err = meter.Int64ObservableGauge(
		"manifold.slots.idle",
		metric.WithDescription("Idle connection slots"),
	)
	logMetricInitError(c.logger, "manifold.slots.idle", err)

	m.inFlight, err = meter.Int64ObservableGauge(
		"manifold.requests.in_flight",
		metric.WithDescription("Requests dispatched onto connections and not yet finished"),
	)
	logMetricInitError(c.logger, "manifold.requests.in_flight", err)

	m.pending, err = meter.Int64ObservableGauge(
		"manifold.requests.pending",
		metric.WithDescription("Requests admitted and not yet destroyed"),
	)
	logMetricInitError(c.logger, "manifold.requests.pending", err)

	m.dispatched, err = meter.Int64Counter(
		"manifold.requests.dispatched",
		metric.WithDescription("Requests assigned to a connection slot"),
	)
	logMetricInitError(c.logger, "manifold.requests.dispatched", err)

	m.failed, err = meter.Int64Counter(
		"manifold.requests.failed",
		metric.WithDescription("Requests failed by the dispatch core"),
	)
	logMetricInitError(c.logger, "manifold.requests.failed", err)

	m.acquisitions, err = meter.Int64Counter(
		"manifold.connections.acquired",
		metric.WithDescription("Connections handed to slots by connection managers"),
	)
	logMetricInitError(c.logger, "manifold.connections.acquired", err)

	m.runs, err = meter.Int64Counter(
		"manifold.sched.runs",
		metric.WithDescription("Work-processing scheduler runs"),
	)
	logMetricInitError(c.logger, "manifold.sched.runs", err)

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := c.Stats()
		if m.vipsActive != nil {
			o.ObserveInt64(m.vipsActive, int64(st.ActiveVIPs))
		}
		if m.vipsAllocated != nil {
			o.ObserveInt64(m.vipsAllocated, int64(st.AllocatedVIPs))
		}
		if m.slotsIdle != nil {
			o.ObserveInt64(m.slotsIdle, int64(st.IdleSlots))
		}
		if m.inFlight != nil {
			o.ObserveInt64(m.inFlight, int64(st.RequestsInFlight))
		}
		if m.pending != nil {
			o.ObserveInt64(m.pending, int64(st.PendingRequests))
		}
		return nil
	}, m.vipsActive, m.vipsAllocated, m.slotsIdle, m.inFlight, m.pending)
	if err != nil && c.logger != nil {
		c.logger.Warn("manifold.metric.callback_failed", "error", err)
	}

	return m
}

func (m *clientMetrics) recordRequestDispatched() {
	if m != nil && m.dispatched != nil {
		m.dispatched.Add(context.Background(), 1)
	}
}

func (m *clientMetrics) recordRequestFailed() {
	if m != nil && m.failed != nil {
		m.failed.Add(context.Background(), 1)
	}
}

func (m *clientMetrics) recordConnectionAcquired() {
	if m != nil && m.acquisitions != nil {
		m.acquisitions.Add(context.Background(), 1)
	}
}

func (m *clientMetrics) recordRun() {
	if m != nil && m.runs != nil {
		m.runs.Add(context.Background(), 1)
	}
}

func (m *clientMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
	m.registration = nil
}
