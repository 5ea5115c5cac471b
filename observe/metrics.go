// Package observe holds the relay's OpenTelemetry metric instruments and the
// SDK provider setup that exposes them to Prometheus.
//
// Tests should build a [Metrics] with [NewMetrics] over their own
// [metric.MeterProvider] (for example one backed by a ManualReader) instead of
// relying on the global provider.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/medrevise/realtime-relay"

// Frame directions
const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

// Drop reasons
const (
	DropMalformed   = "malformed"
	DropUpstreamErr = "upstream_unavailable"
	DropNotJSON     = "upstream_not_json"
)

// Metrics groups every instrument recorded by the relay
type Metrics struct {
	// ActiveSessions tracks live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Frames counts relayed frames, attribute "direction".
	Frames metric.Int64Counter

	// FramesDropped counts frames that were not forwarded, attribute "reason".
	FramesDropped metric.Int64Counter

	// UpstreamConnects counts connect attempts, attribute "status".
	UpstreamConnects metric.Int64Counter

	// UpstreamErrors counts upstream runtime socket errors.
	UpstreamErrors metric.Int64Counter
}

// NewMetrics creates the instruments on mp
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("relay.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("relay.frames",
		metric.WithDescription("Frames relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("relay.frames.dropped",
		metric.WithDescription("Frames not forwarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamConnects, err = m.Int64Counter("relay.upstream.connects",
		metric.WithDescription("Upstream connect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("relay.upstream.errors",
		metric.WithDescription("Upstream socket errors."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Noop returns Metrics that record nothing
func Noop() *Metrics {
	met, _ := NewMetrics(noop.NewMeterProvider())
	return met
}

// RecordFrame counts one relayed frame
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordDrop counts one frame that was not forwarded
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConnect counts one upstream connect attempt
func (m *Metrics) RecordConnect(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.UpstreamConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
