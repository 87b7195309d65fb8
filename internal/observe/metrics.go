// Package observe provides the metrics and HTTP middleware for keyreplay.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus scraping by [InitProvider]. Tests should use [NewMetrics]
// with their own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "keyreplay"

// Submission outcomes used as the "status" attribute.
const (
	StatusOK       = "ok"
	StatusInvalid  = "invalid"
	StatusNotFound = "not_found"
	StatusFailed   = "failed"
	StatusRetried  = "retried"
	StatusConflict = "conflict"
)

// Metrics holds the application instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// EventsRecorded counts keystroke events accepted by the recorder.
	EventsRecorded metric.Int64Counter

	// Submissions counts submission attempts. Use with attribute
	// attribute.String("status", ...).
	Submissions metric.Int64Counter

	// SubmissionEvents tracks the number of events per stored submission.
	SubmissionEvents metric.Int64Histogram

	// ActiveReplays tracks live websocket replay sessions.
	ActiveReplays metric.Int64UpDownCounter

	// HTTPRequestDuration tracks request processing time. Use with
	// attributes "method", "route" and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	var (
		m   Metrics
		err error
	)

	m.EventsRecorded, err = meter.Int64Counter("keyreplay.events.recorded",
		metric.WithDescription("Keystroke events accepted by the recorder."),
	)
	if err != nil {
		return nil, err
	}

	m.Submissions, err = meter.Int64Counter("keyreplay.submissions",
		metric.WithDescription("Submission attempts by outcome."),
	)
	if err != nil {
		return nil, err
	}

	m.SubmissionEvents, err = meter.Int64Histogram("keyreplay.submission.events",
		metric.WithDescription("Events per stored submission."),
		metric.WithExplicitBucketBoundaries(0, 10, 50, 100, 500, 1000, 5000, 10000, 50000),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveReplays, err = meter.Int64UpDownCounter("keyreplay.replays.active",
		metric.WithDescription("Open replay sessions."),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram("keyreplay.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns metrics bound to the global meter provider. It
// panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordSubmission counts one submission with the given status. For
// successful submissions the event count is recorded as well.
func (m *Metrics) RecordSubmission(ctx context.Context, status string, events int) {
	m.Submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status == StatusOK || status == StatusRetried {
		m.SubmissionEvents.Record(ctx, int64(events))
	}
}

// RecordEvents counts n recorded events.
func (m *Metrics) RecordEvents(ctx context.Context, n int) {
	m.EventsRecorded.Add(ctx, int64(n))
}

// ReplayOpened increments the active replay gauge.
func (m *Metrics) ReplayOpened(ctx context.Context) {
	m.ActiveReplays.Add(ctx, 1)
}

// ReplayClosed decrements the active replay gauge.
func (m *Metrics) ReplayClosed(ctx context.Context) {
	m.ActiveReplays.Add(ctx, -1)
}
