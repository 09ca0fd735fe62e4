// Package metrics records regulator ticks as OpenTelemetry instruments and Prometheus collectors.
package metrics

import (
	"context"

	"github.com/nimdanitro/humidity-manager-go/pkg/apierr"
	"github.com/nimdanitro/humidity-manager-go/pkg/regulator"
	"github.com/nimdanitro/humidity-manager-go/pkg/vesync"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	humidity    metric.Float64Gauge
	temperature metric.Float64Gauge
	outletState metric.Int64Gauge
	readingAge  metric.Float64Histogram

	ticks    prometheus.Counter
	errors   *prometheus.CounterVec
	commands *prometheus.CounterVec
	state    prometheus.Gauge
	lastRH   prometheus.Gauge
}

func New(meter metric.Meter, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.humidity, err = meter.Float64Gauge("sensor.humidity",
		metric.WithUnit("%rH"),
		metric.WithDescription("Enclosure relative humidity as a percentage"),
	)
	if err != nil {
		return nil, err
	}
	m.temperature, err = meter.Float64Gauge("sensor.temperature",
		metric.WithUnit("°F"),
		metric.WithDescription("Enclosure temperature as reported by SensorPush"),
	)
	if err != nil {
		return nil, err
	}
	m.outletState, err = meter.Int64Gauge("outlet.state",
		metric.WithDescription("Last commanded outlet state (1 on, 0 off, -1 unknown)"),
	)
	if err != nil {
		return nil, err
	}
	m.readingAge, err = meter.Float64Histogram("sensor.lastReading.duration",
		metric.WithDescription("The age of the sensor reading when it was used."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "humidity_manager_ticks_total",
		Help: "Number of control loop ticks.",
	})
	m.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "humidity_manager_tick_errors_total",
		Help: "Number of failed ticks by error kind.",
	}, []string{"kind"})
	m.commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "humidity_manager_outlet_commands_total",
		Help: "Number of accepted outlet commands by state.",
	}, []string{"state"})
	m.state = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "humidity_manager_outlet_state",
		Help: "Last commanded outlet state (1 on, 0 off, -1 unknown).",
	})
	m.lastRH = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "humidity_manager_humidity_percent",
		Help: "Last relative humidity reading.",
	})

	for _, c := range []prometheus.Collector{m.ticks, m.errors, m.commands, m.state, m.lastRH} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	m.state.Set(stateValue(vesync.Unknown))

	return m, nil
}

// Observe implements regulator.Observer.
func (m *Metrics) Observe(ctx context.Context, ev regulator.Event) error {
	m.ticks.Inc()

	if ev.Err != nil {
		m.errors.WithLabelValues(apierr.Kind(ev.Err)).Inc()
	}

	if r := ev.Reading; r != nil {
		attrs := metric.WithAttributes(
			attribute.String("sensor.id", r.SensorID),
			attribute.String("sensor.name", r.Name),
		)
		m.humidity.Record(ctx, r.Humidity, attrs)
		m.temperature.Record(ctx, r.Temperature, attrs)
		if !r.Observed.IsZero() {
			m.readingAge.Record(ctx, ev.Time.Sub(r.Observed).Seconds(), attrs)
		}
		m.lastRH.Set(r.Humidity)
	}

	for _, c := range ev.Commands {
		m.commands.WithLabelValues(c.State.String()).Inc()
	}

	v := stateValue(ev.State)
	m.outletState.Record(ctx, int64(v))
	m.state.Set(v)
	return nil
}

func stateValue(s vesync.State) float64 {
	switch s {
	case vesync.On:
		return 1
	case vesync.Off:
		return 0
	default:
		return -1
	}
}
