// Package regulator drives a humidifying outlet from sensor readings.
//
// A Regulator ticks on a fixed interval. Each tick reads the sensor, decides
// the outlet state and issues at most the commands needed to reach it. Client
// errors are logged and the next tick tries again; nothing in here is fatal.
package regulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimdanitro/humidity-manager-go/pkg/apierr"
	"github.com/nimdanitro/humidity-manager-go/pkg/sensorpush"
	"github.com/nimdanitro/humidity-manager-go/pkg/vesync"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const scope = "github.com/nimdanitro/humidity-manager-go/pkg/regulator"

// offTimeout bounds the OFF command sent after a pulse even when ctx is already done.
const offTimeout = 30 * time.Second

type Settings struct {
	Sensor     string
	Outlet     string
	Thresholds Thresholds
	// added to every reading before comparing against the thresholds
	TriggerOffset        float64
	ThresholdsFromSensor bool
	PollInterval         time.Duration
	Mode                 Mode
	PulseDuration        time.Duration
	Cooldown             time.Duration
}

func (s Settings) Validate() error {
	if s.Sensor == "" {
		return errors.New("sensor is required")
	}
	if s.Outlet == "" {
		return errors.New("outlet is required")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", s.PollInterval)
	}
	if !s.ThresholdsFromSensor {
		if err := s.Thresholds.Validate(); err != nil {
			return err
		}
	}
	switch s.Mode {
	case ModeHysteresis:
	case ModePulse:
		if s.PulseDuration <= 0 {
			return fmt.Errorf("pulse duration must be positive, got %s", s.PulseDuration)
		}
		if s.PulseDuration >= s.PollInterval {
			return fmt.Errorf("pulse duration %s must be shorter than the poll interval %s", s.PulseDuration, s.PollInterval)
		}
		if s.Cooldown < 0 {
			return fmt.Errorf("cooldown must not be negative, got %s", s.Cooldown)
		}
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	return nil
}

// Command is an outlet switch that the vendor accepted.
type Command struct {
	Outlet string       `json:"outlet"`
	State  vesync.State `json:"state"`
	Reason string       `json:"reason"`
	Issued time.Time    `json:"issued"`
}

// Event summarises one tick for observers.
type Event struct {
	Time       time.Time
	Reading    *sensorpush.Reading
	Commands   []Command
	State      vesync.State
	Thresholds Thresholds
	Err        error
}

// Observer is notified after every tick. Errors are logged and otherwise ignored.
type Observer interface {
	Observe(ctx context.Context, ev Event) error
}

type ObserverFunc func(ctx context.Context, ev Event) error

func (f ObserverFunc) Observe(ctx context.Context, ev Event) error { return f(ctx, ev) }

type Regulator struct {
	sensor    sensorpush.Reader
	outlet    vesync.Switcher
	cfg       Settings
	log       *zap.Logger
	tracer    trace.Tracer
	observers []Observer

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	// last state the outlet was successfully commanded to
	state     vesync.State
	lastPulse time.Time
	// last thresholds that were applied
	band Thresholds
}

type Option func(r *Regulator) error

func New(sensor sensorpush.Reader, outlet vesync.Switcher, cfg Settings, opts ...Option) (*Regulator, error) {
	if sensor == nil || outlet == nil {
		return nil, errors.New("regulator: sensor and outlet clients are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("regulator: %w", err)
	}

	r := &Regulator{
		sensor: sensor,
		outlet: outlet,
		cfg:    cfg,
		log:    zap.L(),
		tracer: otel.Tracer(scope),
		now:    time.Now,
		wait:   sleep,
	}
	if !cfg.ThresholdsFromSensor {
		r.band = cfg.Thresholds
	}

	for _, o := range opts {
		err := o(r)
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Regulator) error {
		r.log = l
		return nil
	}
}

func WithObservers(obs ...Observer) Option {
	return func(r *Regulator) error {
		for _, o := range obs {
			if o != nil {
				r.observers = append(r.observers, o)
			}
		}
		return nil
	}
}

// State returns the last commanded outlet state.
func (r *Regulator) State() vesync.State {
	return r.state
}

// Run seeds the outlet state and ticks until ctx is cancelled.
func (r *Regulator) Run(ctx context.Context) {
	r.log.Info("starting humidity regulation",
		zap.String("sensor", r.cfg.Sensor),
		zap.String("outlet", r.cfg.Outlet),
		zap.String("mode", string(r.cfg.Mode)),
		zap.Duration("interval", r.cfg.PollInterval),
	)

	r.Seed(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.Tick(ctx)

	for {
		select {
		case <-ticker.C:
			r.Tick(ctx)
		case <-ctx.Done():
			r.log.Info("stopping humidity regulation", zap.Stringer("state", r.state))
			return
		}
	}
}

// Seed queries the outlet once so that a dead-band reading keeps the current relay state.
func (r *Regulator) Seed(ctx context.Context) {
	s, err := r.outlet.GetState(ctx, r.cfg.Outlet)
	if err != nil {
		r.log.Warn("cannot query outlet state, starting unknown",
			zap.String("outlet", r.cfg.Outlet),
			zap.String("kind", apierr.Kind(err)),
			zap.Error(err),
		)
		return
	}
	r.state = s
	r.log.Info("outlet state seeded", zap.String("outlet", r.cfg.Outlet), zap.Stringer("state", s))
}

// Tick runs one read-decide-act cycle and notifies the observers.
func (r *Regulator) Tick(ctx context.Context) Event {
	ctx, span := r.tracer.Start(ctx, "regulator.tick",
		trace.WithAttributes(attribute.String("regulator.mode", string(r.cfg.Mode))))
	defer span.End()

	ev := Event{Time: r.now(), Thresholds: r.band}
	ev.Err = r.tick(ctx, &ev)
	ev.State = r.state

	if ev.Err != nil {
		span.RecordError(ev.Err)
		span.SetStatus(codes.Error, apierr.Kind(ev.Err))
		r.log.Error("humidity check failed",
			zap.String("kind", apierr.Kind(ev.Err)),
			zap.Stringer("state", r.state),
			zap.Error(ev.Err),
		)
	}
	span.SetAttributes(attribute.String("outlet.state", r.state.String()))

	for _, o := range r.observers {
		if err := o.Observe(ctx, ev); err != nil {
			r.log.Warn("observer failed", zap.Error(err))
		}
	}
	return ev
}

func (r *Regulator) tick(ctx context.Context, ev *Event) error {
	// in pulse mode the mister is only ever on inside a pulse, so anything
	// but a confirmed OFF is switched off before anything else
	if r.cfg.Mode == ModePulse && r.state != vesync.Off {
		reason := "finish interrupted pulse"
		if r.state == vesync.Unknown {
			reason = "outlet state unknown, making sure the mister is off"
		}
		if err := r.command(ctx, ev, vesync.Off, reason); err != nil {
			return err
		}
	}

	t, err := r.thresholds(ctx)
	if err != nil {
		return err
	}
	r.band = t
	ev.Thresholds = t

	reading, err := r.sensor.ReadHumidity(ctx, r.cfg.Sensor)
	if err != nil {
		return fmt.Errorf("read humidity: %w", err)
	}
	ev.Reading = &reading
	trace.SpanFromContext(ctx).SetAttributes(attribute.Float64("sensor.humidity", reading.Humidity))

	h := reading.Humidity + r.cfg.TriggerOffset
	if r.cfg.Mode == ModePulse {
		return r.pulse(ctx, ev, h, t)
	}
	return r.regulate(ctx, ev, h, t)
}

func (r *Regulator) regulate(ctx context.Context, ev *Event, h float64, t Thresholds) error {
	desired := Decide(h, t, r.state)
	fields := []zap.Field{
		zap.Float64("humidity", ev.Reading.Humidity),
		zap.Float64("low", t.Low),
		zap.Float64("high", t.High),
		zap.Stringer("state", r.state),
	}

	if desired == r.state || desired == vesync.Unknown {
		r.log.Info("no outlet change needed", fields...)
		return nil
	}

	var reason string
	if desired == vesync.On {
		reason = fmt.Sprintf("humidity %.1f below lower limit %.1f", ev.Reading.Humidity, t.Low)
	} else {
		reason = fmt.Sprintf("humidity %.1f above upper limit %.1f", ev.Reading.Humidity, t.High)
	}
	r.log.Info(reason, append(fields, zap.Stringer("desired", desired))...)
	return r.command(ctx, ev, desired, reason)
}

func (r *Regulator) pulse(ctx context.Context, ev *Event, h float64, t Thresholds) error {
	fields := []zap.Field{
		zap.Float64("humidity", ev.Reading.Humidity),
		zap.Float64("low", t.Low),
	}

	if h >= t.Low {
		r.log.Info("humidity above lower limit, no misting necessary", fields...)
		return nil
	}

	if !r.lastPulse.IsZero() {
		since := r.now().Sub(r.lastPulse)
		if since < r.cfg.Cooldown {
			r.log.Info("misting cooling down, letting humidity adjust",
				append(fields, zap.Duration("sinceLastPulse", since), zap.Duration("cooldown", r.cfg.Cooldown))...)
			return nil
		}
	}

	reason := fmt.Sprintf("humidity %.1f below lower limit %.1f, misting for %s", ev.Reading.Humidity, t.Low, r.cfg.PulseDuration)
	r.log.Info(reason, fields...)

	if err := r.command(ctx, ev, vesync.On, reason); err != nil {
		// the relay may have switched before the call failed
		r.state = vesync.Unknown
		if offErr := r.stop(ctx, ev, "pulse failed to start"); offErr != nil {
			return errors.Join(err, offErr)
		}
		return err
	}
	r.lastPulse = r.now()

	waitErr := r.wait(ctx, r.cfg.PulseDuration)

	if err := r.stop(ctx, ev, "pulse finished"); err != nil {
		return err
	}
	return waitErr
}

// stop switches the mister off, even on shutdown.
func (r *Regulator) stop(ctx context.Context, ev *Event, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offTimeout)
	defer cancel()
	return r.command(ctx, ev, vesync.Off, reason)
}

func (r *Regulator) command(ctx context.Context, ev *Event, s vesync.State, reason string) error {
	err := r.outlet.SetState(ctx, r.cfg.Outlet, s)
	if err != nil {
		return fmt.Errorf("switch outlet %s: %w", s, err)
	}
	r.state = s
	ev.Commands = append(ev.Commands, Command{Outlet: r.cfg.Outlet, State: s, Reason: reason, Issued: r.now()})
	r.log.Info("outlet switched", zap.String("outlet", r.cfg.Outlet), zap.Stringer("state", s))
	return nil
}

func (r *Regulator) thresholds(ctx context.Context) (Thresholds, error) {
	if !r.cfg.ThresholdsFromSensor {
		return r.cfg.Thresholds, nil
	}

	band, err := r.sensor.AlertBand(ctx, r.cfg.Sensor)
	if err != nil {
		return Thresholds{}, fmt.Errorf("read alert band: %w", err)
	}
	if !band.Enabled {
		return Thresholds{}, errors.New("humidity alerts are not enabled on the sensor, set a humidity range in the SensorPush app")
	}

	t := Thresholds{Low: band.Min, High: band.Max}
	if err := t.Validate(); err != nil {
		return Thresholds{}, fmt.Errorf("sensor alert band: %w", err)
	}
	return t, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
