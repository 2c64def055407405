// Package meter runs the measurement cycle: it drains the pulse counter,
// integrates volume and rate, handles the reset button, persists the total
// and fans results out to the indicator, metrics, status and telemetry.
//
// A Meter is owned by one goroutine. The only concurrent entry point into
// the measurement path is pulse.Counter.RegisterEdge, called from the GPIO
// event handler.
package meter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/sweeney/flow-sensor/internal/gpio"
	"github.com/sweeney/flow-sensor/internal/logic"
	"github.com/sweeney/flow-sensor/internal/metrics"
	"github.com/sweeney/flow-sensor/internal/pulse"
	"github.com/sweeney/flow-sensor/internal/status"
	"github.com/sweeney/flow-sensor/internal/store"
	"github.com/sweeney/flow-sensor/internal/telemetry"
)

// DefaultIndicatorPeriod is the LED refresh interval used when none is set.
const DefaultIndicatorPeriod = 100 * time.Millisecond

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("meter: missing dependency")

func errMissing(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingDependency, name)
}

// Config holds the meter's tunables.
type Config struct {
	Device          string
	Position        string
	KFactor         float64
	Period          time.Duration // cycle interval; defaults to logic.DefaultInterval
	IndicatorPeriod time.Duration
	ResetCooldown   time.Duration
	ResetStable     time.Duration
}

// Deps are the meter's collaborators. Counter and Store are required; the
// rest may be nil.
type Deps struct {
	Counter *pulse.Counter
	Store   *store.Hidrometer
	Button  gpio.Button
	LEDs    gpio.LEDs
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Tracker *status.Tracker
	Sink    telemetry.Sink

	// OnReset is called after the volume was zeroed, with the total that
	// was discarded.
	OnReset func(at time.Time, previous float64)
}

// Meter is the measurement engine.
type Meter struct {
	cfg Config

	counter *pulse.Counter
	store   *store.Hidrometer
	button  gpio.Button
	leds    gpio.LEDs
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	tracker *status.Tracker
	sink    telemetry.Sink
	onReset func(time.Time, float64)

	integ     *logic.Integrator
	resetCtl  *logic.ResetController
	indicator *logic.Indicator

	lastRate float64
	led      logic.LEDState
	ledSet   bool
	ledErr   bool
}

// New builds a meter and recovers the persisted total from the store.
func New(ctx context.Context, cfg Config, deps Deps) (*Meter, error) {
	if deps.Counter == nil {
		return nil, errMissing("counter")
	}
	if deps.Store == nil {
		return nil, errMissing("store")
	}
	if err := logic.ValidateCalibration(cfg.KFactor); err != nil {
		return nil, err
	}
	if cfg.Period <= 0 {
		cfg.Period = logic.DefaultInterval
	}
	if cfg.IndicatorPeriod <= 0 {
		cfg.IndicatorPeriod = DefaultIndicatorPeriod
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	m := &Meter{
		cfg:      cfg,
		counter:  deps.Counter,
		store:    deps.Store,
		button:   deps.Button,
		leds:     deps.LEDs,
		clock:    deps.Clock,
		log:      deps.Logger,
		metrics:  deps.Metrics,
		tracker:  deps.Tracker,
		sink:     deps.Sink,
		onReset:  deps.OnReset,
		resetCtl: logic.NewResetController(cfg.ResetCooldown, cfg.ResetStable),
	}

	total := m.store.Load(ctx)
	now := m.clock.Now()
	m.integ = logic.NewIntegrator(cfg.KFactor, now, total)
	m.indicator = logic.NewIndicator(now)

	if m.tracker != nil {
		m.tracker.SetTotal(m.integ.Total())
		m.tracker.SetStore(m.store.Ready(), nil)
	}
	m.log.Info("meter ready",
		zap.Float64("liters", m.integ.Total()),
		zap.Float64("k_factor", cfg.KFactor),
		zap.Bool("durable", m.store.Ready()))
	return m, nil
}

// Run drives Cycle and RefreshIndicator from the meter clock until ctx is
// done. Pulses counted after the last tick are folded in by one final
// cycle before Run returns.
func (m *Meter) Run(ctx context.Context) error {
	cycle := m.clock.Ticker(m.cfg.Period)
	defer cycle.Stop()
	ind := m.clock.Ticker(m.cfg.IndicatorPeriod)
	defer ind.Stop()

	m.RefreshIndicator(m.clock.Now())

	for {
		select {
		case <-ctx.Done():
			m.Cycle(context.WithoutCancel(ctx))
			return nil
		case <-cycle.C:
			m.Cycle(ctx)
		case <-ind.C:
			m.RefreshIndicator(m.clock.Now())
		}
	}
}

// Cycle runs one measurement cycle. Failures are logged and never stop the
// meter.
func (m *Meter) Cycle(ctx context.Context) logic.Cycle {
	start := m.clock.Now()

	reset := false
	if m.button != nil {
		pressed, err := m.button.Pressed()
		if err != nil {
			m.log.Warn("read reset button failed", zap.Error(err))
			pressed = false
		}
		if m.resetCtl.Poll(start, pressed) {
			m.reset(ctx, start)
			reset = true
		}
	}

	c := m.integ.Step(start, m.counter.Drain())
	c.Reset = reset

	saveErr := m.store.Save(ctx, c.Total)
	if saveErr != nil {
		m.log.Error("save hidrometer failed", zap.Error(saveErr), zap.Float64("liters", c.Total))
		if m.metrics != nil {
			m.metrics.StoreError(metrics.OpSave)
		}
	}

	m.lastRate = c.RateLPerDay

	if ce := m.log.Check(zap.DebugLevel, "cycle"); ce != nil {
		ce.Write(
			zap.Uint32("pulses", c.Pulses),
			zap.Duration("interval", c.Interval),
			zap.Float64("liters", c.Total),
			zap.Float64("l_per_day", c.RateLPerDay))
	}
	if m.metrics != nil {
		m.metrics.ObserveCycle(c, m.clock.Since(start))
	}
	if m.tracker != nil {
		m.tracker.Update(c)
		m.tracker.SetStore(m.store.Ready(), saveErr)
	}
	if m.sink != nil {
		rec := telemetry.FromCycle(m.cfg.Device, m.cfg.Position, c)
		if err := m.sink.Emit(rec); err != nil {
			m.log.Warn("emit telemetry failed", zap.Error(err))
		}
	}
	return c
}

func (m *Meter) reset(ctx context.Context, at time.Time) {
	previous := m.integ.Total()
	m.integ.Reset()
	m.log.Warn("reset button pressed, volume zeroed", zap.Float64("previous_liters", previous))

	if err := m.store.Reset(ctx); err != nil {
		m.log.Error("persist reset failed", zap.Error(err))
		if m.metrics != nil {
			m.metrics.StoreError(metrics.OpReset)
		}
	}
	if m.onReset != nil {
		m.onReset(at, previous)
	}
}

// RefreshIndicator updates the LED for the rate of the last cycle. Outputs
// are only written when the desired state changes.
func (m *Meter) RefreshIndicator(now time.Time) {
	state := m.indicator.Update(now, m.lastRate)
	if m.leds == nil || (m.ledSet && state == m.led) {
		return
	}
	if err := m.leds.Set(state); err != nil {
		// Log the first failure of a streak only; this runs at 10 Hz.
		if !m.ledErr {
			m.log.Warn("set leds failed", zap.Error(err))
			m.ledErr = true
		}
		return
	}
	m.ledErr = false
	m.led = state
	m.ledSet = true
}

// Total returns the cumulative volume in liters.
func (m *Meter) Total() float64 {
	return m.integ.Total()
}

// LastRate returns the rate of the last cycle in L/day.
func (m *Meter) LastRate() float64 {
	return m.lastRate
}

// Level returns the indicator band from the last refresh.
func (m *Meter) Level() logic.Level {
	return m.indicator.Level()
}
