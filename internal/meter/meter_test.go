package meter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sweeney/flow-sensor/internal/gpio"
	"github.com/sweeney/flow-sensor/internal/logic"
	"github.com/sweeney/flow-sensor/internal/metrics"
	"github.com/sweeney/flow-sensor/internal/pulse"
	"github.com/sweeney/flow-sensor/internal/status"
	"github.com/sweeney/flow-sensor/internal/store"
	"github.com/sweeney/flow-sensor/internal/telemetry"
)

type recordSink struct {
	mu      sync.Mutex
	records []telemetry.Record
	err     error
}

func (s *recordSink) Emit(r telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

func (s *recordSink) all() []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Record(nil), s.records...)
}

type harness struct {
	m       *Meter
	clk     *clock.Mock
	counter *pulse.Counter
	mem     *store.Memory
	button  *gpio.FakeButton
	leds    *gpio.FakeLEDs
	tracker *status.Tracker
	metrics *metrics.Metrics
	sink    *recordSink
	logs    *observer.ObservedLogs
	resets  []float64
}

type option func(*Config, *Deps)

func newHarness(t *testing.T, mem *store.Memory, opts ...option) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		clk:     clock.NewMock(),
		counter: pulse.NewCounter(),
		mem:     mem,
		button:  gpio.NewFakeButton(false),
		leds:    gpio.NewFakeLEDs(),
		metrics: metrics.New(),
		sink:    &recordSink{},
		logs:    logs,
	}
	h.tracker = status.NewTracker(h.clk.Now(), status.Config{})

	logger := zap.New(core)
	var ns store.Namespace
	if mem != nil {
		ns = mem
	}
	cfg := Config{
		Device:        "Central",
		Position:      telemetry.DefaultPosition,
		KFactor:       logic.DefaultKFactor,
		ResetCooldown: logic.DefaultResetCooldown,
	}
	deps := Deps{
		Counter: h.counter,
		Store:   store.NewHidrometer(ns, 0, logger),
		Button:  h.button,
		LEDs:    h.leds,
		Clock:   h.clk,
		Logger:  logger,
		Metrics: h.metrics,
		Tracker: h.tracker,
		Sink:    h.sink,
		OnReset: func(_ time.Time, previous float64) { h.resets = append(h.resets, previous) },
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}

	m, err := New(context.Background(), cfg, deps)
	require.NoError(t, err)
	h.m = m
	return h
}

// persisted reads the committed total back through a fresh Hidrometer.
func persisted(t *testing.T, mem *store.Memory) float64 {
	t.Helper()
	return store.NewHidrometer(mem, 0, nil).Load(context.Background())
}

func seed(t *testing.T, liters float64) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, store.NewHidrometer(mem, 0, nil).Save(context.Background(), liters))
	return mem
}

func TestNewRequiresDependencies(t *testing.T) {
	h := store.NewHidrometer(nil, 0, nil)
	cfg := Config{KFactor: 7.5}

	_, err := New(context.Background(), cfg, Deps{Store: h})
	require.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(context.Background(), cfg, Deps{Counter: pulse.NewCounter()})
	require.ErrorIs(t, err, ErrMissingDependency)
}

func TestNewRejectsBadCalibration(t *testing.T) {
	_, err := New(context.Background(), Config{KFactor: 0}, Deps{
		Counter: pulse.NewCounter(),
		Store:   store.NewHidrometer(nil, 0, nil),
	})
	require.ErrorIs(t, err, logic.ErrInvalidCalibration)
}

func TestNewRecoversTotal(t *testing.T) {
	h := newHarness(t, seed(t, 12.5))

	assert.Equal(t, 12.5, h.m.Total())
	snap := h.tracker.Snapshot()
	assert.Equal(t, 12.5, snap.TotalLiters)
	assert.True(t, snap.StoreReady)
}

func TestCycleIntegrates(t *testing.T) {
	h := newHarness(t, store.NewMemory())

	for i := 0; i < 450; i++ {
		h.counter.RegisterEdge()
	}
	h.clk.Add(time.Second)
	c := h.m.Cycle(context.Background())

	assert.Equal(t, uint32(450), c.Pulses)
	assert.Equal(t, time.Second, c.Interval)
	assert.InDelta(t, 1.0, c.Total, 1e-9)
	assert.InDelta(t, 60.0, c.RateLPerMin, 1e-9)
	assert.InDelta(t, 86400.0, c.RateLPerDay, 1e-6)
	assert.False(t, c.Reset)

	assert.InDelta(t, 1.0, persisted(t, h.mem), 1e-9, "total is committed every cycle")
	assert.InDelta(t, 86400.0, h.m.LastRate(), 1e-6)

	recs := h.sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "Central", recs[0].Device)
	assert.Equal(t, logic.LevelHigh, recs[0].Level)
	assert.Equal(t, telemetry.DefaultPosition, recs[0].Position)

	assert.Equal(t, 450.0, testutil.ToFloat64(h.metrics.Pulses))
	assert.Equal(t, uint64(1), h.tracker.Snapshot().Cycles)
}

func TestCycleAccumulatesAcrossRestart(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < 45; i++ {
			h.counter.RegisterEdge()
		}
		h.clk.Add(time.Second)
		h.m.Cycle(context.Background())
	}
	assert.InDelta(t, 0.3, h.m.Total(), 1e-9)

	// Same store, new process.
	restarted := newHarness(t, h.mem)
	assert.InDelta(t, 0.3, restarted.m.Total(), 1e-9)
}

func TestCycleNoFlow(t *testing.T) {
	h := newHarness(t, seed(t, 5))
	h.clk.Add(time.Second)
	c := h.m.Cycle(context.Background())

	assert.Equal(t, uint32(0), c.Pulses)
	assert.Equal(t, 5.0, c.Total)
	assert.Equal(t, 0.0, c.RateLPerDay)
	assert.Equal(t, logic.LevelIdle, h.sink.all()[0].Level)
}

func TestCycleResetZeroesBeforeDrain(t *testing.T) {
	h := newHarness(t, seed(t, 100))
	h.button.Samples = []bool{true, false}

	for i := 0; i < 450; i++ {
		h.counter.RegisterEdge()
	}
	h.clk.Add(time.Second)
	c := h.m.Cycle(context.Background())

	assert.True(t, c.Reset)
	assert.InDelta(t, 1.0, c.Total, 1e-9, "pulses drained after the reset count toward the new total")
	assert.InDelta(t, 1.0, persisted(t, h.mem), 1e-9)
	assert.Equal(t, []float64{100}, h.resets)
	assert.Equal(t, 1, h.logs.FilterMessage("reset button pressed, volume zeroed").FilterLevelExact(zap.WarnLevel).Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Resets))
	assert.Equal(t, uint64(1), h.tracker.Snapshot().Resets)
}

func TestHeldButtonWithinCooldownResetsOnce(t *testing.T) {
	h := newHarness(t, seed(t, 50), func(c *Config, _ *Deps) {
		c.ResetCooldown = 1500 * time.Millisecond
	})
	h.button.Samples = []bool{true} // held for the whole test

	var resets []bool
	for i := 0; i < 4; i++ {
		h.clk.Add(time.Second)
		resets = append(resets, h.m.Cycle(context.Background()).Reset)
	}

	// t=1s fires, cooldown until 2.5s; t=2s ignored; t=3s fires; t=4s ignored.
	assert.Equal(t, []bool{true, false, true, false}, resets)
	assert.Equal(t, 0.0, h.m.Total())
}

func TestResetWithoutFlowIsIdempotent(t *testing.T) {
	h := newHarness(t, seed(t, 7))
	h.button.Samples = []bool{true}

	for i := 0; i < 3; i++ {
		h.clk.Add(time.Second)
		h.m.Cycle(context.Background())
	}
	assert.Equal(t, 0.0, h.m.Total())
	assert.Equal(t, 0.0, persisted(t, h.mem))
}

func TestButtonReadErrorTreatedAsReleased(t *testing.T) {
	h := newHarness(t, seed(t, 3))
	h.button.ReadError = errors.New("line busy")

	h.clk.Add(time.Second)
	c := h.m.Cycle(context.Background())

	assert.False(t, c.Reset)
	assert.Equal(t, 3.0, c.Total)
	assert.Equal(t, 1, h.logs.FilterMessage("read reset button failed").Len())
}

func TestNoButton(t *testing.T) {
	h := newHarness(t, store.NewMemory(), func(_ *Config, d *Deps) { d.Button = nil })
	h.clk.Add(time.Second)
	assert.False(t, h.m.Cycle(context.Background()).Reset)
}

func TestSaveFailureDoesNotStopMeter(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.mem.CommitError = errors.New("no free pages")

	for i := 0; i < 450; i++ {
		h.counter.RegisterEdge()
	}
	h.clk.Add(time.Second)
	c := h.m.Cycle(context.Background())

	assert.InDelta(t, 1.0, c.Total, 1e-9, "in-memory total stays authoritative")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StoreErrors.WithLabelValues(metrics.OpSave)))
	assert.Contains(t, h.tracker.Snapshot().StoreError, "commit hidrometro")
	assert.Equal(t, 1, h.logs.FilterMessage("save hidrometer failed").FilterLevelExact(zap.ErrorLevel).Len())

	// The next successful write repairs the store.
	h.mem.CommitError = nil
	h.clk.Add(time.Second)
	h.m.Cycle(context.Background())
	assert.InDelta(t, 1.0, persisted(t, h.mem), 1e-9)
	assert.Empty(t, h.tracker.Snapshot().StoreError)
}

func TestResetPersistFailureStillZeroes(t *testing.T) {
	h := newHarness(t, seed(t, 9))
	h.button.Samples = []bool{true}
	h.mem.SetError = errors.New("flash write failed")

	h.clk.Add(time.Second)
	c := h.m.Cycle(context.Background())

	assert.True(t, c.Reset)
	assert.Equal(t, 0.0, c.Total)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StoreErrors.WithLabelValues(metrics.OpReset)))
	assert.Equal(t, 1, h.logs.FilterMessage("persist reset failed").Len())
}

func TestCommitTimeoutDoesNotBlockCycle(t *testing.T) {
	mem := store.NewMemory()
	mem.Block = make(chan struct{})
	defer close(mem.Block)

	h := newHarness(t, mem, func(_ *Config, d *Deps) {
		d.Store = store.NewHidrometer(mem, 20*time.Millisecond, d.Logger)
	})

	h.clk.Add(time.Second)
	done := make(chan logic.Cycle, 1)
	go func() { done <- h.m.Cycle(context.Background()) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle blocked on a stuck commit")
	}
	assert.Contains(t, h.tracker.Snapshot().StoreError, "timed out")
}

func TestMemoryOnlyMode(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 900; i++ {
		h.counter.RegisterEdge()
	}
	h.clk.Add(time.Second)
	c := h.m.Cycle(context.Background())

	assert.InDelta(t, 2.0, c.Total, 1e-9)
	snap := h.tracker.Snapshot()
	assert.False(t, snap.StoreReady)
	assert.Empty(t, snap.StoreError)
}

func TestTelemetryErrorIsLogged(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.sink.err = errors.New("broker unreachable")

	h.clk.Add(time.Second)
	h.m.Cycle(context.Background())

	assert.Equal(t, 1, h.logs.FilterMessage("emit telemetry failed").Len())
	assert.Len(t, h.sink.all(), 1)
}

func TestRefreshIndicatorBands(t *testing.T) {
	h := newHarness(t, store.NewMemory())

	// 450 pulses in one second is 86400 L/day.
	for i := 0; i < 450; i++ {
		h.counter.RegisterEdge()
	}
	h.clk.Add(time.Second)
	h.m.Cycle(context.Background())
	h.m.RefreshIndicator(h.clk.Now())
	assert.Equal(t, logic.LEDState{Green: true}, h.leds.Last())
	assert.Equal(t, logic.LevelHigh, h.m.Level())

	// 1 pulse per second is 192 L/day: idle.
	h.counter.RegisterEdge()
	h.clk.Add(time.Second)
	h.m.Cycle(context.Background())
	h.m.RefreshIndicator(h.clk.Now())
	assert.Equal(t, logic.LevelIdle, h.m.Level())
}

func TestRefreshIndicatorWritesOnlyOnChange(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	start := h.clk.Now()

	h.m.RefreshIndicator(start.Add(100 * time.Millisecond))
	h.m.RefreshIndicator(start.Add(200 * time.Millisecond))
	h.m.RefreshIndicator(start.Add(300 * time.Millisecond))
	require.Len(t, h.leds.States, 1, "steady state written once")
	assert.Equal(t, logic.LEDState{}, h.leds.States[0])

	// Idle blink toggles after more than 500 ms.
	h.m.RefreshIndicator(start.Add(600 * time.Millisecond))
	require.Len(t, h.leds.States, 2)
	assert.Equal(t, logic.LEDState{Red: true}, h.leds.States[1])
}

func TestRefreshIndicatorLEDError(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.leds.SetError = errors.New("line released")
	start := h.clk.Now()

	for i := 1; i <= 5; i++ {
		h.m.RefreshIndicator(start.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	assert.Equal(t, 1, h.logs.FilterMessage("set leds failed").Len(), "a failure streak is logged once")

	// Recovery retries the write.
	h.leds.SetError = nil
	h.m.RefreshIndicator(start.Add(100 * time.Millisecond))
	assert.Len(t, h.leds.States, 1)
}

func TestRefreshIndicatorWithoutLEDs(t *testing.T) {
	h := newHarness(t, store.NewMemory(), func(_ *Config, d *Deps) { d.LEDs = nil })
	h.m.RefreshIndicator(h.clk.Now().Add(time.Second))
}

func TestRunDrivesCyclesAndFlushesOnCancel(t *testing.T) {
	h := newHarness(t, store.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.clk.Add(100 * time.Millisecond)
		return h.tracker.Snapshot().Cycles >= 1
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 450; i++ {
		h.counter.RegisterEdge()
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, uint32(0), h.counter.Drain(), "final cycle drains pending pulses")
	assert.InDelta(t, 1.0, persisted(t, h.mem), 1e-9)
}
