package solar

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePanel struct {
	voltage   float32
	currentMA float32
}

func (f *fakePanel) PanelVoltage() (float32, error) { return f.voltage, nil }
func (f *fakePanel) PanelCurrent() (float32, error) { return f.currentMA, nil }

type fakeDuty struct {
	duty   uint8
	writes int
}

func (f *fakeDuty) SetChargeDuty(duty uint8) error {
	f.duty = duty
	f.writes++
	return nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type harness struct {
	tracker *Tracker
	panel   *fakePanel
	duty    *fakeDuty
	clock   time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	panel := &fakePanel{voltage: 15, currentMA: 400}
	duty := &fakeDuty{}
	tracker, err := New(cfg, panel, duty, testLogger())
	require.NoError(t, err)
	h := &harness{tracker: tracker, panel: panel, duty: duty, clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) tick(d time.Duration) error {
	h.clock = h.clock.Add(d)
	return h.tracker.Update()
}

func TestPerturbObserveReversesOnPowerDrop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.tracker.dutyCycle = 128

	// First tick only samples, no perturbation yet.
	require.NoError(t, h.tick(time.Second))
	require.Equal(t, 1, h.tracker.perturbDirection)

	// Power rising: keep perturbing the same way.
	h.panel.currentMA = 800
	require.NoError(t, h.tick(time.Second))
	assert.Equal(t, 1, h.tracker.perturbDirection)
	assert.Greater(t, h.duty.duty, uint8(128))

	// Power falling after that positive perturbation: reverse.
	h.panel.currentMA = 100
	require.NoError(t, h.tick(time.Second))
	assert.Equal(t, -1, h.tracker.perturbDirection)

	// Still falling: reverse again.
	h.panel.currentMA = 20
	require.NoError(t, h.tick(time.Second))
	assert.Equal(t, 1, h.tracker.perturbDirection)
}

func TestConstantVoltageRegulatesTowardTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = AlgorithmConstantVoltage
	cfg.TargetVoltage = 17.0
	h := newHarness(t, cfg)
	h.tracker.dutyCycle = 128

	// Panel above target: pull harder (duty up).
	h.panel.voltage = 19
	require.NoError(t, h.tick(time.Second))
	require.NoError(t, h.tick(time.Second))
	assert.Greater(t, h.tracker.dutyCycle, uint8(128))

	// Panel below target: back off. The rolling average needs a few
	// ticks to drop below the target.
	h.panel.voltage = 10
	peak := h.tracker.dutyCycle
	for i := 0; i < 10; i++ {
		require.NoError(t, h.tick(time.Second))
	}
	assert.Less(t, h.tracker.dutyCycle, peak)
}

func TestNightIsNotAFault(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.panel.voltage = 0.5
	h.panel.currentMA = 2

	require.NoError(t, h.tick(time.Second))
	assert.False(t, h.tracker.IsDaylight())
	assert.False(t, h.tracker.IsAtMaxPowerPoint())
	assert.Equal(t, float32(0), h.tracker.ChargingEfficiency())
	// No tracking step happens in the dark.
	require.NoError(t, h.tick(time.Second))
	assert.Equal(t, 0, h.duty.writes)
}

func TestEnergyAccumulationAndDailyReset(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.panel.voltage = 15
	h.panel.currentMA = 400 // 6 W

	require.NoError(t, h.tick(time.Second))
	for i := 0; i < 60; i++ {
		require.NoError(t, h.tick(time.Minute))
	}
	// One hour at 6 W.
	assert.InDelta(t, 6.0, h.tracker.DailyEnergyWh(), 0.1)
	assert.InDelta(t, 6.0, h.tracker.TotalEnergyWh(), 0.1)

	daily := h.tracker.DailyEnergyWh()
	require.NoError(t, h.tick(time.Minute))
	assert.GreaterOrEqual(t, h.tracker.DailyEnergyWh(), daily, "daily harvest is monotonic within a day")

	total := h.tracker.TotalEnergyWh()
	h.tracker.ResetDailyEnergy()
	assert.Equal(t, 0.0, h.tracker.DailyEnergyWh())
	assert.Equal(t, total, h.tracker.TotalEnergyWh(), "lifetime harvest unchanged by daily reset")
}

func TestWeatherDampensTracking(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.tracker.SetWeatherAdaptation(true)

	h.tracker.UpdateWeather(100, 15)
	assert.InDelta(t, 0.5, h.tracker.cloudFactor, 0.001)
	assert.Equal(t, 2, h.tracker.scaledStep())

	h.tracker.UpdateWeather(0, 15)
	assert.InDelta(t, 1.0, h.tracker.cloudFactor, 0.001)
	assert.Equal(t, 4, h.tracker.scaledStep())

	// Adaptation off: hints no longer matter.
	h.tracker.SetWeatherAdaptation(false)
	h.tracker.UpdateWeather(100, 15)
	assert.InDelta(t, 1.0, h.tracker.cloudFactor, 0.001)
}

func TestTrackingDisabledDropsDuty(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.tick(time.Second))
	require.NoError(t, h.tick(time.Second))
	require.NotZero(t, h.duty.duty)

	require.NoError(t, h.tracker.SetTrackingEnabled(false))
	assert.Equal(t, uint8(0), h.duty.duty)

	writes := h.duty.writes
	require.NoError(t, h.tick(time.Second))
	assert.Equal(t, writes, h.duty.writes, "no duty writes while tracking is off")
}

func TestSetAlgorithmIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.tracker.perturbDirection = -1
	h.tracker.SetAlgorithm(AlgorithmPerturbObserve)
	assert.Equal(t, -1, h.tracker.perturbDirection, "re-applying the same algorithm changes nothing")

	h.tracker.SetAlgorithm(AlgorithmIncrementalConductance)
	assert.Equal(t, AlgorithmIncrementalConductance, h.tracker.Algorithm())
	assert.Equal(t, 1, h.tracker.perturbDirection)
}

func TestCalibrationRejectsDegenerateFactors(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.False(t, h.tracker.Calibrate(0, 1))
	assert.False(t, h.tracker.Calibrate(1, -2))
	assert.True(t, h.tracker.Calibrate(1.05, 0.98))

	require.NoError(t, h.tick(time.Second))
	assert.InDelta(t, 15*1.05, h.tracker.Reading().Voltage, 0.01)
}

func TestRollingAverageWindow(t *testing.T) {
	var r rollingAverage
	for i := 0; i < adcSampleCount; i++ {
		r.push(10)
	}
	// One outlier moves the average by 1/16th of its distance.
	avg := r.push(26)
	assert.InDelta(t, 11, avg, 0.001)
}
