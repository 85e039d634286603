package battery

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSensor struct {
	voltage     float32
	currentMA   float32
	tempC       float32
	hasCurrent  bool
	hasTemp     bool
	failVoltage bool
}

func (f *fakeSensor) BatteryVoltage() (float32, error) {
	if f.failVoltage {
		return 0, fmt.Errorf("bus error")
	}
	return f.voltage, nil
}
func (f *fakeSensor) BatteryCurrent() (float32, error)     { return f.currentMA, nil }
func (f *fakeSensor) HasCurrentSense() bool                { return f.hasCurrent }
func (f *fakeSensor) BatteryTemperature() (float32, error) { return f.tempC, nil }
func (f *fakeSensor) HasTemperatureSense() bool            { return f.hasTemp }

type fakeSwitch struct {
	enabled bool
	writes  int
}

func (f *fakeSwitch) SetChargeEnabled(enabled bool) error {
	f.enabled = enabled
	f.writes++
	return nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type harness struct {
	analytics *Analytics
	sensor    *fakeSensor
	sw        *fakeSwitch
	clock     time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	sensor := &fakeSensor{
		voltage:    cfg.ChargeVoltage * float32(cfg.CellCount) * 0.9,
		tempC:      25,
		hasCurrent: true,
		hasTemp:    true,
	}
	sw := &fakeSwitch{}
	a, err := New(cfg, sensor, sw, testLogger())
	require.NoError(t, err)
	h := &harness{analytics: a, sensor: sensor, sw: sw, clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	a.now = func() time.Time { return h.clock }
	return h
}

// tick advances the fake clock and runs one update.
func (h *harness) tick(d time.Duration) error {
	h.clock = h.clock.Add(d)
	return h.analytics.Update()
}

func liIonConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := DefaultConfig(ChemistryLiIon, 1, 2000)
	require.NoError(t, err)
	return cfg
}

func TestChargeCycleStageSequence(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	h.sensor.voltage = 3.0
	h.sensor.currentMA = 1000

	var stages []Stage
	seen := func() {
		s := h.analytics.GetStatus().Stage
		if len(stages) == 0 || stages[len(stages)-1] != s {
			stages = append(stages, s)
		}
	}
	seen()

	// Ramp voltage to the charge target while bulk charging.
	for i := 0; i < 60; i++ {
		h.sensor.voltage += 0.02
		if h.sensor.voltage > 4.19 {
			h.sensor.voltage = 4.2
		}
		require.NoError(t, h.tick(time.Second))
		seen()
	}

	// Hold the target and let the charge current taper.
	for i := 0; i < 30; i++ {
		h.sensor.currentMA -= 35
		if h.sensor.currentMA < 50 {
			h.sensor.currentMA = 50
		}
		require.NoError(t, h.tick(time.Second))
		seen()
	}

	assert.Equal(t, []Stage{StageIdle, StageBulk, StageAbsorption, StageFloat}, stages)
	status := h.analytics.GetStatus()
	assert.Equal(t, 1, status.CycleCount)
	assert.Equal(t, FaultNone, status.Fault)
	// Charge complete resets the coulomb counter to full capacity.
	assert.InDelta(t, 2000, status.CoulombMAH, 1.0)

	// Staying in float must not count more cycles.
	for i := 0; i < 20; i++ {
		require.NoError(t, h.tick(time.Second))
	}
	assert.Equal(t, 1, h.analytics.GetStatus().CycleCount)
}

func TestPrechargeForDeeplyDischargedCell(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	h.sensor.voltage = 2.9
	h.sensor.currentMA = 100

	require.NoError(t, h.tick(time.Second))
	assert.Equal(t, StagePrecharge, h.analytics.GetStatus().Stage)

	// Voltage recovers past the precharge threshold after dwell.
	h.sensor.voltage = 3.3
	for i := 0; i < 7; i++ {
		require.NoError(t, h.tick(time.Second))
	}
	assert.Equal(t, StageBulk, h.analytics.GetStatus().Stage)
}

func TestRebulkOnVoltageSag(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	h.sensor.voltage = 4.1
	h.sensor.currentMA = 500

	// Drive to float: bulk, then reach the target, then taper.
	require.NoError(t, h.tick(time.Second))
	require.Equal(t, StageBulk, h.analytics.GetStatus().Stage)
	h.sensor.voltage = 4.2
	for i := 0; i < 7; i++ {
		require.NoError(t, h.tick(time.Second))
	}
	require.Equal(t, StageAbsorption, h.analytics.GetStatus().Stage)
	h.sensor.currentMA = 50
	for i := 0; i < 7; i++ {
		require.NoError(t, h.tick(time.Second))
	}
	require.Equal(t, StageFloat, h.analytics.GetStatus().Stage)

	// Heavy load sags the pack below float minus the re-bulk delta.
	h.sensor.voltage = 3.9
	h.sensor.currentMA = -500
	for i := 0; i < 7; i++ {
		require.NoError(t, h.tick(time.Second))
	}
	assert.Equal(t, StageBulk, h.analytics.GetStatus().Stage)
}

func TestUnderVoltageFault(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	// Cutoff is 3.0 so 2.7 is past cutoff minus the margin.
	h.sensor.voltage = 2.7
	h.sensor.currentMA = 0

	h.tick(time.Second)
	status := h.analytics.GetStatus()
	assert.Equal(t, FaultUnderVoltage, status.Fault)
	assert.Equal(t, StageFault, status.Stage)
	assert.False(t, h.analytics.IsCharging())
	assert.False(t, h.sw.enabled)
}

func TestFaultLatchesUntilCleared(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	h.sensor.voltage = 4.5 // over-voltage for a single cell
	h.tick(time.Second)
	require.Equal(t, FaultOverVoltage, h.analytics.GetStatus().Fault)

	// Condition resolved, fault must stay latched.
	h.sensor.voltage = 3.8
	for i := 0; i < 10; i++ {
		h.tick(time.Second)
	}
	assert.Equal(t, FaultOverVoltage, h.analytics.GetStatus().Fault)
	assert.Equal(t, StageFault, h.analytics.GetStatus().Stage)

	h.analytics.ClearFault()
	assert.Equal(t, FaultNone, h.analytics.GetStatus().Fault)
	assert.Equal(t, StageIdle, h.analytics.GetStatus().Stage)

	require.NoError(t, h.tick(time.Second))
	assert.True(t, h.sw.enabled)
}

func TestOverCurrentBothDirections(t *testing.T) {
	cfg := liIonConfig(t) // max charge 2000, max discharge 3000

	h := newHarness(t, cfg)
	h.sensor.voltage = 3.8
	h.sensor.currentMA = 2500 // above 2000 * 1.2
	h.tick(time.Second)
	assert.Equal(t, FaultOverCurrent, h.analytics.GetStatus().Fault)

	h = newHarness(t, cfg)
	h.sensor.voltage = 3.8
	h.sensor.currentMA = -3700 // above 3000 * 1.2
	h.tick(time.Second)
	assert.Equal(t, FaultOverCurrent, h.analytics.GetStatus().Fault)
}

func TestUnderTemperatureOnlyFaultsWhileCharging(t *testing.T) {
	h := newHarness(t, liIonConfig(t))

	// Cold but idle: charging disabled keeps the stage at idle.
	require.NoError(t, h.analytics.SetChargingEnabled(false))
	h.sensor.voltage = 3.8
	h.sensor.tempC = -5
	for i := 0; i < 3; i++ {
		require.NoError(t, h.tick(time.Second))
	}
	assert.Equal(t, FaultNone, h.analytics.GetStatus().Fault)

	// Charging in the cold faults.
	require.NoError(t, h.analytics.SetChargingEnabled(true))
	h.sensor.currentMA = 500
	h.tick(time.Second) // enters bulk
	h.tick(time.Second)
	assert.Equal(t, FaultUnderTemperature, h.analytics.GetStatus().Fault)
}

func TestOverTemperature(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	h.sensor.voltage = 3.8
	h.sensor.tempC = 50
	h.tick(time.Second)
	assert.Equal(t, FaultOverTemperature, h.analytics.GetStatus().Fault)
}

func TestSOCAlwaysInRange(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	voltages := []float32{3.0, 3.2, 4.2, 3.1, 4.19, 3.5}
	currents := []float32{-2000, 1500, 0, -40, 900, -10}
	for i := 0; i < 300; i++ {
		h.sensor.voltage = voltages[i%len(voltages)]
		h.sensor.currentMA = currents[i%len(currents)]
		h.tick(time.Second)
		status := h.analytics.GetStatus()
		assert.GreaterOrEqual(t, status.SOC, float32(0))
		assert.LessOrEqual(t, status.SOC, float32(100))
		assert.GreaterOrEqual(t, status.SOH, float32(0))
		assert.LessOrEqual(t, status.SOH, float32(100))
		assert.GreaterOrEqual(t, status.CoulombMAH, float32(0))
		assert.LessOrEqual(t, status.CoulombMAH, float32(2200.01))
	}
}

func TestSOCWeightingDependsOnCurrent(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	// Seed the estimator at mid charge.
	h.sensor.voltage = 3.6
	h.sensor.currentMA = 0
	require.NoError(t, h.tick(time.Second))

	// At rest the voltage estimate dominates.
	h.sensor.voltage = 4.2
	require.NoError(t, h.tick(time.Second))
	atRest := h.analytics.GetStatus().SOC

	// Under heavy load the same voltage counts far less.
	h.sensor.currentMA = -1000
	require.NoError(t, h.tick(time.Second))
	underLoad := h.analytics.GetStatus().SOC

	assert.Greater(t, atRest, underLoad)
}

func TestMissingOptionalSensorsDegradeGracefully(t *testing.T) {
	cfg := liIonConfig(t)
	sensor := &fakeSensor{voltage: 3.8, hasCurrent: false, hasTemp: false}
	a, err := New(cfg, sensor, &fakeSwitch{}, testLogger())
	require.NoError(t, err)
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	require.NoError(t, a.Update())
	status := a.GetStatus()
	assert.Equal(t, float32(0), status.CurrentMA)
	assert.Equal(t, float32(defaultTemperatureC), status.TemperatureC)
	assert.Equal(t, FaultNone, status.Fault)
}

func TestCommunicationFaultAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	h.sensor.voltage = 3.8
	require.NoError(t, h.tick(time.Second))

	h.sensor.failVoltage = true
	for i := 0; i < maxSensorFailures; i++ {
		assert.Error(t, h.tick(time.Second))
	}
	assert.Equal(t, FaultCommunication, h.analytics.GetStatus().Fault)
}

func TestTemperatureCompensation(t *testing.T) {
	cfg, err := DefaultConfig(ChemistryLeadAcid, 6, 7000)
	require.NoError(t, err)

	charge, float := cfg.compensated(35)
	assert.InDelta(t, 2.45-0.040, charge, 0.0001)
	assert.InDelta(t, 2.30-0.040, float, 0.0001)

	charge, _ = cfg.compensated(25)
	assert.InDelta(t, 2.45, charge, 0.0001)
}

func TestSetMaxChargeCurrentCapped(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	h.analytics.SetMaxChargeCurrent(500)
	assert.Equal(t, float32(500), h.analytics.maxChargeMA)

	// Requests above the pack limit fall back to the pack limit.
	h.analytics.SetMaxChargeCurrent(99999)
	assert.Equal(t, float32(2000), h.analytics.maxChargeMA)
	assert.Equal(t, float32(2000), h.analytics.ChargeCurrentLimit())
}

func TestLoweredChargeLimitKeepsProtectionAtPackRating(t *testing.T) {
	h := newHarness(t, liIonConfig(t)) // pack rated for 2000mA charge
	h.analytics.SetMaxChargeCurrent(500)
	h.sensor.voltage = 3.8

	// Above the softened limit but well under the pack rating is not
	// a protection violation.
	h.sensor.currentMA = 700
	h.tick(time.Second)
	assert.Equal(t, FaultNone, h.analytics.GetStatus().Fault)

	h.sensor.currentMA = 2500 // above 2000 * 1.2
	h.tick(time.Second)
	assert.Equal(t, FaultOverCurrent, h.analytics.GetStatus().Fault)
}

func TestPackVoltageHelpers(t *testing.T) {
	cfg, err := DefaultConfig(ChemistryLiIon, 2, 2000)
	require.NoError(t, err)
	assert.InDelta(t, 8.4, cfg.PackChargeVoltage(), 0.001)
	assert.InDelta(t, 6.0, cfg.PackCutoffVoltage(), 0.001)
}

func TestCalibrateVoltage(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	h.sensor.voltage = 4.0
	require.NoError(t, h.tick(time.Second))

	assert.True(t, h.analytics.CalibrateVoltage(4.2))
	require.NoError(t, h.tick(time.Second))
	assert.InDelta(t, 4.2, h.analytics.GetStatus().Voltage, 0.001)

	// Degenerate references are refused with no state change.
	assert.False(t, h.analytics.CalibrateVoltage(0))
	h.analytics.lastRawVoltage = 0.1
	assert.False(t, h.analytics.CalibrateVoltage(4.2))
}

func TestTimeToFull(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	h.sensor.voltage = 3.6
	h.sensor.currentMA = 1000
	require.NoError(t, h.tick(time.Second))
	require.NoError(t, h.tick(time.Second))
	require.True(t, h.analytics.IsCharging())

	ttf := h.analytics.TimeToFull()
	assert.Greater(t, ttf, float32(0))
	// Remaining capacity over charge current bounds the estimate.
	assert.LessOrEqual(t, ttf, float32(2.0))
}

func TestDefaultConfigValidation(t *testing.T) {
	_, err := DefaultConfig("unobtainium", 1, 1000)
	assert.Error(t, err)
	_, err = DefaultConfig(ChemistryLiIon, 0, 1000)
	assert.Error(t, err)
	_, err = DefaultConfig(ChemistryLiIon, 1, 0)
	assert.Error(t, err)
}

func TestDetectConfig(t *testing.T) {
	tests := []struct {
		voltage   float32
		chemistry string
		cells     int
	}{
		{3.7, ChemistryLiIon, 1},
		{6.5, ChemistryLiFePO4, 2},
		{13.2, ChemistryLiFePO4, 4},
		{30.2, ChemistryLiIon, 10},
	}
	for _, tc := range tests {
		cfg, err := DetectConfig(tc.voltage, 5000)
		require.NoError(t, err, "voltage %.2f", tc.voltage)
		assert.Equal(t, tc.chemistry, cfg.Chemistry, "voltage %.2f", tc.voltage)
		assert.Equal(t, tc.cells, cfg.CellCount, "voltage %.2f", tc.voltage)
	}

	_, err := DetectConfig(0.5, 5000)
	assert.Error(t, err)
	_, err = DetectConfig(60, 5000)
	assert.Error(t, err)
}

func TestStatePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery_state.json")

	h := newHarness(t, liIonConfig(t))
	h.analytics.state.CycleCount = 42
	h.analytics.state.SOH = 83
	require.NoError(t, h.analytics.SaveState(path))

	h2 := newHarness(t, liIonConfig(t))
	require.NoError(t, h2.analytics.RestoreState(path))
	assert.Equal(t, 42, h2.analytics.GetStatus().CycleCount)
	assert.InDelta(t, 83, h2.analytics.GetStatus().SOH, 0.01)
	assert.Equal(t, HealthGood, h2.analytics.GetStatus().Health)

	// State for a different pack is ignored.
	lifepo, err := DefaultConfig(ChemistryLiFePO4, 4, 6000)
	require.NoError(t, err)
	h3 := newHarness(t, lifepo)
	require.NoError(t, h3.analytics.RestoreState(path))
	assert.Equal(t, 0, h3.analytics.GetStatus().CycleCount)

	// A missing file is not an error.
	h4 := newHarness(t, liIonConfig(t))
	require.NoError(t, h4.analytics.RestoreState(filepath.Join(t.TempDir(), "missing.json")))
}

func TestLifetimeHarvestPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery_state.json")

	h := newHarness(t, liIonConfig(t))
	h.analytics.SetLifetimeHarvestWh(123.5)
	require.NoError(t, h.analytics.SaveState(path))

	h2 := newHarness(t, liIonConfig(t))
	require.NoError(t, h2.analytics.RestoreState(path))
	assert.InDelta(t, 123.5, h2.analytics.LifetimeHarvestWh(), 0.001)

	// Negative values never overwrite the counter.
	h2.analytics.SetLifetimeHarvestWh(-1)
	assert.InDelta(t, 123.5, h2.analytics.LifetimeHarvestWh(), 0.001)
}

func TestUpdateRateLimited(t *testing.T) {
	h := newHarness(t, liIonConfig(t))
	h.sensor.voltage = 3.8
	require.NoError(t, h.tick(time.Second))
	before := h.analytics.lastUpdate

	// Called again immediately, the update is a no-op.
	require.NoError(t, h.tick(time.Millisecond))
	assert.Equal(t, before, h.analytics.lastUpdate)
}

func TestDischargeRateAndTimeToEmpty(t *testing.T) {
	var tracker dischargeTracker
	tracker.init()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	percent := float32(90)
	// 2%/hour for six hours, sampled every five minutes.
	for i := 0; i < 72; i++ {
		tracker.observe(now, percent, 12.5)
		now = now.Add(5 * time.Minute)
		percent -= 2.0 / 12.0
	}

	assert.InDelta(t, 2.0, tracker.stats.MediumTermRate, 0.2)
	assert.Greater(t, tracker.bestRate(), float32(0))

	// A sudden jump up means charging, history resets.
	tracker.observe(now, percent+20, 13.0)
	assert.Equal(t, 1, tracker.stats.DataPoints)
}
