package power

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thewriterben/wildcam-power/internal/battery"
	"github.com/thewriterben/wildcam-power/internal/schedule"
	"github.com/thewriterben/wildcam-power/internal/solar"
)

type fakePanel struct {
	voltage float32
	current float32
}

func (f *fakePanel) PanelVoltage() (float32, error) { return f.voltage, nil }
func (f *fakePanel) PanelCurrent() (float32, error) { return f.current, nil }

type fakeDuty struct {
	duty uint8
}

func (f *fakeDuty) SetChargeDuty(d uint8) error {
	f.duty = d
	return nil
}

type fakePack struct {
	voltage float32
	current float32
}

func (f *fakePack) BatteryVoltage() (float32, error)     { return f.voltage, nil }
func (f *fakePack) BatteryCurrent() (float32, error)     { return f.current, nil }
func (f *fakePack) HasCurrentSense() bool                { return true }
func (f *fakePack) BatteryTemperature() (float32, error) { return 25, nil }
func (f *fakePack) HasTemperatureSense() bool            { return true }

type fakeSwitch struct {
	enabled bool
}

func (f *fakeSwitch) SetChargeEnabled(on bool) error {
	f.enabled = on
	return nil
}

type fakeSleeper struct {
	armed    time.Duration
	downErr  error
	poweredD bool
}

func (f *fakeSleeper) SetWakeTimer(d time.Duration) error {
	f.armed = d
	return nil
}
func (f *fakeSleeper) PowerDown() error {
	f.poweredD = true
	return f.downErr
}

type fakeEvents struct {
	mu     sync.Mutex
	events [][2]string
}

func (f *fakeEvents) PublishEvent(kind, details string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, [2]string{kind, details})
}

func (f *fakeEvents) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev[0] == kind {
			n++
		}
	}
	return n
}

func (f *fakeEvents) last(kind string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	details := ""
	for _, ev := range f.events {
		if ev[0] == kind {
			details = ev[1]
		}
	}
	return details
}

type harness struct {
	panel  *fakePanel
	duty   *fakeDuty
	pack   *fakePack
	sw     *fakeSwitch
	sys    *System
	sched  *schedule.Scheduler
	orch   *Orchestrator
	sleepr *fakeSleeper
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// newSystemHarness wires the solar and battery pair onto fake
// hardware with no orchestrator on top, leaving the system in its
// automatic mode. Battery voltage maps linearly to SOC on the first
// update: for the single li-ion cell used here, 3.0V is empty and
// 4.2V is full.
func newSystemHarness(t *testing.T, packVoltage float32, bright bool) *harness {
	t.Helper()
	log := quietLogger()

	h := &harness{
		panel:  &fakePanel{voltage: 0.5, current: 1},
		duty:   &fakeDuty{},
		pack:   &fakePack{voltage: packVoltage},
		sw:     &fakeSwitch{},
		sleepr: &fakeSleeper{},
	}
	if bright {
		h.panel.voltage = 17
		h.panel.current = 400
	}

	bcfg, err := battery.DefaultConfig(battery.ChemistryLiIon, 1, 2000)
	require.NoError(t, err)
	batt, err := battery.New(bcfg, h.pack, h.sw, log)
	require.NoError(t, err)

	tracker, err := solar.New(solar.DefaultConfig(), h.panel, h.duty, log)
	require.NoError(t, err)

	h.sys = NewSystem(tracker, batt, log)
	return h
}

// newHarness adds the scheduler and orchestrator on top.
func newHarness(t *testing.T, packVoltage float32, bright bool) *harness {
	t.Helper()
	h := newSystemHarness(t, packVoltage, bright)
	log := quietLogger()

	scfg := schedule.Config{
		MinSleep:               time.Minute,
		DefaultSleep:           5 * time.Minute,
		MaxSleep:               4 * time.Hour,
		LowBatteryPercent:      30,
		CriticalBatteryPercent: 15,
		AnalysisInterval:       time.Minute,
	}
	h.sched = schedule.New(scfg, log)

	ocfg := DefaultOrchestratorConfig()
	ocfg.MaxSleep = 4 * time.Hour
	h.orch = NewOrchestrator(ocfg, h.sys, h.sched, h.sleepr, nil, log)
	return h
}

func TestSystemAutomaticEvaluation(t *testing.T) {
	cases := []struct {
		name     string
		voltage  float32
		bright   bool
		expected SystemMode
	}{
		{"critically low battery", 3.05, true, SystemEmergency},
		{"no usable solar", 3.5, false, SystemBalanced},
		{"low battery in sun", 3.5, true, SystemMaximumHarvest},
		{"nearly full in sun", 4.15, true, SystemBatteryPreserve},
		{"mid charge in sun", 3.7, true, SystemBalanced},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newSystemHarness(t, c.voltage, c.bright)
			h.sys.Update()
			assert.Equal(t, c.expected, h.sys.applied)
			assert.Equal(t, SystemAutomatic, h.sys.Mode())
		})
	}
}

func TestSystemManualModeIsIdempotent(t *testing.T) {
	h := newSystemHarness(t, 3.8, true)
	h.sys.SetMode(SystemBatteryPreserve)
	assert.Equal(t, SystemBatteryPreserve, h.sys.applied)
	assert.Equal(t, solar.AlgorithmConstantVoltage, h.sys.Tracker().Algorithm())

	// Re-applying the same mode changes nothing.
	h.sys.SetMode(SystemBatteryPreserve)
	assert.Equal(t, SystemBatteryPreserve, h.sys.applied)
}

func TestSystemEmergencyDisablesTracking(t *testing.T) {
	h := newSystemHarness(t, 3.8, true)
	h.sys.SetMode(SystemEmergency)
	h.sys.Update()
	assert.Zero(t, h.duty.duty)
}

func TestHarvestAccumulatorSurvivesDailyReset(t *testing.T) {
	h := newSystemHarness(t, 3.8, true)
	h.sys.Update()
	time.Sleep(60 * time.Millisecond)
	h.sys.Update()
	time.Sleep(60 * time.Millisecond)
	h.sys.Update()

	total := h.sys.TotalHarvestWh()
	require.Greater(t, total, 0.0)

	h.sys.Tracker().ResetDailyEnergy()
	time.Sleep(60 * time.Millisecond)
	h.sys.Update()

	// The reset zeroes the daily counter without losing lifetime
	// harvest.
	assert.Less(t, h.sys.DailyHarvestWh(), total)
	assert.GreaterOrEqual(t, h.sys.TotalHarvestWh(), total)
}

func TestOrchestratorModeEvaluation(t *testing.T) {
	cases := []struct {
		name     string
		voltage  float32
		bright   bool
		expected Mode
	}{
		{"critical battery", 3.1, true, ModeEmergency},
		{"low battery", 3.25, false, ModePowerSave},
		{"charging opportunity", 3.8, true, ModeSolarPriority},
		{"full in sun", 4.15, true, ModeBatteryPreserve},
		{"dark and healthy", 3.8, false, ModeNormal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, c.voltage, c.bright)
			h.orch.Update()
			assert.Equal(t, c.expected, h.orch.Mode())
		})
	}
}

func TestModeAppliesConsistentSettings(t *testing.T) {
	h := newHarness(t, 3.8, true)
	h.orch.SetMode(ModeEmergency)

	assert.Equal(t, SystemEmergency, h.sys.applied)
	assert.Equal(t, schedule.UltraAggressive, h.sched.EffectiveAggressiveness())
	assert.False(t, h.sw.enabled)

	h.orch.SetMode(ModeSolarPriority)
	assert.Equal(t, SystemMaximumHarvest, h.sys.applied)
	assert.True(t, h.sw.enabled)

	// Pack-preserving modes halve the charge current limit, the
	// others charge at the pack rating.
	h.orch.SetMode(ModeBatteryPreserve)
	assert.Equal(t, float32(1000), h.sys.Battery().ChargeCurrentLimit())
	h.orch.SetMode(ModeNormal)
	assert.Equal(t, float32(2000), h.sys.Battery().ChargeCurrentLimit())
}

func TestManualModeStopsAutomaticSwitching(t *testing.T) {
	h := newHarness(t, 3.1, true)
	h.orch.SetMode(ModeMaintenance)

	// Automatic evaluation would pick Emergency at this voltage.
	h.orch.Update()
	assert.Equal(t, ModeMaintenance, h.orch.Mode())

	h.orch.SetAutomatic(true)
	h.orch.lastEval = time.Time{}
	h.orch.Update()
	assert.Equal(t, ModeEmergency, h.orch.Mode())
}

func TestSleepOverridesByMode(t *testing.T) {
	h := newHarness(t, 3.9, true)
	h.orch.Update()

	// Make hour 14 a high-probability slot so the scheduler
	// baseline sits at the minimum.
	for day := 0; day < 6; day++ {
		h.sched.SetCurrentTime(14, 0)
		for i := 0; i < 6; i++ {
			h.sched.RecordMotionEvent()
		}
		h.sched.SetCurrentTime(23, 0)
		h.sched.SetCurrentTime(0, 0)
	}
	h.sched.SetCurrentTime(14, 0)
	h.sched.Update()
	h.sched.UpdateBatteryLevel(100)

	h.orch.SetMode(ModeNormal)
	assert.Equal(t, time.Minute, h.orch.RecommendedSleep())

	// PowerSave doubles via scheduler aggressiveness then applies
	// its own 1.5 factor.
	h.orch.SetMode(ModePowerSave)
	assert.Equal(t, 3*time.Minute, h.orch.RecommendedSleep())

	h.orch.SetMode(ModeSolarPriority)
	assert.Equal(t, time.Minute, h.orch.RecommendedSleep())

	h.orch.SetMode(ModeEmergency)
	assert.Equal(t, 4*time.Hour, h.orch.RecommendedSleep())

	h.orch.SetMode(ModeMaintenance)
	assert.Equal(t, time.Minute, h.orch.RecommendedSleep())
}

func TestSleepAlwaysClamped(t *testing.T) {
	h := newHarness(t, 3.1, false)
	h.orch.Update()
	for mode := ModeNormal; mode <= ModeMaintenance; mode++ {
		h.orch.SetMode(mode)
		d := h.orch.RecommendedSleep()
		assert.GreaterOrEqual(t, d, h.orch.cfg.MinSleep, mode.String())
		assert.LessOrEqual(t, d, h.orch.cfg.MaxSleep, mode.String())
	}
}

func TestStatusIsAlwaysWellFormed(t *testing.T) {
	h := newHarness(t, 3.8, true)
	st := h.orch.Status()
	assert.NotEmpty(t, st.Mode)
	assert.GreaterOrEqual(t, st.Battery.SOC, float32(0))
	assert.LessOrEqual(t, st.Battery.SOC, float32(100))

	h.orch.Update()
	st = h.orch.Status()
	assert.True(t, st.SolarAvailable)
	assert.Greater(t, st.SolarPowerMW, float32(0))
	assert.Greater(t, st.SleepSeconds, 0)
	assert.Equal(t, h.sys.Battery().DischargeStatistics(), st.Discharge)
	assert.Greater(t, st.ChargeCurrentLimitMA, float32(0))
}

func TestTimeToFullReportedInMinutes(t *testing.T) {
	// A single li-ion cell at 3.6V seeds the coulomb counter at half
	// of the 2000mAh capacity, so 1000mA of charge current puts one
	// hour between here and full.
	h := newHarness(t, 3.6, false)
	h.pack.current = 1000
	h.orch.Update()

	require.InDelta(t, 1.0, h.sys.Battery().TimeToFull(), 0.05)
	st := h.orch.Status()
	assert.InDelta(t, 60, st.TimeToFullMinutes, 3)
	assert.Equal(t, st.TimeToFullMinutes, h.orch.Snapshot().TimeToFullMinutes)
}

func TestSnapshotMatchesStatus(t *testing.T) {
	h := newHarness(t, 3.8, true)
	h.orch.Update()
	st := h.orch.Status()
	snap := h.orch.Snapshot()
	assert.Equal(t, st.Battery.SOC, snap.SOC)
	assert.Equal(t, st.Mode, snap.Mode)
	assert.Equal(t, st.Battery.Stage.String(), snap.ChargeStage)
}

func TestPrepareForDeepSleepSavesState(t *testing.T) {
	h := newHarness(t, 3.8, true)
	h.orch.Update()
	path := filepath.Join(t.TempDir(), "battery-state.json")
	h.orch.PrepareForDeepSleep(10*time.Minute, path)
	assert.FileExists(t, path)
}

func TestTelemetryEventsEmitted(t *testing.T) {
	h := newHarness(t, 3.8, true)
	events := &fakeEvents{}
	h.orch.SetEventSink(events)
	h.orch.Update()

	// A latched fault raises exactly one event however long it stays
	// latched.
	require.Zero(t, events.count("fault"))
	h.pack.voltage = 2.5
	time.Sleep(60 * time.Millisecond)
	h.orch.Update()
	time.Sleep(60 * time.Millisecond)
	h.orch.Update()
	assert.Equal(t, 1, events.count("fault"))
	assert.Equal(t, "under-voltage", events.last("fault"))

	h.orch.RecordMotionEvent()
	assert.Equal(t, 1, events.count("motion"))

	h.orch.SetMode(ModeMaintenance)
	assert.Equal(t, "maintenance", events.last("mode-change"))
}

func TestCellImbalanceReportLatchesFault(t *testing.T) {
	h := newHarness(t, 3.8, true)
	events := &fakeEvents{}
	h.orch.SetEventSink(events)
	h.orch.Update()

	h.orch.FlagCellImbalance()
	st := h.orch.Status()
	assert.Equal(t, battery.FaultCellImbalance, st.Battery.Fault)
	assert.False(t, h.sys.Battery().IsCharging())
	assert.Equal(t, 1, events.count("fault"))

	h.orch.ClearFault()
	assert.Equal(t, battery.FaultNone, h.orch.Status().Battery.Fault)
}

func TestSaveStateCarriesLifetimeHarvest(t *testing.T) {
	h := newHarness(t, 3.8, true)
	h.orch.Update()
	time.Sleep(60 * time.Millisecond)
	h.orch.Update()

	path := filepath.Join(t.TempDir(), "battery-state.json")
	require.NoError(t, h.orch.SaveState(path))
	assert.FileExists(t, path)

	total := h.sys.Tracker().TotalEnergyWh()
	require.Greater(t, total, 0.0)
	assert.Equal(t, total, h.sys.Battery().LifetimeHarvestWh())
}

func TestConcurrentCallersKeepStatusConsistent(t *testing.T) {
	h := newHarness(t, 3.8, true)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h.orch.Snapshot()
				h.orch.RecordMotionEvent()
				h.orch.SetCurrentTime(14, 0)
			}
		}()
	}
	for j := 0; j < 200; j++ {
		h.orch.Update()
	}
	wg.Wait()

	st := h.orch.Status()
	assert.NotEmpty(t, st.Mode)
	assert.GreaterOrEqual(t, st.Battery.SOC, float32(0))
	assert.LessOrEqual(t, st.Battery.SOC, float32(100))
}

func TestSuspendFailurePaths(t *testing.T) {
	h := newHarness(t, 3.8, true)

	h.orch.sleeper = nil
	assert.ErrorIs(t, h.orch.Suspend(time.Minute), ErrNoSleeper)

	h.sleepr.downErr = assert.AnError
	h.orch.sleeper = h.sleepr
	err := h.orch.Suspend(10 * time.Minute)
	assert.Error(t, err)
	assert.Equal(t, 10*time.Minute, h.sleepr.armed)
	assert.True(t, h.sleepr.poweredD)
}
