/*
wildcam-power - Power management for the WildCAM solar field camera
Copyright (C) 2025, The WildCAM Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package power

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thewriterben/wildcam-power/internal/battery"
	"github.com/thewriterben/wildcam-power/internal/schedule"
	"github.com/thewriterben/wildcam-power/internal/telemetry"
)

// Mode is the system-wide operating mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModePowerSave
	ModeSolarPriority
	ModeBatteryPreserve
	ModeEmergency
	ModeMaintenance
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModePowerSave:
		return "power-save"
	case ModeSolarPriority:
		return "solar-priority"
	case ModeBatteryPreserve:
		return "battery-preserve"
	case ModeEmergency:
		return "emergency"
	case ModeMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// Each mode maps to one consistent settings row, applied by both the
// manual and automatic paths.
type modeSettings struct {
	system          SystemMode
	aggressiveness  schedule.Aggressiveness
	chargingEnabled bool

	// Fraction of the pack's configured charge current limit. Modes
	// that favour pack longevity charge more gently.
	chargeCurrent float32
}

var modeTable = map[Mode]modeSettings{
	ModeNormal:          {SystemBalanced, schedule.Balanced, true, 1.0},
	ModePowerSave:       {SystemMaximumHarvest, schedule.Aggressive, true, 1.0},
	ModeSolarPriority:   {SystemMaximumHarvest, schedule.Conservative, true, 1.0},
	ModeBatteryPreserve: {SystemBatteryPreserve, schedule.Balanced, true, 0.5},
	ModeEmergency:       {SystemEmergency, schedule.UltraAggressive, false, 1.0},
	ModeMaintenance:     {SystemBalanced, schedule.Conservative, true, 0.5},
}

const (
	modeEvalInterval = 60 * time.Second

	powerSaveSleepFactor = 1.5
)

// ErrNoSleeper means suspend was requested with no power board
// attached, such as in a bench harness.
var ErrNoSleeper = errors.New("no sleep-capable power board attached")

// OrchestratorConfig sets the mode-evaluation thresholds and the
// sleep clamp shared with the scheduler.
type OrchestratorConfig struct {
	LowSOC      float32
	CriticalSOC float32
	FullSOC     float32

	MinSleep time.Duration
	MaxSleep time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		LowSOC:      30,
		CriticalSOC: 15,
		FullSOC:     90,
		MinSleep:    time.Minute,
		MaxSleep:    time.Hour,
	}
}

// Sleeper is the hardware path into timer-woken suspend, implemented
// by the power board MCU.
type Sleeper interface {
	SetWakeTimer(d time.Duration) error
	PowerDown() error
}

// EventSink receives discrete occurrences worth reporting off-camera:
// motion detections, latched faults, mode changes.
type EventSink interface {
	PublishEvent(kind, details string)
}

// Status is the aggregated read surface other layers consume.
// Always well formed, status reads have no error path.
type Status struct {
	Time time.Time `json:"time"`

	Battery              battery.State               `json:"battery"`
	Discharge            battery.DischargeStatistics `json:"discharge"`
	ChargeCurrentLimitMA float32                     `json:"charge_current_limit_ma"`

	SolarVoltage       float32 `json:"solar_voltage"`
	SolarCurrentMA     float32 `json:"solar_current_ma"`
	SolarPowerMW       float32 `json:"solar_power_mw"`
	SolarAvailable     bool    `json:"solar_available"`
	DailyHarvestWh     float64 `json:"daily_harvest_wh"`
	TotalHarvestWh     float64 `json:"total_harvest_wh"`
	ChargingEfficiency float32 `json:"charging_efficiency"`

	Mode          string  `json:"mode"`
	ActiveTime    bool    `json:"active_time"`
	ActivityScore float64 `json:"activity_score"`
	SleepSeconds  int     `json:"sleep_seconds"`

	TimeToEmptyHours  float32 `json:"time_to_empty_hours"`
	TimeToFullMinutes float32 `json:"time_to_full_minutes"`
}

// Orchestrator is the root of the power stack. The components below
// it are single threaded, so the orchestrator serializes every entry
// point: the tick loop, the dbus handlers, the HTTP status reads and
// the cron jobs all come through the one mutex.
type Orchestrator struct {
	cfg   OrchestratorConfig
	sys   *System
	sched *schedule.Scheduler
	log   *logrus.Logger

	sleeper Sleeper
	metrics *telemetry.PromSink
	events  EventSink

	mu        sync.Mutex
	mode      Mode
	automatic bool
	lastEval  time.Time
	lastFault battery.Fault

	now func() time.Time
}

// NewOrchestrator builds the root. sleeper and metrics may be nil
// when running headless in tests.
func NewOrchestrator(cfg OrchestratorConfig, sys *System, sched *schedule.Scheduler,
	sleeper Sleeper, metrics *telemetry.PromSink, log *logrus.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		sys:       sys,
		sched:     sched,
		log:       log,
		sleeper:   sleeper,
		metrics:   metrics,
		mode:      -1,
		automatic: true,
		now:       time.Now,
	}
	o.applyMode(ModeNormal)
	return o
}

// SetEventSink attaches the telemetry event publisher. Events raised
// before a sink is attached are dropped.
func (o *Orchestrator) SetEventSink(sink EventSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = sink
}

// Update ticks the whole stack. Safe to call faster than the
// components' own rate limits.
func (o *Orchestrator) Update() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.sys.Update()
	o.sched.Update()
	o.sched.UpdateBatteryLevel(o.sys.Battery().GetStatus().SOC)
	o.noteFaultTransitions()

	if !o.automatic {
		return
	}
	now := o.now()
	if !o.lastEval.IsZero() && now.Sub(o.lastEval) < modeEvalInterval {
		return
	}
	o.lastEval = now
	o.applyMode(o.evaluate())
}

// noteFaultTransitions reports a newly latched fault exactly once,
// however many ticks it stays latched for.
func (o *Orchestrator) noteFaultTransitions() {
	fault := o.sys.Battery().GetStatus().Fault
	if fault == o.lastFault {
		return
	}
	if fault != battery.FaultNone {
		if o.metrics != nil {
			o.metrics.RecordFault(fault.String())
		}
		if o.events != nil {
			o.events.PublishEvent("fault", fault.String())
		}
	}
	o.lastFault = fault
}

// evaluate derives the operating mode from battery charge and solar
// availability.
func (o *Orchestrator) evaluate() Mode {
	soc := o.sys.Battery().GetStatus().SOC
	solar := o.sys.Tracker().IsDaylight()
	switch {
	case soc < o.cfg.CriticalSOC:
		return ModeEmergency
	case soc < o.cfg.LowSOC:
		return ModePowerSave
	case solar && soc < o.cfg.FullSOC:
		return ModeSolarPriority
	case solar:
		return ModeBatteryPreserve
	default:
		return ModeNormal
	}
}

// SetMode selects a mode manually and stops automatic evaluation
// until SetAutomatic(true).
func (o *Orchestrator) SetMode(mode Mode) {
	if _, ok := modeTable[mode]; !ok {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.automatic = false
	o.applyMode(mode)
}

// SetAutomatic re-enables the periodic mode evaluation.
func (o *Orchestrator) SetAutomatic(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.automatic = enabled
}

func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func (o *Orchestrator) applyMode(mode Mode) {
	if mode == o.mode {
		return
	}
	row := modeTable[mode]
	o.sys.SetMode(row.system)
	o.sched.SetAggressiveness(row.aggressiveness)
	batt := o.sys.Battery()
	batt.SetMaxChargeCurrent(batt.Config().MaxChargeCurrentMA * row.chargeCurrent)
	if err := batt.SetChargingEnabled(row.chargingEnabled); err != nil {
		o.log.Warnf("setting charging for mode %s: %v", mode, err)
	}
	o.mode = mode
	o.log.Infof("operating mode %s", mode)
	if o.metrics != nil {
		o.metrics.RecordModeChange(mode.String())
	}
	if o.events != nil {
		o.events.PublishEvent("mode-change", mode.String())
	}
}

// RecordMotionEvent feeds a detection into the scheduler.
func (o *Orchestrator) RecordMotionEvent() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sched.RecordMotionEvent()
	if o.metrics != nil {
		o.metrics.RecordMotionEvent()
	}
	if o.events != nil {
		o.events.PublishEvent("motion", "")
	}
}

// SetCurrentTime passes the RTC time through to the scheduler.
func (o *Orchestrator) SetCurrentTime(hour, minute int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sched.SetCurrentTime(hour, minute)
}

// UpdateWeather passes cloud cover and ambient temperature to the
// tracker.
func (o *Orchestrator) UpdateWeather(cloudCoverPercent, temperatureC float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sys.Tracker().UpdateWeather(cloudCoverPercent, temperatureC)
}

// ClearFault clears a latched battery fault.
func (o *Orchestrator) ClearFault() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sys.Battery().ClearFault()
	o.lastFault = battery.FaultNone
}

// FlagCellImbalance latches the fault an external balancer reports.
func (o *Orchestrator) FlagCellImbalance() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sys.Battery().FlagCellImbalance()
	o.noteFaultTransitions()
}

// CalibrateBattery derives a voltage correction factor from a known
// reference reading. False means the calibration was rejected.
func (o *Orchestrator) CalibrateBattery(knownVoltage float32) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sys.Battery().CalibrateVoltage(knownVoltage)
}

// CalibrateSolar applies voltage and current correction factors to
// the panel sensors.
func (o *Orchestrator) CalibrateSolar(voltageFactor, currentFactor float32) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sys.Tracker().Calibrate(voltageFactor, currentFactor)
}

// ResetDailyHarvest zeroes the tracker's daily accumulator, for the
// midnight cron job.
func (o *Orchestrator) ResetDailyHarvest() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sys.Tracker().ResetDailyEnergy()
}

// RecommendedSleep starts from the scheduler's recommendation and
// applies the mode override, clamped to the configured bounds.
func (o *Orchestrator) RecommendedSleep() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recommendedSleep()
}

func (o *Orchestrator) recommendedSleep() time.Duration {
	d := o.sched.RecommendedSleep()
	switch o.mode {
	case ModeEmergency:
		d = o.cfg.MaxSleep
	case ModePowerSave:
		d = time.Duration(float64(d) * powerSaveSleepFactor)
	case ModeSolarPriority:
		if o.sys.Tracker().IsDaylight() {
			d /= 2
		}
	case ModeMaintenance:
		d = o.cfg.MinSleep
	}
	if d < o.cfg.MinSleep {
		d = o.cfg.MinSleep
	}
	if d > o.cfg.MaxSleep {
		d = o.cfg.MaxSleep
	}
	return d
}

// Status aggregates the whole stack into one snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status()
}

func (o *Orchestrator) status() Status {
	batt := o.sys.Battery()
	reading := o.sys.Tracker().Reading()
	sleep := o.recommendedSleep()
	return Status{
		Time:                 o.now(),
		Battery:              batt.GetStatus(),
		Discharge:            batt.DischargeStatistics(),
		ChargeCurrentLimitMA: batt.ChargeCurrentLimit(),
		SolarVoltage:         reading.Voltage,
		SolarCurrentMA:       reading.CurrentMA,
		SolarPowerMW:         reading.PowerMW,
		SolarAvailable:       reading.Daylight,
		DailyHarvestWh:       o.sys.DailyHarvestWh(),
		TotalHarvestWh:       o.sys.TotalHarvestWh(),
		ChargingEfficiency:   o.sys.Tracker().ChargingEfficiency(),
		Mode:                 o.mode.String(),
		ActiveTime:           o.sched.IsActiveNow(),
		ActivityScore:        o.sched.ActivityScore(),
		SleepSeconds:         int(sleep / time.Second),
		TimeToEmptyHours:     batt.TimeToEmpty(),
		TimeToFullMinutes:    batt.TimeToFull() * 60,
	}
}

// Snapshot flattens Status for the telemetry sinks.
func (o *Orchestrator) Snapshot() telemetry.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status()
	return telemetry.Snapshot{
		Time:              st.Time,
		BatteryVoltage:    st.Battery.Voltage,
		BatteryCurrentMA:  st.Battery.CurrentMA,
		BatteryTempC:      st.Battery.TemperatureC,
		SOC:               st.Battery.SOC,
		SOH:               st.Battery.SOH,
		ChargeStage:       st.Battery.Stage.String(),
		Fault:             st.Battery.Fault.String(),
		CycleCount:        st.Battery.CycleCount,
		TimeToEmptyHours:  st.TimeToEmptyHours,
		TimeToFullMinutes: st.TimeToFullMinutes,
		SolarVoltage:      st.SolarVoltage,
		SolarPowerMW:      st.SolarPowerMW,
		DailyEnergyWh:     float32(st.DailyHarvestWh),
		Daylight:          st.SolarAvailable,
		Mode:              st.Mode,
		ActivityScore:     st.ActivityScore,
		SleepSeconds:      st.SleepSeconds,
	}
}

// Healthy reports whether the battery path is talking to the
// hardware.
func (o *Orchestrator) Healthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sys.Battery().GetStatus().Fault != battery.FaultCommunication
}

// SaveState persists the battery wear state together with the
// lifetime harvest counter.
func (o *Orchestrator) SaveState(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.saveState(path)
}

func (o *Orchestrator) saveState(path string) error {
	o.sys.Battery().SetLifetimeHarvestWh(o.sys.Tracker().TotalEnergyWh())
	return o.sys.Battery().SaveState(path)
}

// PrepareForDeepSleep is phase one of suspend: persist what must
// survive, drop charging in emergency, log the final snapshot.
func (o *Orchestrator) PrepareForDeepSleep(d time.Duration, statePath string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mode == ModeEmergency {
		if err := o.sys.Battery().SetChargingEnabled(false); err != nil {
			o.log.Warnf("disabling charging before suspend: %v", err)
		}
	}
	if statePath != "" {
		if err := o.saveState(statePath); err != nil {
			o.log.Errorf("saving battery state: %v", err)
		}
	}
	st := o.status()
	o.log.WithFields(logrus.Fields{
		"mode":  st.Mode,
		"soc":   st.Battery.SOC,
		"stage": st.Battery.Stage.String(),
		"sleep": d.String(),
	}).Info("entering deep sleep")
}

// Suspend is phase two: arm the wake timer and cut power. On success
// it never returns, execution resumes at boot.
func (o *Orchestrator) Suspend(d time.Duration) error {
	if o.sleeper == nil {
		return ErrNoSleeper
	}
	if err := o.sleeper.SetWakeTimer(d); err != nil {
		return err
	}
	if err := o.sleeper.PowerDown(); err != nil {
		return err
	}
	// Power is about to drop. Hold here until it does.
	select {}
}
