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

// Package battery estimates battery state and runs the multi-stage
// charging state machine for the camera's main pack.
package battery

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// Updates arriving faster than this are ignored, calling Update
	// too often is safe but pointless.
	minUpdateInterval = 50 * time.Millisecond

	// Health is slow moving, recompute on a long cadence.
	healthInterval = 60 * time.Second

	// Coulomb accumulator ceiling relative to nominal capacity.
	coulombCeilingFactor = 1.1

	// Below this current magnitude the pack is considered at rest
	// and the terminal voltage is a trustworthy SOC signal.
	restCurrentMA = 50.0

	restVoltageWeight = 0.7
	loadVoltageWeight = 0.3

	// Cycle fade reaches zero around this many charge cycles.
	cycleFadeLimit = 500

	// Temperature reported when no temperature sensor is fitted.
	// 25 C keeps temperature compensation neutral.
	defaultTemperatureC = 25.0

	// Consecutive sensor failures before a communication fault.
	maxSensorFailures = 5

	// Protection margins, per cell where voltage based.
	overVoltageMargin   = 0.1
	underVoltageMargin  = 0.2
	overCurrentFactor   = 1.2
)

// Sensor reads the battery's analog channels. Current and temperature
// sensing are optional hardware, their absence is not a fault.
type Sensor interface {
	BatteryVoltage() (float32, error)
	BatteryCurrent() (float32, error) // positive = charging
	HasCurrentSense() bool
	BatteryTemperature() (float32, error)
	HasTemperatureSense() bool
}

// ChargeSwitch drives the charge-enable line. The analytics owns this
// line, other layers go through SetChargingEnabled.
type ChargeSwitch interface {
	SetChargeEnabled(enabled bool) error
}

// State is the full battery snapshot, recomputed every update. All
// fields are valid whenever a copy is handed out.
type State struct {
	Voltage      float32        `json:"voltage"`
	CurrentMA    float32        `json:"current_ma"`
	TemperatureC float32        `json:"temperature_c"`
	SOC          float32        `json:"soc"`
	SOH          float32        `json:"soh"`
	CoulombMAH   float32        `json:"coulomb_mah"`
	Stage        Stage          `json:"stage"`
	Health       HealthCategory `json:"health"`
	Fault        Fault          `json:"fault"`
	CycleCount   int            `json:"cycle_count"`
	Balancing    bool           `json:"balancing"`
}

// Analytics owns the battery state. Single threaded: Update is called
// from the one periodic loop, nothing here spawns goroutines.
type Analytics struct {
	cfg Config

	sensor       Sensor
	chargeSwitch ChargeSwitch
	log          *logrus.Logger

	state           State
	chargingEnabled bool
	switchOn        bool
	maxChargeMA     float32 // effective limit, <= cfg.MaxChargeCurrentMA

	voltageCalibration float32
	lastRawVoltage     float32

	stageEntered   time.Time
	lastUpdate     time.Time
	lastHealthCalc time.Time
	sensorFailures int

	discharge dischargeTracker

	// Lifetime solar harvest, carried here so it rides along in the
	// persistent state file. The tracker owns the live counter.
	lifetimeHarvestWh float64

	now func() time.Time
}

// New builds the analytics for one pack. The logger is required, the
// core carries no global logging state.
func New(cfg Config, sensor Sensor, sw ChargeSwitch, log *logrus.Logger) (*Analytics, error) {
	if cfg.CellCount < 1 || cfg.CapacityMAH <= 0 {
		return nil, fmt.Errorf("battery config incomplete: %d cells, %.0f mAh", cfg.CellCount, cfg.CapacityMAH)
	}
	a := &Analytics{
		cfg:                cfg,
		sensor:             sensor,
		chargeSwitch:       sw,
		log:                log,
		chargingEnabled:    true,
		maxChargeMA:        cfg.MaxChargeCurrentMA,
		voltageCalibration: 1.0,
		now:                time.Now,
	}
	a.state.Stage = StageIdle
	a.state.SOH = 100
	a.state.Health = HealthExcellent
	a.state.TemperatureC = defaultTemperatureC
	a.discharge.init()
	log.Infof("battery pack: %s, %d cells, %.0f mAh, %.1fV charge, %.1fV cutoff",
		cfg.Chemistry, cfg.CellCount, cfg.CapacityMAH, cfg.PackChargeVoltage(), cfg.PackCutoffVoltage())
	return a, nil
}

// Config returns the active pack configuration.
func (a *Analytics) Config() Config {
	return a.cfg
}

// Reconfigure swaps the pack configuration, for a battery swap in the
// field. Stage machine and coulomb count restart, cycle count and
// faults are kept.
func (a *Analytics) Reconfigure(cfg Config) error {
	if cfg.CellCount < 1 || cfg.CapacityMAH <= 0 {
		return fmt.Errorf("battery config incomplete: %d cells, %.0f mAh", cfg.CellCount, cfg.CapacityMAH)
	}
	a.log.Infof("battery reconfigured: %s, %d cells, %.0f mAh", cfg.Chemistry, cfg.CellCount, cfg.CapacityMAH)
	a.cfg = cfg
	a.maxChargeMA = cfg.MaxChargeCurrentMA
	a.state.CoulombMAH = 0
	if a.state.Stage != StageFault {
		a.setStage(StageIdle)
	}
	return nil
}

// Update advances the estimator by one tick. Rate limited, calling it
// more often than the loop cadence is a no-op.
func (a *Analytics) Update() error {
	now := a.now()
	if !a.lastUpdate.IsZero() && now.Sub(a.lastUpdate) < minUpdateInterval {
		return nil
	}
	dt := now.Sub(a.lastUpdate)
	first := a.lastUpdate.IsZero()
	a.lastUpdate = now

	voltage, current, temp, err := a.readSensors()
	if err != nil {
		a.sensorFailures++
		if a.sensorFailures >= maxSensorFailures && a.state.Fault == FaultNone {
			a.raiseFault(FaultCommunication, fmt.Sprintf("sensor unreadable: %v", err))
		}
		return err
	}
	a.sensorFailures = 0

	a.state.Voltage = voltage
	a.state.CurrentMA = current
	a.state.TemperatureC = temp

	cellV := voltage / float32(a.cfg.CellCount)
	compTarget, compFloat := a.cfg.compensated(temp)

	if first {
		// Seed the coulomb counter from the resting voltage, it
		// converges as current integrates.
		a.state.CoulombMAH = clamp(a.voltageSOC(cellV), 0, 100) / 100 * a.cfg.CapacityMAH
		a.stageEntered = now
		a.lastHealthCalc = now
	} else {
		a.integrateCoulomb(current, dt)
	}

	// Protection wins over stage logic every tick.
	if fault, detail := a.checkProtection(cellV, current, temp, compTarget); fault != FaultNone {
		if a.state.Fault == FaultNone {
			a.raiseFault(fault, detail)
		}
	}

	if a.state.Fault == FaultNone {
		a.advanceStage(cellV, current, compTarget, compFloat, now)
	}

	a.state.SOC = a.estimateSOC(cellV, current)
	a.discharge.observe(now, a.state.SOC, a.state.Voltage)

	if now.Sub(a.lastHealthCalc) >= healthInterval {
		a.lastHealthCalc = now
		a.updateHealth()
	}

	a.state.Balancing = a.state.Stage == StageAbsorption &&
		isLithium(a.cfg.Chemistry) && cellV >= compTarget-0.05

	return a.driveChargeSwitch()
}

func (a *Analytics) readSensors() (voltage, current, temp float32, err error) {
	raw, err := a.sensor.BatteryVoltage()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("battery voltage read: %w", err)
	}
	a.lastRawVoltage = raw
	voltage = raw * a.voltageCalibration

	current = 0
	if a.sensor.HasCurrentSense() {
		current, err = a.sensor.BatteryCurrent()
		if err != nil {
			return 0, 0, 0, fmt.Errorf("battery current read: %w", err)
		}
	}

	temp = defaultTemperatureC
	if a.sensor.HasTemperatureSense() {
		temp, err = a.sensor.BatteryTemperature()
		if err != nil {
			return 0, 0, 0, fmt.Errorf("battery temperature read: %w", err)
		}
	}
	return voltage, current, temp, nil
}

func (a *Analytics) integrateCoulomb(currentMA float32, dt time.Duration) {
	delta := currentMA * float32(dt.Hours())
	a.state.CoulombMAH = clamp(a.state.CoulombMAH+delta, 0, coulombCeilingFactor*a.cfg.CapacityMAH)
}

// checkProtection tests every protection threshold for this tick and
// returns the first violation found.
func (a *Analytics) checkProtection(cellV, currentMA, tempC, compTarget float32) (Fault, string) {
	if cellV > compTarget+overVoltageMargin {
		return FaultOverVoltage, fmt.Sprintf("cell voltage %.3fV above %.3fV", cellV, compTarget+overVoltageMargin)
	}
	if cellV < a.cfg.CutoffVoltage-underVoltageMargin {
		return FaultUnderVoltage, fmt.Sprintf("cell voltage %.3fV below %.3fV", cellV, a.cfg.CutoffVoltage-underVoltageMargin)
	}
	// Protection trips on the pack's rated limit, not the softer
	// mode-driven limit, which only shapes regulation.
	if currentMA > a.cfg.MaxChargeCurrentMA*overCurrentFactor {
		return FaultOverCurrent, fmt.Sprintf("charge current %.0fmA above %.0fmA", currentMA, a.cfg.MaxChargeCurrentMA*overCurrentFactor)
	}
	if -currentMA > a.cfg.MaxDischargeCurrentMA*overCurrentFactor {
		return FaultOverCurrent, fmt.Sprintf("discharge current %.0fmA above %.0fmA", -currentMA, a.cfg.MaxDischargeCurrentMA*overCurrentFactor)
	}
	if tempC > a.cfg.MaxTempC {
		return FaultOverTemperature, fmt.Sprintf("temperature %.1fC above %.1fC", tempC, a.cfg.MaxTempC)
	}
	if a.isChargingStage() && tempC < a.cfg.MinChargeTempC {
		return FaultUnderTemperature, fmt.Sprintf("temperature %.1fC below charge limit %.1fC", tempC, a.cfg.MinChargeTempC)
	}
	return FaultNone, ""
}

func (a *Analytics) raiseFault(fault Fault, detail string) {
	a.log.Errorf("battery fault %s: %s", fault, detail)
	a.state.Fault = fault
	a.setStage(StageFault)
}

// ClearFault drops a latched fault and returns the stage machine to
// idle. Faults are never cleared automatically, the operator has to
// decide the underlying condition is gone.
func (a *Analytics) ClearFault() {
	if a.state.Fault == FaultNone {
		return
	}
	a.log.Infof("battery fault %s cleared", a.state.Fault)
	a.state.Fault = FaultNone
	a.setStage(StageIdle)
}

// FlagCellImbalance latches a cell-imbalance fault reported by an
// external balancer.
func (a *Analytics) FlagCellImbalance() {
	if a.state.Fault == FaultNone {
		a.raiseFault(FaultCellImbalance, "reported by balancer")
	}
}

func (a *Analytics) advanceStage(cellV, currentMA, compTarget, compFloat float32, now time.Time) {
	in := stageInput{
		cellVoltage:     cellV,
		currentMA:       currentMA,
		chargingEnabled: a.chargingEnabled,
		targetVoltage:   compTarget,
		floatVoltage:    compFloat,
		dwellElapsed:    now.Sub(a.stageEntered) >= minStageDwell,
	}
	next := a.cfg.nextStage(a.state.Stage, in)
	if next == a.state.Stage {
		return
	}
	if a.state.Stage == StageAbsorption && next == StageFloat {
		// Charge complete at taper, not at 100% voltage.
		a.state.CycleCount++
		a.state.CoulombMAH = a.cfg.CapacityMAH
		a.log.Infof("charge cycle %d complete", a.state.CycleCount)
	}
	a.log.Debugf("charging stage %s -> %s (%.3fV/cell, %.0fmA)", a.state.Stage, next, cellV, currentMA)
	a.state.Stage = next
	a.stageEntered = now
}

func (a *Analytics) setStage(s Stage) {
	a.state.Stage = s
	a.stageEntered = a.now()
}

func (a *Analytics) voltageSOC(cellV float32) float32 {
	span := a.cfg.ChargeVoltage - a.cfg.CutoffVoltage
	if span <= 0 {
		return 0
	}
	return clamp((cellV-a.cfg.CutoffVoltage)/span*100, 0, 100)
}

// estimateSOC blends the voltage and coulomb estimates. At rest the
// terminal voltage is reliable, under load the integrated current is.
func (a *Analytics) estimateSOC(cellV, currentMA float32) float32 {
	vSOC := a.voltageSOC(cellV)
	cSOC := clamp(a.state.CoulombMAH/a.cfg.CapacityMAH*100, 0, 100)

	vWeight := float32(loadVoltageWeight)
	if absf(currentMA) < restCurrentMA {
		vWeight = restVoltageWeight
	}
	return clamp(vWeight*vSOC+(1-vWeight)*cSOC, 0, 100)
}

func (a *Analytics) updateHealth() {
	cycleFade := clamp(100-float32(a.state.CycleCount)*(100.0/cycleFadeLimit), 0, 100)
	capacityFade := clamp(a.state.CoulombMAH/a.cfg.CapacityMAH*100, 0, 100)
	a.state.SOH = clamp(0.5*cycleFade+0.5*capacityFade, 0, 100)
	a.state.Health = healthCategory(a.state.SOH)
}

// SetChargingEnabled requests charging on or off. A latched fault
// keeps the line off regardless.
func (a *Analytics) SetChargingEnabled(enabled bool) error {
	a.chargingEnabled = enabled
	return a.driveChargeSwitch()
}

// SetMaxChargeCurrent lowers the effective charge current limit, for
// modes that want gentler charging. Values above the configured pack
// limit are capped to it.
func (a *Analytics) SetMaxChargeCurrent(ma float32) {
	if ma <= 0 || ma > a.cfg.MaxChargeCurrentMA {
		ma = a.cfg.MaxChargeCurrentMA
	}
	a.maxChargeMA = ma
}

// ChargeCurrentLimit returns the effective charge current limit, for
// the status surface.
func (a *Analytics) ChargeCurrentLimit() float32 {
	return a.maxChargeMA
}

func (a *Analytics) driveChargeSwitch() error {
	want := a.chargingEnabled && a.state.Fault == FaultNone
	if want == a.switchOn {
		return nil
	}
	if a.chargeSwitch != nil {
		if err := a.chargeSwitch.SetChargeEnabled(want); err != nil {
			return fmt.Errorf("charge enable line: %w", err)
		}
	}
	a.switchOn = want
	return nil
}

// IsCharging reports whether the pack is actually being charged.
func (a *Analytics) IsCharging() bool {
	return a.chargingEnabled && a.state.Fault == FaultNone && a.isChargingStage()
}

func (a *Analytics) isChargingStage() bool {
	switch a.state.Stage {
	case StagePrecharge, StageBulk, StageAbsorption, StageFloat:
		return true
	}
	return false
}

// CalibrateVoltage derives a multiplicative correction factor from a
// known reference voltage. Returns false, leaving calibration alone,
// when the current reading is too small to divide by.
func (a *Analytics) CalibrateVoltage(known float32) bool {
	if known <= 0 || a.lastRawVoltage < 0.5 {
		return false
	}
	a.voltageCalibration = known / a.lastRawVoltage
	a.log.Infof("battery voltage calibrated: factor %.4f", a.voltageCalibration)
	return true
}

// GetStatus returns a copy of the current state. Total: it always
// returns a well formed snapshot, errors only ever surface through
// the fault field.
func (a *Analytics) GetStatus() State {
	return a.state
}

// TimeToEmpty estimates hours until the pack is depleted from the
// observed discharge rates. Zero when unknown or charging.
func (a *Analytics) TimeToEmpty() float32 {
	rate := a.discharge.bestRate()
	if rate <= 0 || a.IsCharging() {
		return 0
	}
	return a.state.SOC / rate
}

// TimeToFull estimates hours until charge completes at the present
// charge current. Zero when not charging.
func (a *Analytics) TimeToFull() float32 {
	if !a.IsCharging() || a.state.CurrentMA <= 0 {
		return 0
	}
	remaining := a.cfg.CapacityMAH - a.state.CoulombMAH
	if remaining <= 0 {
		return 0
	}
	return remaining / a.state.CurrentMA
}

// SetLifetimeHarvestWh records the lifetime solar harvest so the
// next SaveState keeps it.
func (a *Analytics) SetLifetimeHarvestWh(wh float64) {
	if wh >= 0 {
		a.lifetimeHarvestWh = wh
	}
}

// LifetimeHarvestWh returns the harvest counter as last set or
// restored from the state file.
func (a *Analytics) LifetimeHarvestWh() float64 {
	return a.lifetimeHarvestWh
}

// DischargeStatistics exposes the tracked discharge rates for the
// status surface.
func (a *Analytics) DischargeStatistics() DischargeStatistics {
	return a.discharge.stats
}

func clamp(v, lo, hi float32) float32 {
	return float32(math.Min(float64(hi), math.Max(float64(lo), float64(v))))
}

func absf(v float32) float32 {
	return float32(math.Abs(float64(v)))
}

func isLithium(chemistry string) bool {
	switch chemistry {
	case ChemistryLiIon, ChemistryLiPo, ChemistryLiFePO4:
		return true
	}
	return false
}
