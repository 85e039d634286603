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

// Package power composes the solar tracker, battery analytics and
// activity scheduler into one mode-driven system and runs the
// periodic control loop.
package power

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thewriterben/wildcam-power/internal/battery"
	"github.com/thewriterben/wildcam-power/internal/solar"
)

// SystemMode selects how hard the tracker works the panel.
type SystemMode int

const (
	SystemBalanced SystemMode = iota
	SystemMaximumHarvest
	SystemBatteryPreserve
	SystemEmergency
	SystemAutomatic
)

func (m SystemMode) String() string {
	switch m {
	case SystemBalanced:
		return "balanced"
	case SystemMaximumHarvest:
		return "maximum-harvest"
	case SystemBatteryPreserve:
		return "battery-preserve"
	case SystemEmergency:
		return "emergency"
	case SystemAutomatic:
		return "automatic"
	default:
		return "unknown"
	}
}

// One row per mode keeps the manual and automatic paths applying
// identical settings.
type systemSettings struct {
	algorithm         solar.Algorithm
	weatherAdaptation bool
	trackingEnabled   bool
}

var systemModeTable = map[SystemMode]systemSettings{
	SystemMaximumHarvest:  {solar.AlgorithmPerturbObserve, true, true},
	SystemBatteryPreserve: {solar.AlgorithmConstantVoltage, false, true},
	SystemBalanced:        {solar.AlgorithmIncrementalConductance, true, true},
	SystemEmergency:       {solar.AlgorithmPerturbObserve, false, false},
}

// SOC thresholds for the automatic mode evaluation.
const (
	systemEmergencySOC = 20
	systemHarvestSOC   = 50
	systemPreserveSOC  = 80

	autoEvalInterval = 60 * time.Second
)

// System pairs the tracker and the battery under one mode.
type System struct {
	tracker *solar.Tracker
	battery *battery.Analytics
	log     *logrus.Logger

	mode     SystemMode
	applied  SystemMode
	lastEval time.Time

	// Harvest counters survive tracker daily resets.
	lastDailyWh float64
	dailyWh     float64
	totalWh     float64

	now func() time.Time
}

// NewSystem starts in automatic mode.
func NewSystem(tracker *solar.Tracker, batt *battery.Analytics, log *logrus.Logger) *System {
	s := &System{
		tracker: tracker,
		battery: batt,
		log:     log,
		mode:    SystemAutomatic,
		applied: -1,
		now:     time.Now,
	}
	s.applySettings(SystemBalanced)
	return s
}

// SetMode selects the tracking behavior. Re-applying the current
// mode is a no-op.
func (s *System) SetMode(mode SystemMode) {
	if mode == s.mode {
		return
	}
	s.mode = mode
	if mode != SystemAutomatic {
		s.applySettings(mode)
	}
}

func (s *System) Mode() SystemMode {
	return s.mode
}

func (s *System) applySettings(mode SystemMode) {
	if mode == s.applied {
		return
	}
	row := systemModeTable[mode]
	s.tracker.SetAlgorithm(row.algorithm)
	s.tracker.SetWeatherAdaptation(row.weatherAdaptation)
	if err := s.tracker.SetTrackingEnabled(row.trackingEnabled); err != nil {
		s.log.Warnf("setting tracking for mode %s: %v", mode, err)
	}
	s.applied = mode
	s.log.Infof("solar mode %s: algorithm=%s tracking=%t",
		mode, row.algorithm, row.trackingEnabled)
}

// Update ticks both components and, in automatic mode, re-evaluates
// the settings every minute.
func (s *System) Update() {
	if err := s.tracker.Update(); err != nil {
		s.log.Warnf("solar update: %v", err)
	}
	if err := s.battery.Update(); err != nil {
		s.log.Warnf("battery update: %v", err)
	}
	s.accumulateHarvest()

	if s.mode != SystemAutomatic {
		return
	}
	now := s.now()
	if !s.lastEval.IsZero() && now.Sub(s.lastEval) < autoEvalInterval {
		return
	}
	s.lastEval = now
	s.applySettings(s.evaluate())
}

// evaluate picks settings from battery charge and solar availability.
func (s *System) evaluate() SystemMode {
	soc := s.battery.GetStatus().SOC
	switch {
	case soc < systemEmergencySOC:
		return SystemEmergency
	case !s.tracker.IsDaylight():
		return SystemBalanced
	case soc <= systemHarvestSOC:
		return SystemMaximumHarvest
	case soc > systemPreserveSOC:
		return SystemBatteryPreserve
	default:
		return SystemBalanced
	}
}

// accumulateHarvest folds the tracker's daily counter into counters
// that survive its midnight reset. A decrease means the counter was
// reset, so only the post-reset value is new energy.
func (s *System) accumulateHarvest() {
	daily := s.tracker.DailyEnergyWh()
	delta := daily - s.lastDailyWh
	if delta < 0 {
		delta = daily
		s.dailyWh = 0
	}
	s.lastDailyWh = daily
	s.dailyWh += delta
	s.totalWh += delta
}

// DailyHarvestWh is today's harvest as accumulated by the system.
func (s *System) DailyHarvestWh() float64 {
	return s.dailyWh
}

// TotalHarvestWh is the harvest accumulated since the system was
// built, reset-proof.
func (s *System) TotalHarvestWh() float64 {
	return s.totalWh
}

// Tracker exposes the solar tracker to the orchestrator. Other
// layers should read status through the orchestrator instead.
func (s *System) Tracker() *solar.Tracker {
	return s.tracker
}

// Battery exposes the battery analytics to the orchestrator.
func (s *System) Battery() *battery.Analytics {
	return s.battery
}
