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

package battery

import "time"

// Stage is a phase of the multi-stage charge profile.
type Stage int

const (
	StageIdle Stage = iota
	StagePrecharge
	StageBulk
	StageAbsorption
	StageFloat
	StageFault
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StagePrecharge:
		return "precharge"
	case StageBulk:
		return "bulk"
	case StageAbsorption:
		return "absorption"
	case StageFloat:
		return "float"
	case StageFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Fault identifies a protection violation. Faults latch: the stage
// stays at StageFault until ClearFault is called.
type Fault int

const (
	FaultNone Fault = iota
	FaultOverVoltage
	FaultUnderVoltage
	FaultOverCurrent
	FaultOverTemperature
	FaultUnderTemperature
	FaultCellImbalance
	FaultCommunication
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultOverVoltage:
		return "over-voltage"
	case FaultUnderVoltage:
		return "under-voltage"
	case FaultOverCurrent:
		return "over-current"
	case FaultOverTemperature:
		return "over-temperature"
	case FaultUnderTemperature:
		return "under-temperature"
	case FaultCellImbalance:
		return "cell-imbalance"
	case FaultCommunication:
		return "communication"
	default:
		return "unknown"
	}
}

// HealthCategory buckets state of health the way the status surface
// reports it.
type HealthCategory int

const (
	HealthExcellent HealthCategory = iota
	HealthGood
	HealthFair
	HealthPoor
	HealthReplace
)

func (h HealthCategory) String() string {
	switch h {
	case HealthExcellent:
		return "excellent"
	case HealthGood:
		return "good"
	case HealthFair:
		return "fair"
	case HealthPoor:
		return "poor"
	case HealthReplace:
		return "replace"
	default:
		return "unknown"
	}
}

func healthCategory(soh float32) HealthCategory {
	switch {
	case soh > 90:
		return HealthExcellent
	case soh > 70:
		return HealthGood
	case soh > 50:
		return HealthFair
	case soh > 30:
		return HealthPoor
	default:
		return HealthReplace
	}
}

// Noisy readings near a threshold can make a stage flap, so a stage
// must dwell before it may exit. There is deliberately no maximum
// dwell, a slow charge is not a fault.
const minStageDwell = 5 * time.Second

// stageInput is everything the transition function looks at for one
// tick. Voltages are per cell and already temperature compensated.
type stageInput struct {
	cellVoltage     float32
	currentMA       float32
	chargingEnabled bool
	targetVoltage   float32 // compensated charge voltage per cell
	floatVoltage    float32 // compensated float voltage per cell
	dwellElapsed    bool
}

// nextStage returns the stage to move to from the current stage.
// StageFault never appears here, protection latches it separately and
// only ClearFault leaves it.
func (c *Config) nextStage(current Stage, in stageInput) Stage {
	if !in.chargingEnabled {
		return StageIdle
	}

	switch current {
	case StageIdle:
		if in.cellVoltage < c.PrechargeVoltage {
			return StagePrecharge
		}
		if in.cellVoltage < in.targetVoltage {
			return StageBulk
		}
		return StageIdle

	case StagePrecharge:
		if !in.dwellElapsed {
			return StagePrecharge
		}
		if in.cellVoltage >= c.PrechargeVoltage {
			return StageBulk
		}
		return StagePrecharge

	case StageBulk:
		if !in.dwellElapsed {
			return StageBulk
		}
		if in.cellVoltage >= in.targetVoltage {
			return StageAbsorption
		}
		return StageBulk

	case StageAbsorption:
		if !in.dwellElapsed {
			return StageAbsorption
		}
		if in.currentMA >= 0 && in.currentMA < c.AbsorptionCurrentMA {
			return StageFloat
		}
		return StageAbsorption

	case StageFloat:
		if !in.dwellElapsed {
			return StageFloat
		}
		// Re-bulk safety net: voltage sagging under sustained load
		// means float can no longer hold the battery up.
		if in.cellVoltage < in.floatVoltage-rebulkDeltaVoltage && absf(in.currentMA) > c.AbsorptionCurrentMA {
			return StageBulk
		}
		return StageFloat

	default:
		return current
	}
}

const rebulkDeltaVoltage = 0.1 // V per cell below float before re-bulk
