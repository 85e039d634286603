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

package solar

// Algorithm selects the maximum-power-point tracking strategy.
type Algorithm int

const (
	// AlgorithmPerturbObserve perturbs the operating point every
	// tick and keeps going while power rises. Fast, oscillates a
	// little around the optimum.
	AlgorithmPerturbObserve Algorithm = iota
	// AlgorithmIncrementalConductance compares the incremental and
	// instantaneous conductance. Steadier than P&O in stable light.
	AlgorithmIncrementalConductance
	// AlgorithmConstantVoltage regulates the panel to a fixed
	// fraction-of-open-circuit voltage. Cheapest, used when gentle
	// steady charging matters more than yield.
	AlgorithmConstantVoltage
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmPerturbObserve:
		return "perturb-observe"
	case AlgorithmIncrementalConductance:
		return "incremental-conductance"
	case AlgorithmConstantVoltage:
		return "constant-voltage"
	default:
		return "unknown"
	}
}

const (
	// Duty perturbation per tick before cloud damping.
	perturbStepBase = 4

	// Voltage and current deadbands for incremental conductance,
	// below these the readings are treated as unchanged.
	icVoltageDeadband = 0.02
	icCurrentDeadband = 5.0

	// Window around the constant-voltage target.
	cvVoltageDeadband = 0.1
)

// Increasing duty pulls more current and drags the panel voltage
// down, so "raise the panel voltage" always means "lower the duty".

// stepPerturbObserve reverses the perturbation direction whenever the
// last perturbation lost power.
func (t *Tracker) stepPerturbObserve(powerMW float32) {
	if powerMW < t.prevPowerMW {
		t.perturbDirection = -t.perturbDirection
	}
	t.applyDutyDelta(t.perturbDirection * t.scaledStep())
}

// stepIncrementalConductance evaluates the sign of dP/dV through the
// conductance comparison dI/dV vs -I/V.
func (t *Tracker) stepIncrementalConductance(voltage, currentMA float32) {
	dV := voltage - t.prevVoltage
	dI := currentMA - t.prevCurrentMA

	step := t.scaledStep()
	if absf(dV) < icVoltageDeadband {
		// Voltage flat: a current change alone says which way the
		// light moved.
		if dI > icCurrentDeadband {
			t.applyDutyDelta(step)
		} else if dI < -icCurrentDeadband {
			t.applyDutyDelta(-step)
		}
		return
	}
	if voltage < 0.1 {
		return
	}
	incremental := dI / dV
	instantaneous := -currentMA / voltage
	switch {
	case incremental > instantaneous:
		// Left of the maximum power point, raise the voltage.
		t.applyDutyDelta(-step)
	case incremental < instantaneous:
		t.applyDutyDelta(step)
	}
}

// stepConstantVoltage regulates toward the configured target voltage.
func (t *Tracker) stepConstantVoltage(voltage float32) {
	step := t.scaledStep()
	switch {
	case voltage < t.cfg.TargetVoltage-cvVoltageDeadband:
		t.applyDutyDelta(-step)
	case voltage > t.cfg.TargetVoltage+cvVoltageDeadband:
		t.applyDutyDelta(step)
	}
}

// scaledStep dampens tracking when the cloud factor says the light is
// unstable, never below one duty count.
func (t *Tracker) scaledStep() int {
	step := int(float32(perturbStepBase) * t.cloudFactor)
	if step < 1 {
		step = 1
	}
	return step
}

func (t *Tracker) applyDutyDelta(delta int) {
	duty := int(t.dutyCycle) + delta
	if duty < 0 {
		duty = 0
	}
	if duty > 255 {
		duty = 255
	}
	t.dutyCycle = uint8(duty)
}
