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

// Package solar runs maximum-power-point tracking for the camera's
// panel and accounts for the energy it harvests.
package solar

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	minUpdateInterval = 50 * time.Millisecond

	adcSampleCount = 16
)

// Sensor reads the panel's analog channels.
type Sensor interface {
	PanelVoltage() (float32, error)
	PanelCurrent() (float32, error) // mA
}

// DutyOutput drives the charge-control line. The tracker owns this
// line exclusively.
type DutyOutput interface {
	SetChargeDuty(duty uint8) error
}

// Reading is the panel state for one tick. Recomputed every update,
// never persisted.
type Reading struct {
	Voltage    float32 `json:"voltage"`
	CurrentMA  float32 `json:"current_ma"`
	PowerMW    float32 `json:"power_mw"`
	Daylight   bool    `json:"daylight"`
	CloudCover float32 `json:"cloud_cover"`
}

// Config holds the tracker's tunables.
type Config struct {
	Algorithm Algorithm

	// Panel voltage the constant-voltage algorithm regulates to.
	TargetVoltage float32

	// Below this panel power there is no usable daylight. Not a
	// fault, just night.
	MinDaylightPowerMW float32
}

// DefaultConfig suits the 12V-class panels the camera ships with.
func DefaultConfig() Config {
	return Config{
		Algorithm:          AlgorithmPerturbObserve,
		TargetVoltage:      17.0,
		MinDaylightPowerMW: 50,
	}
}

// Tracker drives the panel toward its maximum power point. Single
// threaded, updated from the one periodic loop.
type Tracker struct {
	cfg    Config
	sensor Sensor
	duty   DutyOutput
	log    *logrus.Logger

	vSamples rollingAverage
	iSamples rollingAverage

	reading       Reading
	prevPowerMW   float32
	prevVoltage   float32
	prevCurrentMA float32

	perturbDirection  int
	dutyCycle         uint8
	trackingEnabled   bool
	weatherAdaptation bool
	cloudFactor       float32
	ambientTempC      float32

	voltageCalibration float32
	currentCalibration float32
	lastRawVoltage     float32

	dailyWh          float64
	totalWh          float64
	peakPowerMWToday float32

	lastUpdate time.Time
	now        func() time.Time
}

// New builds a tracker. The logger is required.
func New(cfg Config, sensor Sensor, duty DutyOutput, log *logrus.Logger) (*Tracker, error) {
	if cfg.TargetVoltage <= 0 {
		return nil, fmt.Errorf("invalid constant-voltage target: %.2fV", cfg.TargetVoltage)
	}
	return &Tracker{
		cfg:                cfg,
		sensor:             sensor,
		duty:               duty,
		log:                log,
		perturbDirection:   1,
		trackingEnabled:    true,
		cloudFactor:        1.0,
		ambientTempC:       20,
		voltageCalibration: 1.0,
		currentCalibration: 1.0,
		now:                time.Now,
	}, nil
}

// Update runs one tracking step: sample, decide, drive the duty line,
// integrate energy. Rate limited like every update in this core.
func (t *Tracker) Update() error {
	now := t.now()
	if !t.lastUpdate.IsZero() && now.Sub(t.lastUpdate) < minUpdateInterval {
		return nil
	}
	dt := now.Sub(t.lastUpdate)
	first := t.lastUpdate.IsZero()
	t.lastUpdate = now

	rawV, err := t.sensor.PanelVoltage()
	if err != nil {
		return fmt.Errorf("panel voltage read: %w", err)
	}
	t.lastRawVoltage = rawV
	rawI, err := t.sensor.PanelCurrent()
	if err != nil {
		return fmt.Errorf("panel current read: %w", err)
	}

	voltage := t.vSamples.push(rawV * t.voltageCalibration)
	currentMA := t.iSamples.push(rawI * t.currentCalibration)
	powerMW := voltage * currentMA

	t.reading.Voltage = voltage
	t.reading.CurrentMA = currentMA
	t.reading.PowerMW = powerMW
	t.reading.Daylight = powerMW >= t.cfg.MinDaylightPowerMW

	if !first && t.reading.Daylight {
		t.dailyWh += float64(powerMW) / 1000 * dt.Hours()
		t.totalWh += float64(powerMW) / 1000 * dt.Hours()
	}
	if powerMW > t.peakPowerMWToday {
		t.peakPowerMWToday = powerMW
	}

	if t.trackingEnabled && t.reading.Daylight && !first {
		switch t.cfg.Algorithm {
		case AlgorithmPerturbObserve:
			t.stepPerturbObserve(powerMW)
		case AlgorithmIncrementalConductance:
			t.stepIncrementalConductance(voltage, currentMA)
		case AlgorithmConstantVoltage:
			t.stepConstantVoltage(voltage)
		}
		if err := t.duty.SetChargeDuty(t.dutyCycle); err != nil {
			return fmt.Errorf("charge duty line: %w", err)
		}
	}

	t.prevPowerMW = powerMW
	t.prevVoltage = voltage
	t.prevCurrentMA = currentMA
	return nil
}

// SetAlgorithm switches tracking strategy. Re-applying the current
// algorithm is a no-op.
func (t *Tracker) SetAlgorithm(a Algorithm) {
	if a == t.cfg.Algorithm {
		return
	}
	t.log.Infof("mppt algorithm %s -> %s", t.cfg.Algorithm, a)
	t.cfg.Algorithm = a
	t.perturbDirection = 1
}

// Algorithm returns the active tracking strategy.
func (t *Tracker) Algorithm() Algorithm {
	return t.cfg.Algorithm
}

// SetTrackingEnabled turns the control loop off entirely, for the
// emergency mode where even the tracking step costs too much.
func (t *Tracker) SetTrackingEnabled(enabled bool) error {
	if enabled == t.trackingEnabled {
		return nil
	}
	t.trackingEnabled = enabled
	if !enabled {
		t.dutyCycle = 0
		if err := t.duty.SetChargeDuty(0); err != nil {
			return fmt.Errorf("charge duty line: %w", err)
		}
	}
	return nil
}

// SetWeatherAdaptation controls whether weather hints dampen the
// tracking step.
func (t *Tracker) SetWeatherAdaptation(enabled bool) {
	t.weatherAdaptation = enabled
	if !enabled {
		t.cloudFactor = 1.0
	}
}

// UpdateWeather feeds in cloud cover and ambient temperature hints
// from the environment estimator.
func (t *Tracker) UpdateWeather(cloudCoverPercent, temperatureC float32) {
	t.reading.CloudCover = clamp(cloudCoverPercent, 0, 100)
	t.ambientTempC = temperatureC
	if t.weatherAdaptation {
		// Unstable light: damp the perturbation so the tracker does
		// not chase cloud edges.
		t.cloudFactor = 1.0 - 0.5*t.reading.CloudCover/100
	}
}

// Reading returns the last computed panel state.
func (t *Tracker) Reading() Reading {
	return t.reading
}

// DutyCycle returns the current charge-control duty.
func (t *Tracker) DutyCycle() uint8 {
	return t.dutyCycle
}

// IsDaylight reports whether there is usable solar input.
func (t *Tracker) IsDaylight() bool {
	return t.reading.Daylight
}

// IsAtMaxPowerPoint reports whether the last step left power roughly
// unchanged. Read-only projection, never triggers a tracking step.
func (t *Tracker) IsAtMaxPowerPoint() bool {
	if !t.reading.Daylight || t.prevPowerMW <= 0 {
		return false
	}
	return absf(t.reading.PowerMW-t.prevPowerMW)/t.prevPowerMW < 0.02
}

// ChargingEfficiency compares present power to the day's peak, a
// read-only projection in [0,1].
func (t *Tracker) ChargingEfficiency() float32 {
	if !t.reading.Daylight || t.peakPowerMWToday <= 0 {
		return 0
	}
	return clamp(t.reading.PowerMW/t.peakPowerMWToday, 0, 1)
}

// DailyEnergyWh returns energy harvested since the last daily reset.
// Monotonic within a day.
func (t *Tracker) DailyEnergyWh() float64 {
	return t.dailyWh
}

// TotalEnergyWh returns lifetime harvested energy for this boot.
func (t *Tracker) TotalEnergyWh() float64 {
	return t.totalWh
}

// ResetDailyEnergy zeroes the daily accumulator and peak. All other
// tracker state is untouched.
func (t *Tracker) ResetDailyEnergy() {
	t.log.Infof("daily solar harvest reset, was %.2f Wh", t.dailyWh)
	t.dailyWh = 0
	t.peakPowerMWToday = 0
}

// SetTotalEnergyWh restores the lifetime accumulator from persisted
// state at startup.
func (t *Tracker) SetTotalEnergyWh(wh float64) {
	t.totalWh = wh
}

// Calibrate derives correction factors from known reference readings.
// Returns false, changing nothing, for degenerate factors.
func (t *Tracker) Calibrate(voltageFactor, currentFactor float32) bool {
	if voltageFactor <= 0 || currentFactor <= 0 {
		return false
	}
	t.voltageCalibration = voltageFactor
	t.currentCalibration = currentFactor
	t.log.Infof("solar sensors calibrated: v=%.4f c=%.4f", voltageFactor, currentFactor)
	return true
}

// rollingAverage keeps the last N samples of an ADC channel.
type rollingAverage struct {
	samples [adcSampleCount]float32
	next    int
	filled  int
}

func (r *rollingAverage) push(v float32) float32 {
	r.samples[r.next] = v
	r.next = (r.next + 1) % adcSampleCount
	if r.filled < adcSampleCount {
		r.filled++
	}
	var sum float32
	for i := 0; i < r.filled; i++ {
		sum += r.samples[i]
	}
	return sum / float32(r.filled)
}

func clamp(v, lo, hi float32) float32 {
	return float32(math.Min(float64(hi), math.Max(float64(lo), float64(v))))
}

func absf(v float32) float32 {
	return float32(math.Abs(float64(v)))
}
