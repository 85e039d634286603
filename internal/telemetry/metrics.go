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

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink exposes power readings as Prometheus metrics.
type PromSink struct {
	batteryVoltage prometheus.Gauge
	batteryCurrent prometheus.Gauge
	batterySOC     prometheus.Gauge
	batterySOH     prometheus.Gauge
	solarPower     prometheus.Gauge
	dailyEnergy    prometheus.Gauge
	sleepSeconds   prometheus.Gauge

	motionEvents prometheus.Counter
	faults       *prometheus.CounterVec
	modeChanges  *prometheus.CounterVec
}

// NewPromSink registers the power metrics on the given registerer.
// A nil registerer defaults to the global one. Re-registering after
// a restart of the owning component reuses the existing collectors.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		batteryVoltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wildcam_battery_voltage",
			Help: "Battery pack voltage in volts",
		}),
		batteryCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wildcam_battery_current_ma",
			Help: "Battery current in milliamps, positive while charging",
		}),
		batterySOC: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wildcam_battery_soc_percent",
			Help: "Estimated battery state of charge",
		}),
		batterySOH: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wildcam_battery_soh_percent",
			Help: "Estimated battery state of health",
		}),
		solarPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wildcam_solar_power_mw",
			Help: "Instantaneous solar panel power in milliwatts",
		}),
		dailyEnergy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wildcam_solar_daily_energy_wh",
			Help: "Solar energy harvested since midnight in watt hours",
		}),
		sleepSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wildcam_recommended_sleep_seconds",
			Help: "Current recommended sleep duration",
		}),
		motionEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wildcam_motion_events_total",
			Help: "Motion events recorded by the activity scheduler",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wildcam_battery_faults_total",
			Help: "Battery protection faults by type",
		}, []string{"fault"}),
		modeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wildcam_mode_changes_total",
			Help: "Power mode transitions by new mode",
		}, []string{"mode"}),
	}

	collectors := []prometheus.Collector{
		s.batteryVoltage, s.batteryCurrent, s.batterySOC, s.batterySOH,
		s.solarPower, s.dailyEnergy, s.sleepSeconds,
		s.motionEvents, s.faults, s.modeChanges,
	}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			collectors[i] = are.ExistingCollector
		}
	}
	s.batteryVoltage = collectors[0].(prometheus.Gauge)
	s.batteryCurrent = collectors[1].(prometheus.Gauge)
	s.batterySOC = collectors[2].(prometheus.Gauge)
	s.batterySOH = collectors[3].(prometheus.Gauge)
	s.solarPower = collectors[4].(prometheus.Gauge)
	s.dailyEnergy = collectors[5].(prometheus.Gauge)
	s.sleepSeconds = collectors[6].(prometheus.Gauge)
	s.motionEvents = collectors[7].(prometheus.Counter)
	s.faults = collectors[8].(*prometheus.CounterVec)
	s.modeChanges = collectors[9].(*prometheus.CounterVec)

	return s, nil
}

// Observe updates the gauges from a snapshot.
func (s *PromSink) Observe(snap Snapshot) {
	s.batteryVoltage.Set(float64(snap.BatteryVoltage))
	s.batteryCurrent.Set(float64(snap.BatteryCurrentMA))
	s.batterySOC.Set(float64(snap.SOC))
	s.batterySOH.Set(float64(snap.SOH))
	s.solarPower.Set(float64(snap.SolarPowerMW))
	s.dailyEnergy.Set(float64(snap.DailyEnergyWh))
	s.sleepSeconds.Set(float64(snap.SleepSeconds))
}

func (s *PromSink) RecordMotionEvent() {
	s.motionEvents.Inc()
}

func (s *PromSink) RecordFault(fault string) {
	s.faults.WithLabelValues(fault).Inc()
}

func (s *PromSink) RecordModeChange(mode string) {
	s.modeChanges.WithLabelValues(mode).Inc()
}
