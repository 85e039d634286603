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

// Package telemetry gets power readings off the camera: MQTT for
// sites with a network link, Prometheus for bench debugging and a
// local CSV log that works with neither.
package telemetry

import "time"

// Snapshot is one power-system reading, flattened for publishing.
type Snapshot struct {
	Time time.Time `json:"time"`

	BatteryVoltage    float32 `json:"battery_voltage"`
	BatteryCurrentMA  float32 `json:"battery_current_ma"`
	BatteryTempC      float32 `json:"battery_temp_c"`
	SOC               float32 `json:"soc"`
	SOH               float32 `json:"soh"`
	ChargeStage       string  `json:"charge_stage"`
	Fault             string  `json:"fault"`
	CycleCount        int     `json:"cycle_count"`
	TimeToEmptyHours  float32 `json:"time_to_empty_hours"`
	TimeToFullMinutes float32 `json:"time_to_full_minutes"`

	SolarVoltage  float32 `json:"solar_voltage"`
	SolarPowerMW  float32 `json:"solar_power_mw"`
	DailyEnergyWh float32 `json:"daily_energy_wh"`
	Daylight      bool    `json:"daylight"`

	Mode          string  `json:"mode"`
	ActivityScore float64 `json:"activity_score"`
	SleepSeconds  int     `json:"sleep_seconds"`
}
