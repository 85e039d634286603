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
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Cap on retained CSV rows, roughly a week at one reading per minute.
const maxReadingRows = 10080

var csvHeader = []string{
	"time", "battery_voltage", "battery_current_ma", "soc", "soh",
	"charge_stage", "fault", "solar_voltage", "solar_power_mw",
	"daily_energy_wh", "mode",
}

// ReadingsLog appends power snapshots to a local CSV file. It is the
// telemetry of last resort, readable when the SD card comes back
// from the field. Append runs on the main loop while Trim runs from
// a cron job, the mutex keeps them off the file at the same time.
type ReadingsLog struct {
	mu   sync.Mutex
	path string
}

func NewReadingsLog(path string) (*ReadingsLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &ReadingsLog{path: path}, nil
}

// Append writes one row, creating the file with a header first.
func (l *ReadingsLog) Append(snap Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	newFile := false
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		newFile = true
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	row := []string{
		snap.Time.UTC().Format(time.RFC3339),
		fmt.Sprintf("%.3f", snap.BatteryVoltage),
		fmt.Sprintf("%.1f", snap.BatteryCurrentMA),
		fmt.Sprintf("%.1f", snap.SOC),
		fmt.Sprintf("%.1f", snap.SOH),
		snap.ChargeStage,
		snap.Fault,
		fmt.Sprintf("%.3f", snap.SolarVoltage),
		fmt.Sprintf("%.1f", snap.SolarPowerMW),
		fmt.Sprintf("%.3f", snap.DailyEnergyWh),
		snap.Mode,
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// Trim drops the oldest rows once the file exceeds the retention
// cap, keeping the header.
func (l *ReadingsLog) Trim() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) <= maxReadingRows+1 {
		return nil
	}
	kept := append([]string{lines[0]}, lines[len(lines)-maxReadingRows:]...)
	return os.WriteFile(l.path, []byte(strings.Join(kept, "\n")+"\n"), 0644)
}
