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

import (
	"encoding/json"
	"os"
	"time"
)

// PersistentState is the part of the battery estimate worth keeping
// across reboots: the pack identity and its wear. Transient per-tick
// state is always rebuilt from the sensors.
type PersistentState struct {
	Chemistry   string    `json:"chemistry"`
	CellCount   int       `json:"cell_count"`
	CapacityMAH float32   `json:"capacity_mah"`
	CycleCount  int       `json:"cycle_count"`
	SOH         float32   `json:"soh"`

	TotalHarvestWh float64 `json:"total_harvest_wh"`

	LastUpdated time.Time `json:"last_updated"`
}

// SaveState writes the persistent part of the state to path.
func (a *Analytics) SaveState(path string) error {
	state := PersistentState{
		Chemistry:   a.cfg.Chemistry,
		CellCount:   a.cfg.CellCount,
		CapacityMAH: a.cfg.CapacityMAH,
		CycleCount:  a.state.CycleCount,
		SOH:         a.state.SOH,

		TotalHarvestWh: a.lifetimeHarvestWh,

		LastUpdated: a.now(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// RestoreState loads wear state saved by a previous boot. A missing
// file is not an error, the estimator just starts fresh. State for a
// different pack (chemistry or cell count changed) is ignored.
func (a *Analytics) RestoreState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Chemistry != a.cfg.Chemistry || state.CellCount != a.cfg.CellCount {
		a.log.Infof("saved battery state is for %s %dcells, ignoring", state.Chemistry, state.CellCount)
		return nil
	}
	a.state.CycleCount = state.CycleCount
	if state.SOH > 0 {
		a.state.SOH = clamp(state.SOH, 0, 100)
		a.state.Health = healthCategory(a.state.SOH)
	}
	if state.TotalHarvestWh > 0 {
		a.lifetimeHarvestWh = state.TotalHarvestWh
	}
	a.log.Infof("restored battery state: cycle count %d, SOH %.0f%%, harvest %.1fWh",
		state.CycleCount, a.state.SOH, a.lifetimeHarvestWh)
	return nil
}
