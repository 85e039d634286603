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
	"fmt"
	"sort"
)

// Chemistry tags. These match the values accepted in the config file.
const (
	ChemistryLiIon    = "li-ion"
	ChemistryLiPo     = "lipo"
	ChemistryLiFePO4  = "lifepo4"
	ChemistryLeadAcid = "lead-acid"
	ChemistryNiMH     = "nimh"
)

// Config describes one battery pack. All voltages are per cell.
// Immutable once handed to the analytics, reconfiguration goes through
// Analytics.Reconfigure.
type Config struct {
	Chemistry   string  `json:"chemistry"`
	CellCount   int     `json:"cell_count"`
	CapacityMAH float32 `json:"capacity_mah"`

	ChargeVoltage float32 `json:"charge_voltage"`
	FloatVoltage  float32 `json:"float_voltage"`
	CutoffVoltage float32 `json:"cutoff_voltage"`

	MaxChargeCurrentMA    float32 `json:"max_charge_current_ma"`
	MaxDischargeCurrentMA float32 `json:"max_discharge_current_ma"`

	// A deeply discharged cell is brought up gently below this
	// threshold before bulk charging starts.
	PrechargeVoltage  float32 `json:"precharge_voltage"`
	PrechargeCurrentMA float32 `json:"precharge_current_ma"`

	// Charge current taper level that ends absorption.
	AbsorptionCurrentMA float32 `json:"absorption_current_ma"`

	// Charge/float targets shift by this many mV per degree away
	// from 25 degrees C.
	TempCompMVPerC float32 `json:"temp_comp_mv_per_c"`
	MinChargeTempC float32 `json:"min_charge_temp_c"`
	MaxTempC       float32 `json:"max_temp_c"`
}

// chemistryDefaults holds the per-cell presets for each supported
// chemistry. Capacity and cell count are pack properties, the caller
// supplies those.
var chemistryDefaults = map[string]Config{
	ChemistryLiIon: {
		Chemistry:           ChemistryLiIon,
		ChargeVoltage:       4.20,
		FloatVoltage:        4.05,
		CutoffVoltage:       3.00,
		PrechargeVoltage:    3.00,
		PrechargeCurrentMA:  100,
		AbsorptionCurrentMA: 100,
		MaxChargeCurrentMA:  2000,
		MaxDischargeCurrentMA: 3000,
		TempCompMVPerC:      0,
		MinChargeTempC:      0,
		MaxTempC:            45,
	},
	ChemistryLiPo: {
		Chemistry:           ChemistryLiPo,
		ChargeVoltage:       4.20,
		FloatVoltage:        4.05,
		CutoffVoltage:       3.20,
		PrechargeVoltage:    3.30,
		PrechargeCurrentMA:  100,
		AbsorptionCurrentMA: 100,
		MaxChargeCurrentMA:  2000,
		MaxDischargeCurrentMA: 4000,
		TempCompMVPerC:      0,
		MinChargeTempC:      0,
		MaxTempC:            45,
	},
	ChemistryLiFePO4: {
		Chemistry:           ChemistryLiFePO4,
		ChargeVoltage:       3.65,
		FloatVoltage:        3.40,
		CutoffVoltage:       2.50,
		PrechargeVoltage:    2.80,
		PrechargeCurrentMA:  150,
		AbsorptionCurrentMA: 150,
		MaxChargeCurrentMA:  3000,
		MaxDischargeCurrentMA: 5000,
		TempCompMVPerC:      0,
		MinChargeTempC:      0,
		MaxTempC:            55,
	},
	ChemistryLeadAcid: {
		Chemistry:           ChemistryLeadAcid,
		ChargeVoltage:       2.45,
		FloatVoltage:        2.30,
		CutoffVoltage:       1.75,
		PrechargeVoltage:    1.90,
		PrechargeCurrentMA:  200,
		AbsorptionCurrentMA: 200,
		MaxChargeCurrentMA:  3000,
		MaxDischargeCurrentMA: 6000,
		TempCompMVPerC:      -4,
		MinChargeTempC:      -20,
		MaxTempC:            50,
	},
	ChemistryNiMH: {
		Chemistry:           ChemistryNiMH,
		ChargeVoltage:       1.45,
		FloatVoltage:        1.40,
		CutoffVoltage:       1.00,
		PrechargeVoltage:    1.05,
		PrechargeCurrentMA:  100,
		AbsorptionCurrentMA: 80,
		MaxChargeCurrentMA:  1000,
		MaxDischargeCurrentMA: 2000,
		TempCompMVPerC:      -2,
		MinChargeTempC:      0,
		MaxTempC:            45,
	},
}

// DefaultConfig returns the preset for a chemistry, scaled to the
// given pack size.
func DefaultConfig(chemistry string, cellCount int, capacityMAH float32) (Config, error) {
	preset, ok := chemistryDefaults[chemistry]
	if !ok {
		return Config{}, fmt.Errorf("unknown battery chemistry: %s", chemistry)
	}
	if cellCount < 1 {
		return Config{}, fmt.Errorf("invalid cell count: %d", cellCount)
	}
	if capacityMAH <= 0 {
		return Config{}, fmt.Errorf("invalid capacity: %.0f mAh", capacityMAH)
	}
	preset.CellCount = cellCount
	preset.CapacityMAH = capacityMAH
	return preset, nil
}

// Chemistries lists the supported chemistry tags, sorted.
func Chemistries() []string {
	names := make([]string, 0, len(chemistryDefaults))
	for name := range chemistryDefaults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PackChargeVoltage returns the full-pack charge target.
func (c *Config) PackChargeVoltage() float32 {
	return c.ChargeVoltage * float32(c.CellCount)
}

// PackCutoffVoltage returns the full-pack discharge cutoff.
func (c *Config) PackCutoffVoltage() float32 {
	return c.CutoffVoltage * float32(c.CellCount)
}

// compensated returns charge and float targets per cell adjusted for
// temperature, relative to 25 degrees C.
func (c *Config) compensated(tempC float32) (charge, float float32) {
	shift := c.TempCompMVPerC * (tempC - 25.0) / 1000.0
	return c.ChargeVoltage + shift, c.FloatVoltage + shift
}

// detectionTable maps pack voltage windows to the packs seen in the
// field. Windows overlap, the first match wins, so order is part of
// the table's meaning.
var detectionTable = []struct {
	min, max  float32
	chemistry string
	cells     int
}{
	{3.0, 4.3, ChemistryLiIon, 1},
	{5.8, 7.3, ChemistryLiFePO4, 2},
	{7.4, 8.5, ChemistryLiIon, 2},
	{10.0, 14.6, ChemistryLiFePO4, 4},
	{14.7, 17.0, ChemistryLiIon, 4},
	{20.0, 29.2, ChemistryLiFePO4, 8},
	{29.3, 42.5, ChemistryLiIon, 10},
}

// DetectConfig guesses chemistry and cell count from a resting pack
// voltage using the detection table. Manual configuration always wins
// over this.
func DetectConfig(packVoltage, capacityMAH float32) (Config, error) {
	if packVoltage <= 0 {
		return Config{}, fmt.Errorf("invalid voltage for detection: %.2fV", packVoltage)
	}
	for _, entry := range detectionTable {
		if packVoltage < entry.min || packVoltage > entry.max {
			continue
		}
		cfg := chemistryDefaults[entry.chemistry]
		cfg.CellCount = entry.cells
		cfg.CapacityMAH = capacityMAH
		return cfg, nil
	}
	return Config{}, fmt.Errorf("no chemistry matches %.2fV", packVoltage)
}
