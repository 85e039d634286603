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

package power

import (
	"errors"

	"github.com/thewriterben/wildcam-power/mcu"
)

// Power board ADC encoding: voltages in millivolts, currents in
// milliamps offset by half scale to carry sign, temperature in
// tenths of a degree from -40C.
const (
	currentZeroOffset = 32768
	tempScale         = 10.0
	tempFloorC        = -40.0
)

// boardSensors adapts the power board's raw ADC registers to the
// tracker and analytics sensor interfaces. Optional channels are
// probed once at startup.
type boardSensors struct {
	dev        *mcu.Device
	hasCurrent bool
	hasTemp    bool
}

func newBoardSensors(dev *mcu.Device) *boardSensors {
	s := &boardSensors{dev: dev}
	if _, err := dev.ReadADC(mcu.ChannelBatteryCurrent); !errors.Is(err, mcu.ErrChannelAbsent) {
		s.hasCurrent = true
	}
	if _, err := dev.ReadADC(mcu.ChannelBatteryTemp); !errors.Is(err, mcu.ErrChannelAbsent) {
		s.hasTemp = true
	}
	return s
}

func (s *boardSensors) PanelVoltage() (float32, error) {
	raw, err := s.dev.ReadADC(mcu.ChannelSolarVoltage)
	if err != nil {
		return 0, err
	}
	return float32(raw) / 1000, nil
}

func (s *boardSensors) PanelCurrent() (float32, error) {
	raw, err := s.dev.ReadADC(mcu.ChannelSolarCurrent)
	if err != nil {
		return 0, err
	}
	return float32(raw), nil
}

func (s *boardSensors) BatteryVoltage() (float32, error) {
	raw, err := s.dev.ReadADC(mcu.ChannelBatteryVoltage)
	if err != nil {
		return 0, err
	}
	return float32(raw) / 1000, nil
}

func (s *boardSensors) BatteryCurrent() (float32, error) {
	raw, err := s.dev.ReadADC(mcu.ChannelBatteryCurrent)
	if err != nil {
		return 0, err
	}
	return float32(int32(raw) - currentZeroOffset), nil
}

func (s *boardSensors) HasCurrentSense() bool {
	return s.hasCurrent
}

func (s *boardSensors) BatteryTemperature() (float32, error) {
	raw, err := s.dev.ReadADC(mcu.ChannelBatteryTemp)
	if err != nil {
		return 0, err
	}
	return float32(raw)/tempScale + tempFloorC, nil
}

func (s *boardSensors) HasTemperatureSense() bool {
	return s.hasTemp
}
