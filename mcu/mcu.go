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

// Package mcu talks to the power-board microcontroller that owns the
// analog front end: solar and battery ADC channels, the charge-control
// PWM line, the charge-enable switch and the deep-sleep wake timer.
package mcu

import (
	"fmt"
	"time"
)

type Register uint8

// Identity and status registers.
const (
	typeReg Register = iota
	majorVersionReg
	minorVersionReg
	statusReg
)

// ADC registers. Each channel is a 16 bit raw count split over two
// registers, high byte first.
const (
	solarVolt1Reg Register = iota + 0x10
	solarVolt2Reg
	solarCurrent1Reg
	solarCurrent2Reg
	batteryVolt1Reg
	batteryVolt2Reg
	batteryCurrent1Reg
	batteryCurrent2Reg
	batteryTemp1Reg
	batteryTemp2Reg
)

// Control registers.
const (
	chargeDutyReg Register = iota + 0x20
	chargeEnableReg
	wakeTimer1Reg
	wakeTimer2Reg
	wakeTimer3Reg
	wakeTimer4Reg
	powerDownReg
)

const (
	powerBoardType = 0xCA

	// The battery current and temperature channels are optional
	// hardware. The board reports 0xFFFF on channels that are not
	// fitted.
	channelAbsent = 0xFFFF

	powerDownMagic = 0x5A
)

// ADCChannel identifies one analog input on the power board.
type ADCChannel int

const (
	ChannelSolarVoltage ADCChannel = iota
	ChannelSolarCurrent
	ChannelBatteryVoltage
	ChannelBatteryCurrent
	ChannelBatteryTemp
)

var channelRegs = map[ADCChannel]Register{
	ChannelSolarVoltage:   solarVolt1Reg,
	ChannelSolarCurrent:   solarCurrent1Reg,
	ChannelBatteryVoltage: batteryVolt1Reg,
	ChannelBatteryCurrent: batteryCurrent1Reg,
	ChannelBatteryTemp:    batteryTemp1Reg,
}

// ErrChannelAbsent is reported when reading an ADC channel that the
// board says is not fitted.
var ErrChannelAbsent = fmt.Errorf("adc channel not fitted")

// Device is a power board reachable over one of the Transport
// implementations.
type Device struct {
	tx Transport

	major uint8
	minor uint8
}

// Connect probes the board, checking that it identifies itself as a
// power board, and reads the firmware version.
func Connect(tx Transport, retries int) (*Device, error) {
	d := &Device{tx: tx}
	var err error
	for i := 0; i <= retries; i++ {
		if i > 0 {
			time.Sleep(time.Second)
		}
		var t uint8
		t, err = d.readByte(typeReg)
		if err != nil {
			continue
		}
		if t != powerBoardType {
			err = fmt.Errorf("device identified as 0x%02X, expected 0x%02X", t, powerBoardType)
			continue
		}
		d.major, err = d.readByte(majorVersionReg)
		if err != nil {
			continue
		}
		d.minor, err = d.readByte(minorVersionReg)
		if err != nil {
			continue
		}
		return d, nil
	}
	return nil, fmt.Errorf("failed to connect to power board: %w", err)
}

// Version returns the power board firmware version.
func (d *Device) Version() (major, minor uint8) {
	return d.major, d.minor
}

// ReadADC returns the raw 16 bit count for an analog channel.
func (d *Device) ReadADC(ch ADCChannel) (uint16, error) {
	reg, ok := channelRegs[ch]
	if !ok {
		return 0, fmt.Errorf("unknown adc channel %d", ch)
	}
	raw, err := d.readUint16(reg)
	if err != nil {
		return 0, err
	}
	if raw == channelAbsent {
		return 0, ErrChannelAbsent
	}
	return raw, nil
}

// SetChargeDuty drives the charge-control PWM line. The tracker owns
// this line, no other caller should write it.
func (d *Device) SetChargeDuty(duty uint8) error {
	return d.writeByte(chargeDutyReg, duty)
}

// SetChargeEnabled switches the charge-enable line.
func (d *Device) SetChargeEnabled(enabled bool) error {
	val := uint8(0)
	if enabled {
		val = 1
	}
	return d.writeByte(chargeEnableReg, val)
}

// SetWakeTimer programs the deep-sleep wake timer. The board starts
// counting when it receives the power-down command.
func (d *Device) SetWakeTimer(duration time.Duration) error {
	secs := uint32(duration / time.Second)
	if secs == 0 {
		return fmt.Errorf("wake timer duration %s rounds to zero seconds", duration)
	}
	for i, reg := range []Register{wakeTimer1Reg, wakeTimer2Reg, wakeTimer3Reg, wakeTimer4Reg} {
		if err := d.writeByte(reg, uint8(secs>>(24-8*i))); err != nil {
			return err
		}
	}
	return nil
}

// PowerDown commands the board to cut power to the host. The host
// loses power shortly after this returns, callers must have finished
// all cleanup first.
func (d *Device) PowerDown() error {
	return d.writeByte(powerDownReg, powerDownMagic)
}

func (d *Device) readByte(reg Register) (uint8, error) {
	resp, err := d.tx.Tx([]byte{byte(reg)}, 1)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

func (d *Device) readUint16(reg Register) (uint16, error) {
	resp, err := d.tx.Tx([]byte{byte(reg)}, 2)
	if err != nil {
		return 0, err
	}
	return uint16(resp[0])<<8 | uint16(resp[1]), nil
}

func (d *Device) writeByte(reg Register, val uint8) error {
	_, err := d.tx.Tx([]byte{byte(reg), val}, 0)
	return err
}
