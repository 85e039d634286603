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
	"encoding/json"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = "org.wildcam.Power"
	dbusPath = "/org/wildcam/Power"
)

// service exposes the orchestrator on the system bus so the motion
// pipeline and management tooling can reach it.
type service struct {
	orch *Orchestrator

	// Deep sleep requests hand the duration back to the main loop,
	// the dbus handler must return before power drops.
	sleepRequests chan time.Duration
}

func startService(orch *Orchestrator) (*service, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errors.New("name already taken")
	}

	s := &service{
		orch:          orch,
		sleepRequests: make(chan time.Duration, 1),
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return s, nil
}

// GetStatus returns the aggregated power status as JSON.
func (s service) GetStatus() (string, *dbus.Error) {
	data, err := json.Marshal(s.orch.Status())
	if err != nil {
		return "", dbusErr(err)
	}
	return string(data), nil
}

// RecordMotionEvent feeds one detection into the activity scheduler.
func (s service) RecordMotionEvent() *dbus.Error {
	s.orch.RecordMotionEvent()
	return nil
}

// SetTime passes the wall-clock hour and minute to the scheduler.
func (s service) SetTime(hour, minute int32) *dbus.Error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return dbusErr(errors.New("time out of range"))
	}
	s.orch.SetCurrentTime(int(hour), int(minute))
	return nil
}

// UpdateWeather passes cloud cover percent and ambient temperature
// to the solar tracker.
func (s service) UpdateWeather(cloudCover, temperature float64) *dbus.Error {
	s.orch.UpdateWeather(float32(cloudCover), float32(temperature))
	return nil
}

// SetMode switches to a named operating mode, or back to automatic
// with "automatic".
func (s service) SetMode(name string) *dbus.Error {
	if name == "automatic" {
		s.orch.SetAutomatic(true)
		return nil
	}
	for mode := ModeNormal; mode <= ModeMaintenance; mode++ {
		if mode.String() == name {
			s.orch.SetMode(mode)
			return nil
		}
	}
	return dbusErr(errors.New("unknown mode " + name))
}

// ClearFault clears a latched battery fault.
func (s service) ClearFault() *dbus.Error {
	s.orch.ClearFault()
	return nil
}

// FlagCellImbalance latches a cell-imbalance fault reported by an
// external balancer.
func (s service) FlagCellImbalance() *dbus.Error {
	s.orch.FlagCellImbalance()
	return nil
}

// CalibrateBattery derives a voltage correction factor from a known
// reference reading.
func (s service) CalibrateBattery(knownVoltage float64) *dbus.Error {
	if !s.orch.CalibrateBattery(float32(knownVoltage)) {
		return dbusErr(errors.New("calibration rejected, reading too low"))
	}
	return nil
}

// CalibrateSolar applies voltage and current correction factors to
// the panel sensors.
func (s service) CalibrateSolar(voltageFactor, currentFactor float64) *dbus.Error {
	if !s.orch.CalibrateSolar(float32(voltageFactor), float32(currentFactor)) {
		return dbusErr(errors.New("calibration rejected, degenerate factors"))
	}
	return nil
}

// EnterDeepSleep asks the main loop to suspend for the given number
// of seconds. Zero means use the recommended duration.
func (s service) EnterDeepSleep(seconds int32) *dbus.Error {
	if seconds < 0 {
		return dbusErr(errors.New("negative sleep duration"))
	}
	d := time.Duration(seconds) * time.Second
	select {
	case s.sleepRequests <- d:
		return nil
	default:
		return dbusErr(errors.New("sleep already requested"))
	}
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

func dbusErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return &dbus.Error{
		Name: dbusName + "." + getCallerName(),
		Body: []interface{}{err.Error()},
	}
}

func getCallerName() string {
	fpcs := make([]uintptr, 1)
	n := runtime.Callers(3, fpcs)
	if n == 0 {
		return ""
	}
	caller := runtime.FuncForPC(fpcs[0] - 1)
	if caller == nil {
		return ""
	}
	funcNames := strings.Split(caller.Name(), ".")
	return funcNames[len(funcNames)-1]
}
