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

package schedule

import (
	"github.com/nathan-osman/go-sunrise"
)

// Fixed dawn and dusk windows used when the site position is unknown.
const (
	fixedDawnStart = 5
	fixedDawnEnd   = 8
	fixedDuskStart = 17
	fixedDuskEnd   = 20
)

// The sun-based window around sunrise and sunset, in hours.
const (
	hoursBeforeSunEvent = 1
	hoursAfterSunEvent  = 2
)

// isCrepuscular reports whether the hour falls inside the dawn or
// dusk window. With a configured site position the window follows
// the actual sunrise and sunset for today, otherwise fixed hours.
func (s *Scheduler) isCrepuscular(hour int) bool {
	if s.cfg.Latitude == 0 && s.cfg.Longitude == 0 {
		return (hour >= fixedDawnStart && hour < fixedDawnEnd) ||
			(hour >= fixedDuskStart && hour < fixedDuskEnd)
	}

	now := s.now()
	rise, set := sunrise.SunriseSunset(
		s.cfg.Latitude, s.cfg.Longitude,
		now.Year(), now.Month(), now.Day())
	if rise.IsZero() && set.IsZero() {
		// Polar day or night, no crepuscular window.
		return false
	}

	riseHour := rise.Local().Hour()
	setHour := set.Local().Hour()
	return hourInWindow(hour, riseHour-hoursBeforeSunEvent, riseHour+hoursAfterSunEvent) ||
		hourInWindow(hour, setHour-hoursAfterSunEvent, setHour+hoursBeforeSunEvent)
}

func hourInWindow(hour, start, end int) bool {
	start = (start + hoursPerDay) % hoursPerDay
	end = end % hoursPerDay
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}
