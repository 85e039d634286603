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

import "time"

const (
	dischargeSampleInterval = 5 * time.Minute
	dischargeHistoryLimit   = 576 // 48 hours at one sample per 5 minutes

	shortTermWindow  = 30 * time.Minute
	mediumTermWindow = 6 * time.Hour
	longTermWindow   = 24 * time.Hour

	// EWMA factor: 10% new value, 90% old value.
	dischargeRateAlpha = 0.1

	// A jump of this many percent upward means a charge source
	// appeared, discharge history from before it is stale.
	chargeJumpPercent = 3.0
)

type dischargeSample struct {
	timestamp time.Time
	percent   float32
	voltage   float32
}

// DischargeStatistics holds the calculated discharge metrics, in
// percent per hour.
type DischargeStatistics struct {
	ShortTermRate  float32   `json:"short_term_rate"`
	MediumTermRate float32   `json:"medium_term_rate"`
	LongTermRate   float32   `json:"long_term_rate"`
	SmoothedRate   float32   `json:"smoothed_rate"`
	DataPoints     int       `json:"data_points"`
	LastUpdated    time.Time `json:"last_updated"`
}

// dischargeTracker derives discharge rates from the SOC trace. One
// sample every few minutes keeps 48 hours of history bounded.
type dischargeTracker struct {
	history []dischargeSample
	stats   DischargeStatistics
}

func (d *dischargeTracker) init() {
	d.history = make([]dischargeSample, 0, dischargeHistoryLimit)
}

func (d *dischargeTracker) observe(now time.Time, percent, voltage float32) {
	if len(d.history) > 0 {
		last := d.history[len(d.history)-1]
		if percent > last.percent+chargeJumpPercent {
			// Charging detected, old discharge samples no longer
			// describe the pack's trajectory.
			d.history = d.history[:0]
			d.stats = DischargeStatistics{}
		} else if now.Sub(last.timestamp) < dischargeSampleInterval {
			return
		}
	}

	d.history = append(d.history, dischargeSample{timestamp: now, percent: percent, voltage: voltage})
	if len(d.history) > dischargeHistoryLimit {
		d.history = d.history[1:]
	}
	d.recalculate(now)
}

func (d *dischargeTracker) recalculate(now time.Time) {
	d.stats.ShortTermRate = d.rateOver(now, shortTermWindow)
	d.stats.MediumTermRate = d.rateOver(now, mediumTermWindow)
	d.stats.LongTermRate = d.rateOver(now, longTermWindow)
	d.stats.DataPoints = len(d.history)
	d.stats.LastUpdated = now

	weighted := d.weightedRate()
	if weighted > 0 {
		if d.stats.SmoothedRate == 0 {
			d.stats.SmoothedRate = weighted
		} else {
			d.stats.SmoothedRate = dischargeRateAlpha*weighted + (1-dischargeRateAlpha)*d.stats.SmoothedRate
		}
	}
}

// rateOver returns the average discharge rate in %/hour over the
// window, zero when there is not enough spread to divide by.
func (d *dischargeTracker) rateOver(now time.Time, window time.Duration) float32 {
	cutoff := now.Add(-window)
	var oldest *dischargeSample
	for i := range d.history {
		if !d.history[i].timestamp.Before(cutoff) {
			oldest = &d.history[i]
			break
		}
	}
	if oldest == nil || len(d.history) < 2 {
		return 0
	}
	newest := d.history[len(d.history)-1]
	hours := float32(newest.timestamp.Sub(oldest.timestamp).Hours())
	if hours < 0.05 {
		return 0
	}
	drop := oldest.percent - newest.percent
	if drop <= 0 {
		return 0
	}
	return drop / hours
}

// weightedRate favours the slower windows when they exist: long term
// rates absorb camera duty-cycle noise that the short window sees.
func (d *dischargeTracker) weightedRate() float32 {
	type term struct {
		rate   float32
		weight float32
	}
	terms := []term{
		{d.stats.ShortTermRate, 1},
		{d.stats.MediumTermRate, 2},
		{d.stats.LongTermRate, 3},
	}
	var sum, weights float32
	for _, t := range terms {
		if t.rate > 0 {
			sum += t.rate * t.weight
			weights += t.weight
		}
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// bestRate returns the smoothed rate, falling back through the raw
// windows when smoothing has not converged yet.
func (d *dischargeTracker) bestRate() float32 {
	for _, rate := range []float32{
		d.stats.SmoothedRate,
		d.stats.MediumTermRate,
		d.stats.ShortTermRate,
	} {
		if rate > 0 {
			return rate
		}
	}
	return 0
}
