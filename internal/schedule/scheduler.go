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

// Package schedule learns the site's diurnal activity pattern and
// turns it into sleep-duration recommendations, trading detection
// latency against battery life.
package schedule

import (
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

const (
	daySlots    = 7
	hoursPerDay = 24

	// An hour counts as active above this probability.
	activeProbabilityThreshold = 0.3

	// Event-strength multipliers on the day-fraction probability.
	strongActivityMultiplier   = 1.2
	moderateActivityMultiplier = 1.1
	strongActivityEvents       = 5.0
	moderateActivityEvents     = 1.0

	// Activity-score bonuses.
	crepuscularBonus  = 1.2
	busyDayBonus      = 1.3
	busyDayEventCount = 10

	// Approximate time the camera stays awake per wake, used for the
	// wake-interval view.
	captureWindow = 30 * time.Second
)

// Aggressiveness scales how hard the scheduler leans toward sleep.
type Aggressiveness int

const (
	Conservative Aggressiveness = iota
	Balanced
	Aggressive
	UltraAggressive
)

func (a Aggressiveness) String() string {
	switch a {
	case Conservative:
		return "conservative"
	case Balanced:
		return "balanced"
	case Aggressive:
		return "aggressive"
	case UltraAggressive:
		return "ultra-aggressive"
	default:
		return "unknown"
	}
}

func (a Aggressiveness) multiplier() float64 {
	switch a {
	case Conservative:
		return 0.5
	case Aggressive:
		return 2.0
	case UltraAggressive:
		return 4.0
	default:
		return 1.0
	}
}

// Config holds the scheduler's tunables.
type Config struct {
	MinSleep     time.Duration
	DefaultSleep time.Duration
	MaxSleep     time.Duration

	LowBatteryPercent      float32
	CriticalBatteryPercent float32

	// Hourly statistics are recomputed on this cadence, not on
	// every event.
	AnalysisInterval time.Duration

	// Site position for dawn/dusk calculation. Zero values fall
	// back to fixed crepuscular hours.
	Latitude  float64
	Longitude float64
}

// DefaultConfig suits a camera checked every few months.
func DefaultConfig() Config {
	return Config{
		MinSleep:               time.Minute,
		DefaultSleep:           5 * time.Minute,
		MaxSleep:               time.Hour,
		LowBatteryPercent:      30,
		CriticalBatteryPercent: 15,
		AnalysisInterval:       5 * time.Minute,
	}
}

// SlotStatistics describes one hour slot of the rolling histogram.
type SlotStatistics struct {
	Hour          int     `json:"hour"`
	ActiveDays    int     `json:"active_days"`
	AverageEvents float64 `json:"average_events"`
	Variance      float64 `json:"variance"`
	EventsToday   uint32  `json:"events_today"`
	Probability   float64 `json:"probability"`
}

// Entry is one hour of the derived daily schedule. A recomputable
// view, never authoritative state.
type Entry struct {
	Hour                 int           `json:"hour"`
	SleepDuration        time.Duration `json:"sleep_duration"`
	WakeInterval         time.Duration `json:"wake_interval"`
	Probability          float64       `json:"probability"`
	ExtendedSleepAllowed bool          `json:"extended_sleep_allowed"`
}

// Scheduler keeps a rolling 7-day by 24-hour motion histogram. The
// histogram lives for the boot session only, it is not persisted
// across power loss.
type Scheduler struct {
	cfg Config
	log *logrus.Logger

	counts   [daySlots][hoursPerDay]uint32
	dayIndex int

	curHour   int
	curMinute int
	lastHour  int
	haveTime  bool

	hourlyMean     [hoursPerDay]float64
	hourlyVariance [hoursPerDay]float64
	lastAnalysis   time.Time

	aggressiveness Aggressiveness
	batteryPercent float32

	now func() time.Time
}

// New builds a scheduler. The logger is required.
func New(cfg Config, log *logrus.Logger) *Scheduler {
	if cfg.MinSleep <= 0 || cfg.MaxSleep < cfg.MinSleep {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cfg:            cfg,
		log:            log,
		lastHour:       -1,
		aggressiveness: Balanced,
		batteryPercent: 100,
		now:            time.Now,
	}
}

// RecordMotionEvent adds one motion detection to the current hour
// slot. Never fails, with no clock yet the event lands in hour zero.
func (s *Scheduler) RecordMotionEvent() {
	s.counts[s.dayIndex][s.curHour]++
}

// SetCurrentTime feeds the scheduler the clock it schedules against.
// A decrease in the hour means the day wrapped: the oldest day slot
// is cleared and becomes today.
func (s *Scheduler) SetCurrentTime(hour, minute int) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return
	}
	if s.haveTime && hour < s.lastHour {
		s.rotateDay()
	}
	s.curHour = hour
	s.curMinute = minute
	s.lastHour = hour
	s.haveTime = true
}

func (s *Scheduler) rotateDay() {
	s.dayIndex = (s.dayIndex + 1) % daySlots
	for h := range s.counts[s.dayIndex] {
		s.counts[s.dayIndex][h] = 0
	}
	s.log.Debugf("activity histogram rotated to day slot %d", s.dayIndex)
}

// Update recomputes the hourly statistics when the analysis interval
// has elapsed. Cheap otherwise, safe to call every tick.
func (s *Scheduler) Update() {
	now := s.now()
	if !s.lastAnalysis.IsZero() && now.Sub(s.lastAnalysis) < s.cfg.AnalysisInterval {
		return
	}
	s.lastAnalysis = now

	samples := make([]float64, daySlots)
	for hour := 0; hour < hoursPerDay; hour++ {
		for day := 0; day < daySlots; day++ {
			samples[day] = float64(s.counts[day][hour])
		}
		mean, variance := stat.MeanVariance(samples, nil)
		s.hourlyMean[hour] = mean
		s.hourlyVariance[hour] = variance
	}
}

// ActivityProbability estimates how likely motion is during the given
// hour, in [0,1].
func (s *Scheduler) ActivityProbability(hour int) float64 {
	if hour < 0 || hour > 23 {
		return 0
	}
	active := 0
	for day := 0; day < daySlots; day++ {
		if s.counts[day][hour] > 0 {
			active++
		}
	}
	p := float64(active) / daySlots
	switch {
	case s.hourlyMean[hour] > strongActivityEvents:
		p *= strongActivityMultiplier
	case s.hourlyMean[hour] > moderateActivityEvents:
		p *= moderateActivityMultiplier
	}
	return clamp01(p)
}

// IsActiveTime reports whether the hour historically sees motion.
// With no history it reports false.
func (s *Scheduler) IsActiveTime(hour int) bool {
	return s.ActivityProbability(hour) > activeProbabilityThreshold
}

// IsActiveNow is IsActiveTime for the current hour.
func (s *Scheduler) IsActiveNow() bool {
	return s.IsActiveTime(s.curHour)
}

// RecommendedSleep returns the sleep duration for the current hour.
func (s *Scheduler) RecommendedSleep() time.Duration {
	return s.RecommendedSleepAt(s.curHour)
}

// RecommendedSleepAt maps activity probability to a sleep duration,
// scaled by aggressiveness and battery level. Always within
// [MinSleep, MaxSleep].
func (s *Scheduler) RecommendedSleepAt(hour int) time.Duration {
	p := s.ActivityProbability(hour)

	min := float64(s.cfg.MinSleep)
	def := float64(s.cfg.DefaultSleep)
	longest := 0.75 * float64(s.cfg.MaxSleep)

	var base float64
	switch {
	case p > 0.7:
		base = min
	case p >= 0.3:
		f := (0.7 - p) / 0.4
		base = min + f*(def-min)
	case p > 0.1:
		f := (0.3 - p) / 0.2
		base = def + f*(longest-def)
	default:
		base = longest
	}

	base *= s.EffectiveAggressiveness().multiplier()
	base *= s.batteryMultiplier()

	return clampDuration(time.Duration(base), s.cfg.MinSleep, s.cfg.MaxSleep)
}

func (s *Scheduler) batteryMultiplier() float64 {
	switch {
	case s.batteryPercent < s.cfg.CriticalBatteryPercent:
		return 3.0
	case s.batteryPercent < s.cfg.LowBatteryPercent:
		return 1.5
	default:
		return 1.0
	}
}

// SetAggressiveness sets the configured level. The effective level
// may still escalate on low battery.
func (s *Scheduler) SetAggressiveness(a Aggressiveness) {
	if a < Conservative || a > UltraAggressive {
		return
	}
	s.aggressiveness = a
}

// EffectiveAggressiveness is the configured level escalated by the
// battery state: one level up below the low threshold, straight to
// ultra below critical. Never escalates downward.
func (s *Scheduler) EffectiveAggressiveness() Aggressiveness {
	level := s.aggressiveness
	switch {
	case s.batteryPercent < s.cfg.CriticalBatteryPercent:
		level = UltraAggressive
	case s.batteryPercent < s.cfg.LowBatteryPercent:
		if level < UltraAggressive {
			level++
		}
	}
	if level < s.aggressiveness {
		level = s.aggressiveness
	}
	return level
}

// UpdateBatteryLevel feeds in the battery SOC driving the escalation
// and the sleep multiplier.
func (s *Scheduler) UpdateBatteryLevel(percent float32) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	s.batteryPercent = percent
}

// ActivityScore is a softer signal than raw probability: the current
// hour's probability weighted by dawn/dusk and how busy today is.
// In [0,1].
func (s *Scheduler) ActivityScore() float64 {
	score := s.ActivityProbability(s.curHour)
	if s.isCrepuscular(s.curHour) {
		score *= crepuscularBonus
	}
	if s.eventsToday() > busyDayEventCount {
		score *= busyDayBonus
	}
	return clamp01(score)
}

func (s *Scheduler) eventsToday() uint32 {
	var total uint32
	for _, c := range s.counts[s.dayIndex] {
		total += c
	}
	return total
}

// SlotStatisticsAt returns the histogram view for one hour.
func (s *Scheduler) SlotStatisticsAt(hour int) SlotStatistics {
	if hour < 0 || hour > 23 {
		return SlotStatistics{Hour: hour}
	}
	active := 0
	for day := 0; day < daySlots; day++ {
		if s.counts[day][hour] > 0 {
			active++
		}
	}
	return SlotStatistics{
		Hour:          hour,
		ActiveDays:    active,
		AverageEvents: s.hourlyMean[hour],
		Variance:      s.hourlyVariance[hour],
		EventsToday:   s.counts[s.dayIndex][hour],
		Probability:   s.ActivityProbability(hour),
	}
}

// DailySchedule derives the 24-hour schedule view.
func (s *Scheduler) DailySchedule() []Entry {
	entries := make([]Entry, hoursPerDay)
	for hour := 0; hour < hoursPerDay; hour++ {
		p := s.ActivityProbability(hour)
		sleep := s.RecommendedSleepAt(hour)
		entries[hour] = Entry{
			Hour:                 hour,
			SleepDuration:        sleep,
			WakeInterval:         sleep + captureWindow,
			Probability:          p,
			ExtendedSleepAllowed: p <= 0.1,
		}
	}
	return entries
}

// ResetPatterns clears all learned history.
func (s *Scheduler) ResetPatterns() {
	s.log.Info("activity patterns reset")
	s.counts = [daySlots][hoursPerDay]uint32{}
	s.hourlyMean = [hoursPerDay]float64{}
	s.hourlyVariance = [hoursPerDay]float64{}
	s.dayIndex = 0
}

// CurrentHour returns the last hour fed via SetCurrentTime.
func (s *Scheduler) CurrentHour() int {
	return s.curHour
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
