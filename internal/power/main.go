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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	arg "github.com/alexflint/go-arg"
	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"

	"github.com/thewriterben/wildcam-power/internal/battery"
	"github.com/thewriterben/wildcam-power/internal/config"
	"github.com/thewriterben/wildcam-power/internal/schedule"
	"github.com/thewriterben/wildcam-power/internal/server"
	"github.com/thewriterben/wildcam-power/internal/solar"
	"github.com/thewriterben/wildcam-power/internal/telemetry"
	"github.com/thewriterben/wildcam-power/mcu"
)

const (
	tickInterval    = 100 * time.Millisecond
	publishInterval = time.Minute
	connectRetries  = 3

	// Midnight and 03:00 in cron's second-minute-hour form.
	dailyResetCron = "0 0 0 * * *"
	logTrimCron    = "0 0 3 * * *"
)

var version = "No version provided"

var log = logging.NewLogger("info")

type Args struct {
	ConfigFile string `arg:"-c,--config" help:"Path to the configuration file"`
	logging.LogArgs
}

var defaultArgs = Args{
	ConfigFile: config.DefaultConfigFile,
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}

	log = logging.NewLogger(args.LogLevel)
	log.Info("Running version: ", version)

	cfg, err := config.Load(args.ConfigFile)
	if err != nil {
		return err
	}

	dev, err := connectBoard(cfg)
	if err != nil {
		return err
	}
	major, minor := dev.Version()
	log.Infof("power board firmware %d.%d", major, minor)

	sensors := newBoardSensors(dev)
	batt, err := buildBattery(cfg, sensors, dev)
	if err != nil {
		return err
	}
	if err := batt.RestoreState(cfg.StateFile); err != nil {
		log.Warnf("restoring battery state: %v", err)
	}

	tracker, err := solar.New(solarConfig(cfg), sensors, dev, log.Logger)
	if err != nil {
		return err
	}
	tracker.SetTotalEnergyWh(batt.LifetimeHarvestWh())

	sched := schedule.New(scheduleConfig(cfg), log.Logger)

	metrics, err := telemetry.NewPromSink(nil)
	if err != nil {
		return err
	}

	orch := NewOrchestrator(orchestratorConfig(cfg),
		NewSystem(tracker, batt, log.Logger), sched, dev, metrics, log.Logger)

	svc, err := startService(orch)
	if err != nil {
		// The bus is not fitted on every bench setup.
		log.Warnf("dbus service unavailable: %v", err)
	}

	var publisher *telemetry.Publisher
	if cfg.Telemetry.MQTTEnabled {
		publisher, err = telemetry.NewPublisher(cfg.Telemetry, cfg.DeviceName, log.Logger)
		if err != nil {
			log.Warnf("mqtt unavailable: %v", err)
		} else {
			defer publisher.Close()
			orch.SetEventSink(publisher)
		}
	}

	var readings *telemetry.ReadingsLog
	if cfg.ReadingsFile != "" {
		readings, err = telemetry.NewReadingsLog(cfg.ReadingsFile)
		if err != nil {
			log.Warnf("readings log unavailable: %v", err)
		}
	}

	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Port, orch)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Warnf("http server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := startCronJobs(ctx, orch, readings); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	lastPublish := time.Time{}

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			orch.SetCurrentTime(now.Hour(), now.Minute())
			orch.Update()

			if now.Sub(lastPublish) >= publishInterval {
				lastPublish = now
				publish(orch, metrics, publisher, readings)
				if err := orch.SaveState(cfg.StateFile); err != nil {
					log.Warnf("saving battery state: %v", err)
				}
			}

		case d := <-sleepRequests(svc):
			if d == 0 {
				d = orch.RecommendedSleep()
			}
			if publisher != nil {
				publisher.PublishEvent("deep-sleep", d.String())
			}
			orch.PrepareForDeepSleep(d, cfg.StateFile)
			return orch.Suspend(d)

		case <-sigs:
			log.Info("shutting down")
			if err := orch.SaveState(cfg.StateFile); err != nil {
				log.Warnf("saving battery state: %v", err)
			}
			return nil
		}
	}
}

// sleepRequests gives the select loop a channel even when the dbus
// service failed to start.
func sleepRequests(svc *service) chan time.Duration {
	if svc == nil {
		return nil
	}
	return svc.sleepRequests
}

func connectBoard(cfg *config.Config) (*mcu.Device, error) {
	var tx mcu.Transport
	var err error
	switch cfg.MCU.Transport {
	case "serial":
		tx, err = mcu.OpenSerial(cfg.MCU.SerialPort, cfg.MCU.BaudRate)
	default:
		tx, err = mcu.OpenI2C(cfg.MCU.I2CBus, cfg.MCU.I2CAddress)
	}
	if err != nil {
		return nil, err
	}
	return mcu.Connect(tx, connectRetries)
}

// buildBattery uses the configured chemistry, or detects it from the
// measured pack voltage when none is set.
func buildBattery(cfg *config.Config, sensors *boardSensors, dev *mcu.Device) (*battery.Analytics, error) {
	var bcfg battery.Config
	var err error
	if cfg.Battery.Chemistry != "" {
		bcfg, err = battery.DefaultConfig(cfg.Battery.Chemistry,
			cfg.Battery.CellCount, float32(cfg.Battery.CapacityMAH))
	} else {
		var packV float32
		packV, err = sensors.BatteryVoltage()
		if err != nil {
			return nil, fmt.Errorf("reading pack voltage for detection: %w", err)
		}
		bcfg, err = battery.DetectConfig(packV, float32(cfg.Battery.CapacityMAH))
	}
	if err != nil {
		return nil, err
	}

	if cfg.Battery.MaxCellVoltage > 0 {
		bcfg.ChargeVoltage = cfg.Battery.MaxCellVoltage
	}
	if cfg.Battery.MinCellVoltage > 0 {
		bcfg.CutoffVoltage = cfg.Battery.MinCellVoltage
	}
	if cfg.Battery.MaxChargeCurrentMA > 0 {
		bcfg.MaxChargeCurrentMA = cfg.Battery.MaxChargeCurrentMA
	}
	log.Infof("battery: %s %d cells %.0f mAh",
		bcfg.Chemistry, bcfg.CellCount, bcfg.CapacityMAH)
	return battery.New(bcfg, sensors, dev, log.Logger)
}

func solarConfig(cfg *config.Config) solar.Config {
	scfg := solar.DefaultConfig()
	switch cfg.Solar.Algorithm {
	case "incremental-conductance":
		scfg.Algorithm = solar.AlgorithmIncrementalConductance
	case "constant-voltage":
		scfg.Algorithm = solar.AlgorithmConstantVoltage
	default:
		scfg.Algorithm = solar.AlgorithmPerturbObserve
	}
	if cfg.Solar.TargetVoltage > 0 {
		scfg.TargetVoltage = cfg.Solar.TargetVoltage
	}
	return scfg
}

func scheduleConfig(cfg *config.Config) schedule.Config {
	return schedule.Config{
		MinSleep:               time.Duration(cfg.Schedule.MinSleepSeconds) * time.Second,
		DefaultSleep:           time.Duration(cfg.Schedule.DefaultSleepSeconds) * time.Second,
		MaxSleep:               time.Duration(cfg.Schedule.MaxSleepSeconds) * time.Second,
		LowBatteryPercent:      cfg.Schedule.LowBatteryPercent,
		CriticalBatteryPercent: cfg.Schedule.CriticalBatteryPercent,
		AnalysisInterval:       5 * time.Minute,
		Latitude:               cfg.Schedule.Latitude,
		Longitude:              cfg.Schedule.Longitude,
	}
}

func orchestratorConfig(cfg *config.Config) OrchestratorConfig {
	ocfg := DefaultOrchestratorConfig()
	ocfg.LowSOC = cfg.Schedule.LowBatteryPercent
	ocfg.CriticalSOC = cfg.Schedule.CriticalBatteryPercent
	ocfg.MinSleep = time.Duration(cfg.Schedule.MinSleepSeconds) * time.Second
	ocfg.MaxSleep = time.Duration(cfg.Schedule.MaxSleepSeconds) * time.Second
	return ocfg
}

// startCronJobs schedules the midnight daily-energy reset and the
// readings log trim.
func startCronJobs(ctx context.Context, orch *Orchestrator, readings *telemetry.ReadingsLog) error {
	sched := quartz.NewStdScheduler()
	sched.Start(ctx)

	resetTrigger, err := quartz.NewCronTrigger(dailyResetCron)
	if err != nil {
		return err
	}
	resetJob := job.NewFunctionJob(func(_ context.Context) (int, error) {
		orch.ResetDailyHarvest()
		return 0, nil
	})
	err = sched.ScheduleJob(quartz.NewJobDetail(resetJob, quartz.NewJobKey("daily-energy-reset")), resetTrigger)
	if err != nil {
		return err
	}

	if readings == nil {
		return nil
	}
	trimTrigger, err := quartz.NewCronTrigger(logTrimCron)
	if err != nil {
		return err
	}
	trimJob := job.NewFunctionJob(func(_ context.Context) (int, error) {
		if err := readings.Trim(); err != nil {
			return 0, err
		}
		return 0, nil
	})
	return sched.ScheduleJob(quartz.NewJobDetail(trimJob, quartz.NewJobKey("readings-trim")), trimTrigger)
}

func publish(orch *Orchestrator, metrics *telemetry.PromSink,
	publisher *telemetry.Publisher, readings *telemetry.ReadingsLog) {
	snap := orch.Snapshot()
	metrics.Observe(snap)
	if publisher != nil {
		publisher.PublishStatus(snap)
	}
	if readings != nil {
		if err := readings.Append(snap); err != nil {
			log.Warnf("appending reading: %v", err)
		}
	}
}
