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

// Package config loads the daemon configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

const DefaultConfigFile = "/etc/wildcam/power.yaml"

type Config struct {
	DeviceName string `mapstructure:"device_name"`
	LogLevel   string `mapstructure:"log_level"`

	MCU       MCUConfig       `mapstructure:"mcu"`
	Battery   BatteryConfig   `mapstructure:"battery"`
	Solar     SolarConfig     `mapstructure:"solar"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`

	// Battery pack identity survives reboots here.
	StateFile string `mapstructure:"state_file"`
	// Readings CSV log, empty disables it.
	ReadingsFile string `mapstructure:"readings_file"`
}

type MCUConfig struct {
	// "i2c" or "serial".
	Transport  string `mapstructure:"transport"`
	I2CBus     string `mapstructure:"i2c_bus"`
	I2CAddress uint16 `mapstructure:"i2c_address"`
	SerialPort string `mapstructure:"serial_port"`
	BaudRate   int    `mapstructure:"baud_rate"`
}

type BatteryConfig struct {
	// Empty chemistry means detect from pack voltage.
	Chemistry   string `mapstructure:"chemistry"`
	CellCount   int    `mapstructure:"cell_count"`
	CapacityMAH int    `mapstructure:"capacity_mah"`

	// Optional per-cell voltage overrides, zero keeps the
	// chemistry default.
	MaxCellVoltage float32 `mapstructure:"max_cell_voltage"`
	MinCellVoltage float32 `mapstructure:"min_cell_voltage"`

	MaxChargeCurrentMA float32 `mapstructure:"max_charge_current_ma"`
}

type SolarConfig struct {
	Algorithm         string  `mapstructure:"algorithm"`
	TargetVoltage     float32 `mapstructure:"target_voltage"`
	WeatherAdaptation bool    `mapstructure:"weather_adaptation"`
}

type ScheduleConfig struct {
	MinSleepSeconds     int `mapstructure:"min_sleep_seconds"`
	DefaultSleepSeconds int `mapstructure:"default_sleep_seconds"`
	MaxSleepSeconds     int `mapstructure:"max_sleep_seconds"`

	LowBatteryPercent      float32 `mapstructure:"low_battery_percent"`
	CriticalBatteryPercent float32 `mapstructure:"critical_battery_percent"`

	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
}

type TelemetryConfig struct {
	MQTTEnabled bool   `mapstructure:"mqtt_enabled"`
	Broker      string `mapstructure:"broker"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	BaseTopic   string `mapstructure:"base_topic"`
}

type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device_name", "wildcam")
	v.SetDefault("log_level", "info")
	v.SetDefault("mcu.transport", "i2c")
	v.SetDefault("mcu.i2c_bus", "")
	v.SetDefault("mcu.i2c_address", 0x26)
	v.SetDefault("mcu.serial_port", "/dev/ttyAMA0")
	v.SetDefault("mcu.baud_rate", 115200)
	v.SetDefault("battery.capacity_mah", 5000)
	v.SetDefault("solar.algorithm", "perturb-observe")
	v.SetDefault("solar.target_voltage", 17.0)
	v.SetDefault("solar.weather_adaptation", true)
	v.SetDefault("schedule.min_sleep_seconds", 60)
	v.SetDefault("schedule.default_sleep_seconds", 300)
	v.SetDefault("schedule.max_sleep_seconds", 3600)
	v.SetDefault("schedule.low_battery_percent", 30)
	v.SetDefault("schedule.critical_battery_percent", 15)
	v.SetDefault("telemetry.base_topic", "wildcam")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("state_file", "/var/lib/wildcam/battery-state.json")
	v.SetDefault("readings_file", "/var/log/wildcam/power-readings.csv")
}

// Load reads the config file at path, falling back to defaults when
// the file does not exist. Environment variables with the WILDCAM
// prefix override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("wildcam")
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.MCU.Transport {
	case "i2c", "serial":
	default:
		return fmt.Errorf("unknown mcu transport %q", c.MCU.Transport)
	}
	if c.Battery.CapacityMAH <= 0 {
		return errors.New("battery capacity must be positive")
	}
	if c.Schedule.MinSleepSeconds <= 0 ||
		c.Schedule.MaxSleepSeconds < c.Schedule.MinSleepSeconds {
		return errors.New("sleep bounds are inverted")
	}
	if c.Schedule.CriticalBatteryPercent > c.Schedule.LowBatteryPercent {
		return errors.New("critical battery threshold above low threshold")
	}
	if c.Telemetry.MQTTEnabled && c.Telemetry.Broker == "" {
		return errors.New("mqtt enabled without a broker")
	}
	return nil
}
