/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package config parses the Time process's command line and, optionally, a
YAML file sourced by the init script (the GPS_OPTS/NTP_OPTS/HTTP_OPTS/
OTHER_OPTS variable groups from spec.md's external-interfaces section,
collapsed here into one file read before flag.Parse, the way
fbclock/daemon/config.go reads its own YAML file ahead of its caller's
flag handling).
*/
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is every flag from spec.md §6's CLI surface.
type Config struct {
	// General
	Debug bool
	Test  bool
	DBMiB int

	// Clock
	PrecisionMs int64
	Drift       bool

	// NMEA
	GPSDevice string
	LatencyMs int64
	Baud      int
	Burst     bool
	Privacy   bool
	ShowNMEA  bool

	// NTP
	NTPService   string
	NTPPeriod    time.Duration
	NTPReference string
	NTPBroadcast bool

	// HTTP
	HTTPService string
}

// Defaults matches spec.md §6's literal default values.
func Defaults() Config {
	return Config{
		DBMiB:       1,
		PrecisionMs: 10,
		GPSDevice:   "/dev/ttyACM0",
		LatencyMs:   70,
		NTPService:  "ntp",
		NTPPeriod:   300 * time.Second,
		HTTPService: "dynamic",
	}
}

// Parse builds a Config from defaults, an optional YAML file (applied
// before flags so flags always win), and the given argument list.
func Parse(args []string, yamlPath string) (*Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", yamlPath, err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", yamlPath, err)
		}
	}

	fs := flag.NewFlagSet("houseclockd", flag.ContinueOnError)
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	fs.BoolVar(&cfg.Test, "test", cfg.Test, "raise logging to debug level, which includes discipline and calibration activity")
	fs.IntVar(&cfg.DBMiB, "db", cfg.DBMiB, "shared status table arena size, in MiB")

	fs.Int64Var(&cfg.PrecisionMs, "precision", cfg.PrecisionMs, "clock discipline precision target, in ms")
	fs.BoolVar(&cfg.Drift, "drift", cfg.Drift, "report drift correction instead of absolute offset")

	fs.StringVar(&cfg.GPSDevice, "gps", cfg.GPSDevice, "GPS serial device path")
	fs.Int64Var(&cfg.LatencyMs, "latency", cfg.LatencyMs, "fixed GPS receiver latency, in ms")
	fs.IntVar(&cfg.Baud, "baud", cfg.Baud, "serial baud rate (0 = OS default)")
	fs.BoolVar(&cfg.Burst, "burst", cfg.Burst, "use burst-relative timing (t_burst) instead of per-sentence timing (t_dollar)")
	fs.BoolVar(&cfg.Privacy, "privacy", cfg.Privacy, "suppress GPS position in status output")
	fs.BoolVar(&cfg.ShowNMEA, "show-nmea", cfg.ShowNMEA, "log every decoded NMEA sentence")

	fs.StringVar(&cfg.NTPService, "ntp-service", cfg.NTPService, "NTP service name, port, or \"none\" to disable")
	fs.DurationVar(&cfg.NTPPeriod, "ntp-period", cfg.NTPPeriod, "broadcast period, >= 10s")
	fs.StringVar(&cfg.NTPReference, "ntp-reference", cfg.NTPReference, "calibration reference host")
	fs.BoolVar(&cfg.NTPBroadcast, "ntp-broadcast", cfg.NTPBroadcast, "broadcast even without a live GPS fix")

	fs.StringVar(&cfg.HTTPService, "http-service", cfg.HTTPService, "status HTTP port, or \"dynamic\"")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes and rejects nonsensical values.
func (c *Config) Validate() error {
	if c.PrecisionMs <= 0 {
		return fmt.Errorf("config: -precision must be positive")
	}
	if c.DBMiB <= 0 {
		return fmt.Errorf("config: -db must be positive")
	}
	if c.NTPPeriod != 0 && c.NTPPeriod < 10*time.Second {
		return fmt.Errorf("config: -ntp-period must be >= 10s")
	}
	return nil
}
