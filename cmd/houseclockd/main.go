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
houseclockd is the Time process: it owns the GPS serial link, the NTP UDP
socket, and the host wall clock, driving all three from a single-threaded,
1-second-timeout event loop. It forks and supervises a houseclock-status
child that reads its published shared-memory status arena.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pascal-fb-martin/houseclock/config"
	"github.com/pascal-fb-martin/houseclock/gpsclock"
	"github.com/pascal-fb-martin/houseclock/gpsnmea"
	"github.com/pascal-fb-martin/houseclock/ntpd"
	"github.com/pascal-fb-martin/houseclock/serial"
	"github.com/pascal-fb-martin/houseclock/shmstore"
	"github.com/pascal-fb-martin/houseclock/supervisor"
)

// udpSocketBufferBytes is the SO_RCVBUF/SO_SNDBUF size spec.md §6 calls for.
const udpSocketBufferBytes = 1 << 20 // 1 MiB

func main() {
	// Environment: process timezone forced to UTC (spec.md §6). Setting the
	// env var alone wouldn't reliably move an already-resolved time.Local,
	// so set it directly as well.
	os.Setenv("TZ", "UTC")
	time.Local = time.UTC

	cfg, err := config.Parse(os.Args[1:], "")
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("houseclockd: %v", err)
	}

	if cfg.Debug || cfg.Test {
		log.SetLevel(log.DebugLevel)
	}

	conn, broadcastPort, err := bindNTPSocket(cfg.NTPService)
	if err != nil {
		log.Fatalf("houseclockd: binding NTP socket: %v", err)
	}

	backend := gpsclock.SystemBackend()
	discipline := gpsclock.New(cfg.PrecisionMs, backend)
	discipline.SetDriftLogging(cfg.Drift)

	decoder := gpsnmea.NewDecoder(gpsnmea.Config{
		Device:   cfg.GPSDevice,
		Privacy:  cfg.Privacy,
		Latency:  time.Duration(cfg.LatencyMs) * time.Millisecond,
		Burst:    cfg.Burst,
		ShowNMEA: cfg.ShowNMEA,
	}, discipline)

	link := serial.New(cfg.GPSDevice, cfg.Baud)

	engineCfg := ntpd.Config{
		RefID:           "GPS",
		BroadcastPeriod: cfg.NTPPeriod,
		BroadcastAlways: cfg.NTPBroadcast,
		ReferenceHost:   cfg.NTPReference,
	}
	if err := engineCfg.Validate(); err != nil {
		log.Fatalf("houseclockd: %v", err)
	}
	engine := ntpd.NewEngine(engineCfg, discipline, func() bool { return decoder.Active(time.Now()) })

	statusArgv, err := statusChildArgv(cfg)
	if err != nil {
		log.Fatalf("houseclockd: locating houseclock-status: %v", err)
	}

	sup := supervisor.New(conn, link, decoder, engine, broadcastPort, cfg.NTPReference, statusArgv)

	arena, err := shmstore.Create(cfg.DBMiB * 1024 * 1024)
	if err != nil {
		log.Fatalf("houseclockd: creating shared status arena: %v", err)
	}
	defer arena.Destroy()
	if err := sup.EnablePublishing(arena, discipline); err != nil {
		log.Fatalf("houseclockd: enabling status publishing: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigCh
		log.Warning("houseclockd: signal received, shutting down")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		log.Errorf("houseclockd: %v", err)
		os.Exit(1)
	}
}

// resolveNTPPort turns a -ntp-service value (a numeric port, a /etc/services
// name, or the literal default "ntp") into a port number.
func resolveNTPPort(service string) (int, error) {
	if service == "" {
		service = "ntp"
	}
	if n, err := strconv.Atoi(service); err == nil {
		return n, nil
	}
	port, err := net.LookupPort("udp", service)
	if err != nil {
		return 0, fmt.Errorf("looking up service %q: %w", service, err)
	}
	return port, nil
}

// bindNTPSocket binds the single UDP socket NtpEngine receives requests
// and broadcasts on, per spec.md §6: 0.0.0.0:<service>, 1 MiB send/receive
// buffers. -ntp-service=none disables the NTP wire protocol entirely,
// returning a nil connection the supervisor knows how to run without.
func bindNTPSocket(service string) (*net.UDPConn, int, error) {
	if service == "none" {
		return nil, 0, nil
	}
	port, err := resolveNTPPort(service)
	if err != nil {
		return nil, 0, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, 0, err
	}
	if err := conn.SetReadBuffer(udpSocketBufferBytes); err != nil {
		log.Warningf("houseclockd: SO_RCVBUF: %v", err)
	}
	if err := conn.SetWriteBuffer(udpSocketBufferBytes); err != nil {
		log.Warningf("houseclockd: SO_SNDBUF: %v", err)
	}
	return conn, port, nil
}

// statusChildArgv builds the command line for the Status child, preferring
// a houseclock-status binary installed alongside this one (the packaging
// layout spec.md §1 leaves to a separate collaborator) and falling back to
// PATH lookup.
func statusChildArgv(cfg *config.Config) ([]string, error) {
	name := "houseclock-status"
	path := name
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if _, statErr := os.Stat(candidate); statErr == nil {
			path = candidate
		}
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, err
	}

	argv := []string{path, fmt.Sprintf("-db=%d", cfg.DBMiB), fmt.Sprintf("-http-service=%s", cfg.HTTPService)}
	if cfg.Debug {
		argv = append(argv, "-debug")
	}
	return argv, nil
}
