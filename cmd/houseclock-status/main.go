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
houseclock-status is the Status process: a de-prioritized, read-only
reader over the Time process's SharedStore arena. It has exactly two
blocking points (its own HTTP accept/read loop and a periodic
parent-liveness probe) and exits as soon as either its parent dies or it
is asked to.
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pascal-fb-martin/houseclock/statsview"
)

// statusNice is this process's scheduling priority, per spec.md §5: it
// must never contend with the Time process for the CPU.
const statusNice = 10

func main() {
	time.Local = time.UTC

	var (
		debug       bool
		dbMiB       int
		httpService string
	)

	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.IntVar(&dbMiB, "db", 1, "shared status table arena size, in MiB (must match houseclockd's -db)")
	flag.StringVar(&httpService, "http-service", "dynamic", "status HTTP port, or \"dynamic\"")
	flag.Parse()

	if debug {
		log.SetLevel(log.DebugLevel)
	}

	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, statusNice); err != nil {
		log.Warningf("houseclock-status: setpriority(%d) failed: %v", statusNice, err)
	}

	reader, err := statsview.Open(dbMiB)
	if err != nil {
		log.Fatalf("houseclock-status: attaching to shared status arena: %v", err)
	}

	srv := statsview.NewServer(reader)
	addr, err := srv.Start(httpService)
	if err != nil {
		log.Fatalf("houseclock-status: %v", err)
	}
	log.Infof("houseclock-status: serving on %s", addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigCh
		cancel()
	}()

	statsview.WatchParent(ctx)
	log.Warning("houseclock-status: parent process gone or shutdown requested, exiting")
}
