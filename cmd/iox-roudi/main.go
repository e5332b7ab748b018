/*
 *
 * Copyright 2025 The iceoryx-go Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// iox-roudi is the broker daemon. It creates the shared segment, serves
// process registrations on a unix socket, and reclaims the resources of
// processes that die. Exactly one instance runs per segment.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quanqixian/iceoryx/internal/config"
	"github.com/quanqixian/iceoryx/internal/roudi"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file (required)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "iox-roudi: -config is required")
		flag.Usage()
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "iox-roudi: bad -log-level %q\n", *logLevel)
		os.Exit(2)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("configuration rejected", "path", *configPath, "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("broker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	d, err := roudi.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := d.Run(ctx)
	log.Info("broker shutting down")
	if err := d.Close(); runErr == nil {
		runErr = err
	}
	return runErr
}
