/*
Kestrel SMTP Server - High-throughput extensible SMTP server platform.
Copyright © 2023-2026 The Kestrel developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// kestreld is the Kestrel SMTP server daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kestrel-mta/kestrel/framework/hooks"
	"github.com/kestrel-mta/kestrel/framework/log"
	"github.com/kestrel-mta/kestrel/internal/kestrel"
)

var Version = "unknown (built from source tree)"

func main() {
	app := &cli.App{
		Name:    "kestreld",
		Usage:   "high-throughput extensible SMTP server",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "configuration file to use",
				EnvVars: []string{"KESTREL_CONFIG"},
				Value:   "/etc/kestrel/kestrel.toml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging early",
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:  "check-config",
				Usage: "verify the configuration file and exit",
				Action: func(c *cli.Context) error {
					_, err := kestrel.Load(c.String("config"))
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					fmt.Println("configuration OK")
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app terminated", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := kestrel.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	l := log.Logger{
		Out:   log.WriterOutput(os.Stderr, true),
		Debug: cfg.Debug || c.Bool("debug"),
	}
	log.DefaultLogger = l

	srv, err := kestrel.New(cfg, l)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-done:
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		case s := <-sig:
			if s == syscall.SIGHUP {
				l.Msg("signal received, rotating logs", "signal", s.String())
				hooks.RunHooks(hooks.EventLogRotate)
				continue
			}

			l.Msg("signal received, next signal will force stop", "signal", s.String())
			go func() {
				s := <-sig
				l.Msg("forced stop", "signal", s.String())
				os.Exit(1)
			}()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := srv.Shutdown(ctx)
			cancel()
			hooks.RunHooks(hooks.EventShutdown)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			<-done
			return nil
		}
	}
}
