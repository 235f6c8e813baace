// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	mqtt "github.com/mochi-mqtt/lite"
	"github.com/mochi-mqtt/lite/config"
	"github.com/mochi-mqtt/lite/listeners"
)

func main() {
	tcpAddr := flag.String("tcp", ":1883", "network address for TCP listener")
	wsAddr := flag.String("ws", ":1882", "network address for Websocket listener")
	infoAddr := flag.String("info", ":8080", "network address for web info dashboard listener")
	metricsAddr := flag.String("metrics", "", "network address for prometheus metrics listener")
	healthAddr := flag.String("healthcheck", "", "network address for healthcheck listener")
	path := flag.String("config", "", "path to mochi config yaml or json file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := options(*path, []listeners.Config{
		{Type: listeners.TypeTCP, ID: "t1", Address: *tcpAddr},
		{Type: listeners.TypeWS, ID: "ws1", Address: *wsAddr},
		{Type: listeners.TypeSysInfo, ID: "stats", Address: *infoAddr},
		{Type: listeners.TypeMetrics, ID: "metrics", Address: *metricsAddr},
		{Type: listeners.TypeHealthCheck, ID: "health", Address: *healthAddr},
	})
	if err != nil {
		log.Fatal(err)
	}

	server := mqtt.New(opts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve()
	})

	g.Go(func() error {
		<-ctx.Done()
		server.Log.Warn("caught signal, stopping...")
		return server.Close()
	})

	if err := g.Wait(); err != nil {
		server.Log.Error("server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	server.Log.Info("main.go finished")
}

// options returns the server options from a config file, or from the flag
// listeners if no file is given, with environment overrides applied.
func options(path string, flagged []listeners.Config) (*mqtt.Options, error) {
	opts := new(mqtt.Options)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		o, err := config.FromBytes(b)
		if err != nil {
			return nil, err
		}

		if o != nil {
			opts = o
		}
	} else {
		for _, l := range flagged {
			if l.Address != "" {
				opts.Listeners = append(opts.Listeners, l)
			}
		}
	}

	if err := config.FromEnv(opts); err != nil {
		return nil, err
	}

	return opts, nil
}
