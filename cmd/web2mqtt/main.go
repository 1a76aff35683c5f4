// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entrypoint for the web2mqtt gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/web2mqtt/pkg/actor"
	"github.com/turtacn/web2mqtt/pkg/api"
	"github.com/turtacn/web2mqtt/pkg/auth"
	"github.com/turtacn/web2mqtt/pkg/config"
	"github.com/turtacn/web2mqtt/pkg/devbroker"
	"github.com/turtacn/web2mqtt/pkg/logger"
	"github.com/turtacn/web2mqtt/pkg/metrics"
	"github.com/turtacn/web2mqtt/pkg/monitor"
	"github.com/turtacn/web2mqtt/pkg/mqttclient"
	"github.com/turtacn/web2mqtt/pkg/subscriber"
	"github.com/turtacn/web2mqtt/pkg/supervisor"
	"github.com/turtacn/web2mqtt/pkg/topic"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const healthInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath     string
		embeddedBroker bool
		logLevel       string
	)
	flags := pflag.NewFlagSet("web2mqtt", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON configuration file")
	flags.BoolVar(&embeddedBroker, "embedded-broker", false, "run an in-process MQTT broker and connect to it")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides HCS_LOG_LEVEL")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if embeddedBroker {
		cfg.EmbeddedBroker.Enabled = true
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info("Starting web2mqtt", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var broker *devbroker.Broker
	if cfg.EmbeddedBroker.Enabled {
		broker, err = devbroker.Start(cfg.EmbeddedBroker.Addr, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := broker.Close(); err != nil {
				log.Warn("Failed to close embedded broker", "error", err)
			}
		}()
		cfg.MQTT.Host = broker.Host()
		cfg.MQTT.Port = broker.Port()
	}

	client := mqttclient.NewPaho(cfg.MQTTOptions(log))
	connectCtx, cancel := context.WithTimeout(ctx, config.Seconds(cfg.MQTT.ConnectTimeout))
	if err := client.Connect(connectCtx); err != nil {
		// Paho keeps retrying in the background.
		log.Warn("MQTT broker not reachable yet", "error", err)
	}
	cancel()

	registry := topic.NewRegistry()
	mailbox := actor.NewMailbox[subscriber.Message](cfg.Perf.ChannelBufSize)
	subQoS, err := mqttclient.ParseQoS(cfg.MQTT.SubscribeQoS)
	if err != nil {
		return err
	}
	subs := subscriber.New(client, registry, mailbox, subscriber.Options{
		Logger:           log,
		OperationTimeout: config.Seconds(cfg.MQTT.OperationTimeout),
		SubscribeQoS:     subQoS,
	})

	chain := auth.NewAuthChain(log)
	if err := cfg.ConfigureAuth(chain, log); err != nil {
		return fmt.Errorf("failed to configure authentication: %w", err)
	}

	health := monitor.NewHealthChecker(version, log)
	health.RegisterCheck("broker", monitor.BrokerCheck(client), true)
	health.RegisterCheck("actor", monitor.StateCheck(subs.State, subscriber.StateRunning), true)

	server := api.NewServer(api.Options{
		Addr:             cfg.ListenAddr(),
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		MaxSessions:      cfg.HTTP.MaxSessions,
		PublishRate:      cfg.HTTP.PublishRate,
		PublishBurst:     cfg.HTTP.PublishBurst,
		RequestTimeout:   config.Seconds(cfg.HTTP.RequestTimeout),
		SubscribeTimeout: config.Seconds(cfg.HTTP.SubscribeTimeout),
		Auth:             chain,
		Health:           health,
		Logger:           log,
	}, subs.Handle())

	g, gctx := errgroup.WithContext(ctx)

	sup := supervisor.NewOneForOneSupervisor(log)
	if err := sup.Start(gctx, []supervisor.Spec{
		{ID: "subscriber", Actor: subs, Restart: supervisor.RestartTransient},
	}); err != nil {
		return err
	}
	g.Go(func() error {
		sup.Wait()
		return nil
	})
	g.Go(func() error {
		health.Run(gctx, healthInterval)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})
	if cfg.HTTP.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.HTTP.MetricsAddr)
		})
	}

	err = g.Wait()
	log.Info("Shutdown completed", "state", subs.State())
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Gateway stopped with error", "error", err)
		return err
	}
	return nil
}
