package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"energy-monitor/config"
	"energy-monitor/internal/amqp"
	"energy-monitor/internal/api"
	"energy-monitor/internal/collector"
	"energy-monitor/internal/gateway"
	"energy-monitor/internal/logger"
	"energy-monitor/internal/metrics"
	"energy-monitor/internal/mqtt"
	"energy-monitor/internal/notify"
	"energy-monitor/internal/solarapi"
	"energy-monitor/internal/storage"

	"github.com/spf13/cobra"
)

const sinkBuffer = 64

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring service",
		Long:  "Start the collector, the API server and the configured event sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ctx, cfg, log, err := setup(ctx)
			if err != nil {
				return err
			}

			m := metrics.NewCollector("energy_monitor", metrics.Registry)
			broker := notify.NewBroker[collector.Event]()
			defer broker.Close()

			client := solarapi.NewClient(solarapi.Config{Timeout: cfg.Inverter.Timeout, MinInterval: cfg.Inverter.MinInterval})
			defer client.Close()

			ccfg := collector.Config{
				Source:           client,
				Calibration:      newCalibration(ctx, cfg),
				Broker:           broker,
				Metrics:          m,
				Interval:         cfg.Collector.Interval,
				WindowSize:       cfg.Collector.WindowSize,
				GatewayPollEvery: cfg.Gateway.PollEvery,
			}
			if cfg.Gateway.Enabled {
				ccfg.Gateway = gateway.NewSession(cfg.Gateway.Timeout)
			}
			coll := collector.NewCollector(ccfg)

			// Create database
			var readings api.Readings
			if cfg.Database.Enabled {
				db, err := storage.NewDatabase(cfg.Database.Path)
				if err != nil {
					return fmt.Errorf("failed to open database: %w", err)
				}
				defer db.Close()
				log.Info("database opened", "path", cfg.Database.Path)
				readings = db

				events, cancel := broker.Subscribe(sinkBuffer)
				defer cancel()
				go storage.NewRecorder(db, cfg.Database.Interval, cfg.Database.Retention, m).Run(ctx, events)
			}

			if cfg.MQTT.Enabled {
				publisher, err := mqtt.NewPublisher(ctx, mqtt.PublisherConfig{
					Broker:      cfg.MQTT.Broker,
					ClientID:    cfg.MQTT.ClientID,
					Username:    cfg.MQTT.Username,
					Password:    cfg.MQTT.Password,
					TopicPrefix: cfg.MQTT.TopicPrefix,
					Enabled:     true,
					Metrics:     m,
				})
				if err != nil {
					log.Warn("MQTT connection failed", "error", err)
				} else {
					defer publisher.Close()
					if cfg.MQTT.Discovery {
						if err := publisher.PublishHomeAssistantDiscovery(); err != nil {
							log.Warn("Home Assistant discovery failed", "error", err)
						}
					}
					events, cancel := broker.Subscribe(sinkBuffer)
					defer cancel()
					go publisher.Run(ctx, events)
				}
			}

			if cfg.AMQP.Enabled {
				queue := amqp.New(cfg.AMQP.Queue, cfg.AMQP.URL, cfg.AMQP.Durable, log.With("sink", "amqp"))
				defer queue.Close()
				events, cancel := broker.Subscribe(sinkBuffer)
				defer cancel()
				go amqp.NewPublisher(queue, cfg.AMQP.Timeout, m).Run(ctx, events)
			}

			if cfg.Collector.Enabled {
				if err := coll.Start(ctx, inverterConnection(cfg.Inverter), gatewayConnection(cfg.Gateway)); err != nil {
					return err
				}
				defer coll.Stop()
			}

			var server *api.Server
			if cfg.API.Enabled {
				server = api.NewServer(api.ServerConfig{
					Port:        cfg.API.Port,
					Monitor:     coll,
					Readings:    readings,
					Standby:     client,
					Reconfigure: restarter(ctx, coll, cfg.Gateway),
					Config:      cfg,
					ConfigPath:  configFile,
					Logger:      log,
				})

				go func() {
					if err := server.Start(); err != nil {
						log.Error("API server error", "error", err)
						stop()
					}
				}()
			}

			log.Info("energy monitor started")

			<-ctx.Done()
			log.Info("shutting down")

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := server.Stop(shutdownCtx); err != nil {
					log.Warn("API server shutdown failed", "error", err)
				}
			}
			return nil
		},
	}
}

// restarter points the collector at a new inverter by restarting it on the
// service context.
func restarter(ctx context.Context, coll *collector.Collector, gw config.GatewayConfig) api.Reconfigurer {
	return func(reqCtx context.Context, inv config.InverterConfig) error {
		logger.Ctx(reqCtx).Info("restarting collector", "url", inv.URL)
		coll.Stop()
		return coll.Start(ctx, inverterConnection(inv), gatewayConnection(gw))
	}
}
