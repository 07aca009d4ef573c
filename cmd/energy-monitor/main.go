package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"energy-monitor/config"
	"energy-monitor/internal/calibration"
	"energy-monitor/internal/collector"
	"energy-monitor/internal/gateway"
	"energy-monitor/internal/installation"
	"energy-monitor/internal/logger"
	"energy-monitor/internal/modbus"
	"energy-monitor/internal/solarapi"
	"energy-monitor/internal/topology"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "energy-monitor",
		Short: "Energy installation monitor",
		Long:  "Polls a solar inverter and an optional home-automation gateway and publishes the site power flow",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(calibrateCmd())
	rootCmd.AddCommand(historyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the process logger.
func setup(ctx context.Context) (context.Context, *config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return ctx, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := logger.ParseLevel(cfg.Log.Level)
	if verbose {
		level = slog.LevelDebug
	}
	l := logger.New(&logger.Config{Output: os.Stderr, Level: level, AddSource: cfg.Log.AddSource})
	slog.SetDefault(l)
	return logger.With(ctx, l), cfg, l, nil
}

func inverterConnection(inv config.InverterConfig) solarapi.Connection {
	return solarapi.Connection{BaseURL: inv.URL, Username: inv.Username, Password: inv.Password}
}

func gatewayConnection(gw config.GatewayConfig) *gateway.Connection {
	if !gw.Enabled {
		return nil
	}
	return &gateway.Connection{BaseURL: gw.URL, Username: gw.Username, Password: gw.Password}
}

func newCalibration(ctx context.Context, cfg *config.Config) *calibration.Engine {
	return calibration.NewEngine(ctx, calibration.NewFileStore(cfg.Calibration.HistoryPath), cfg.Calibration.MaxItems)
}

// oneShot builds a collector that is driven by RefreshOnce only.
func oneShot(ctx context.Context, cfg *config.Config) (*collector.Collector, *solarapi.Client) {
	client := solarapi.NewClient(solarapi.Config{Timeout: cfg.Inverter.Timeout, MinInterval: cfg.Inverter.MinInterval})
	client.SetConnection(inverterConnection(cfg.Inverter))

	ccfg := collector.Config{
		Source:           client,
		Calibration:      newCalibration(ctx, cfg),
		WindowSize:       cfg.Collector.WindowSize,
		GatewayPollEvery: cfg.Gateway.PollEvery,
	}
	if conn := gatewayConnection(cfg.Gateway); conn != nil {
		session := gateway.NewSession(cfg.Gateway.Timeout)
		session.SetConnection(conn)
		ccfg.Gateway = session
	}
	return collector.NewCollector(ccfg), client
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Read the installation once",
		Long:  "Discover the installation, read every device once and print the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, _, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			coll, client := oneShot(ctx, cfg)
			defer client.Close()

			if err := coll.RefreshOnce(ctx); err != nil {
				return fmt.Errorf("failed to read installation: %w", err)
			}
			// a second cycle takes the incremental path and fetches the power flow
			if err := coll.RefreshOnce(ctx); err != nil {
				return fmt.Errorf("failed to read power flow: %w", err)
			}

			view := coll.Snapshot().View()
			return printJSON(struct {
				Snapshot  *installation.View        `json:"snapshot"`
				Corrected *collector.CorrectedPower `json:"corrected,omitempty"`
			}{view, coll.Corrected(view.PowerFlow())})
		},
	}
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Scan Modbus TCP unit ids for SunSpec devices",
		Long:  "Connect to the Modbus TCP endpoint, walk the SunSpec model chain of every configured unit id and print the classified topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, _, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Probing %s:%d...\n", cfg.Modbus.Host, cfg.Modbus.Port)

			unitIDs := lo.Map(cfg.Modbus.UnitIDs, func(id int, _ int) uint8 { return uint8(id) })
			if len(unitIDs) == 0 {
				return fmt.Errorf("no modbus unit ids configured")
			}

			client := modbus.NewClient(cfg.Modbus.Host, cfg.Modbus.Port, unitIDs[0], cfg.Modbus.Timeout)
			if err := client.Connect(); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer client.Close()

			topo, err := topology.Discover(ctx, modbus.NewScanner(client, unitIDs), topology.SunSpecRules)
			if err != nil {
				return err
			}
			return printJSON(topo.Identities)
		},
	}
}

func calibrateCmd() *cobra.Command {
	var consumed, produced float64

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Record a true meter reading",
		Long:  "Read the smart meter once and record the offset between the given true reading (Wh) and its raw counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, _, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			var reading collector.Reading
			if cmd.Flags().Changed("consumed") {
				reading.Consumed = &consumed
			}
			if cmd.Flags().Changed("produced") {
				reading.Produced = &produced
			}

			coll, client := oneShot(ctx, cfg)
			defer client.Close()

			if err := coll.RefreshOnce(ctx); err != nil {
				return fmt.Errorf("failed to read meter: %w", err)
			}
			item, err := coll.Calibrate(ctx, reading)
			if err != nil {
				return err
			}
			return printJSON(item)
		},
	}

	cmd.Flags().Float64Var(&consumed, "consumed", 0, "true consumed energy reading in Wh")
	cmd.Flags().Float64Var(&produced, "produced", 0, "true produced energy reading in Wh")
	cmd.MarkFlagsOneRequired("consumed", "produced")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the calibration history and factors",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, _, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			engine := newCalibration(ctx, cfg)
			return printJSON(struct {
				Factors map[string]float64        `json:"factors"`
				History []calibration.HistoryItem `json:"history"`
			}{engine.Factors(), engine.History()})
		},
	}
}
