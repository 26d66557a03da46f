// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/config"
	"github.com/forkbombeu/emuhub/internal/ports"
)

func main() {
	if err := config.Ensure(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	env := adb.Detect()

	var logLevel, correlationID string
	var log *slog.Logger
	var shutdownTracing func(context.Context) error

	root := &cobra.Command{
		Use:           "emuhub",
		Short:         "ADB readiness and recovery for Docker Android emulators",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q", logLevel)
			}
			// stdout carries command output; logs go to stderr.
			log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(log)
			adb.SetLogger(log)

			if correlationID == "" {
				correlationID = env.CorrelationID
			}
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			env = env.WithCorrelationID(correlationID)

			shutdown, err := setupTracing(cmd.Context())
			if err != nil {
				log.Warn("tracing disabled", "error", err)
				shutdown = func(context.Context) error { return nil }
			}
			shutdownTracing = shutdown
			env.Context = cmd.Context()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if shutdownTracing == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownTracing(ctx)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", config.String("EMUHUB_LOG_LEVEL", "info"), "debug, info, warn or error")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "id attached to every log record and span (default: random)")

	// target flags shared by the device commands
	var serverPort, devicePort int
	var containerName string
	targetFlags := func(cmd *cobra.Command) {
		cmd.Flags().IntVar(&serverPort, "server-port", 5037, "adb server port")
		cmd.Flags().IntVar(&devicePort, "device-port", 5555, "host-mapped adb port of the device")
		cmd.Flags().StringVar(&containerName, "container", "", "emulator container name (dial <name>:5555 over the Docker network)")
	}
	target := func() adb.Target {
		return adb.Target{ServerPort: serverPort, DevicePort: devicePort, ContainerName: containerName}
	}
	controller := func() *adb.Controller { return adb.NewController(env) }

	// discover
	var retries int
	var delay time.Duration
	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Connect to the device and report its state, retrying while it is absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := target()
			d, err := controller().Discover(cmd.Context(), t.ServerPort, t.Address(),
				adb.DiscoverOptions{MaxRetries: retries, RetryDelay: delay})
			if err != nil {
				return err
			}
			if err := printJSON(d); err != nil {
				return err
			}
			if !d.Outcome.Ready() {
				return &adb.NotReadyError{Outcome: d.Outcome, Serial: d.Serial}
			}
			return nil
		},
	}
	targetFlags(discoverCmd)
	discoverCmd.Flags().IntVar(&retries, "retries", 10, "maximum attempts")
	discoverCmd.Flags().DurationVar(&delay, "delay", 3*time.Second, "delay between attempts")
	root.AddCommand(discoverCmd)

	// wait
	var waitTimeout, waitInterval time.Duration
	waitCmd := &cobra.Command{
		Use:   "wait",
		Short: "Poll the device list until the device is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := target()
			state := controller().WaitFor(cmd.Context(), t.ServerPort, t.Address(), waitTimeout, waitInterval)
			fmt.Println(state)
			if state != adb.StateDevice {
				return fmt.Errorf("device %s not ready: %s", t.Address(), state)
			}
			return nil
		},
	}
	targetFlags(waitCmd)
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 60*time.Second, "maximum wait")
	waitCmd.Flags().DurationVar(&waitInterval, "interval", 2*time.Second, "poll interval")
	root.AddCommand(waitCmd)

	// restart-server
	restartCmd := &cobra.Command{
		Use:   "restart-server",
		Short: "Kill every adb process and start a server on --server-port",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := controller().Restart(cmd.Context(), serverPort); err != nil {
				return err
			}
			fmt.Printf("adb server running on port %d\n", serverPort)
			return nil
		},
	}
	restartCmd.Flags().IntVar(&serverPort, "server-port", 5037, "adb server port")
	root.AddCommand(restartCmd)

	// screenshot
	var outPath string
	screenshotCmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Restart the server, find the device and save a PNG screenshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			png, err := adb.NewPipeline(controller()).Screenshot(cmd.Context(), target())
			if err != nil {
				return err
			}
			if outPath == "-" {
				_, err = os.Stdout.Write(png)
				return err
			}
			if err := os.WriteFile(outPath, png, 0o644); err != nil {
				return err
			}
			fmt.Printf("Screenshot saved: %s (%d bytes)\n", outPath, len(png))
			return nil
		},
	}
	targetFlags(screenshotCmd)
	screenshotCmd.Flags().StringVarP(&outPath, "out", "o", "screenshot.png", "output file, - for stdout")
	root.AddCommand(screenshotCmd)

	// status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report device state, boot completion and Android version",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := adb.NewPipeline(controller()).Status(cmd.Context(), target())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	targetFlags(statusCmd)
	root.AddCommand(statusCmd)

	// reconnect
	reconnectCmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Restart the server and rediscover the device",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := adb.NewPipeline(controller()).Reconnect(cmd.Context(), target())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	targetFlags(reconnectCmd)
	root.AddCommand(reconnectCmd)

	// ports
	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "Show the port ranges and the next free port set",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := ports.New().Allocate("preview")
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"ranges": ports.DefaultRanges, "next": set})
		},
	}
	root.AddCommand(portsCmd)

	root.AddCommand(serveCommand(&env, func() *slog.Logger { return log }))

	if err := root.Execute(); err != nil {
		var notReady *adb.NotReadyError
		if errors.As(err, &notReady) {
			fmt.Fprintln(os.Stderr, notReady.Error())
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
