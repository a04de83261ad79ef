package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/config"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/logger"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/supervisor"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var console bool

	rootCmd := &cobra.Command{
		Use:   "cyberdriver",
		Short: "Cyberdriver",
		Long:  `Remote desktop automation agent`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), console)
		},
	}
	rootCmd.Flags().BoolVar(&console, "console", false,
		"run in the foreground with console logging (diagnostics)")
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.SetContext(context.Background())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}

// runAgent is the service entrypoint: bring the supervisor up, watch
// settings, exit on signal or on a self-update handoff.
func runAgent(ctx context.Context, console bool) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	logger.Setup(config.LogDir(), settings.Debug)
	if console {
		log.Info().Msg("running in console mode")
	}

	exitRequested := make(chan struct{})
	var exitOnce sync.Once
	runtime, err := supervisor.New(func() {
		exitOnce.Do(func() { close(exitRequested) })
	})
	if err != nil {
		return err
	}

	if err := runtime.Start(); err != nil {
		return fmt.Errorf("agent start failed: %w", err)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go runtime.WatchSettings(watchCtx)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-exitRequested:
		log.Info().Msg("exit requested by self-update")
	case <-ctx.Done():
	}

	cancelWatch()
	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		if err := runtime.Stop(); err != nil {
			log.Warn().Err(err).Msg("shutdown error")
		}
	}()
	select {
	case <-stopDone:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("shutdown timed out")
	}
	return nil
}
