// Package main is the CLI entry point for svcwatch.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stone-age-io/svcwatch/internal/agent"
	"github.com/stone-age-io/svcwatch/internal/config"
	"github.com/stone-age-io/svcwatch/internal/status"
	"github.com/stone-age-io/svcwatch/internal/svcctl"
	"github.com/stone-age-io/svcwatch/internal/watcher"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "svcwatch",
	Short: "Service watcher - controls OS services and reports their state",
	Long: `svcwatch installs, starts, stops and queries services through the
operating system's service manager (the Windows Service Control Manager or
systemd). As an agent it watches a set of services and publishes every state
change over NATS.`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground or under the service manager",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return agent.Run(configPath, Version)
	},
}

var serviceCmd = &cobra.Command{
	Use:       "service ACTION",
	Short:     "Install, uninstall, start or stop the agent's own service",
	Long:      `Controls the svcwatch agent registration. ACTION is one of ` + strings.Join(agent.ControlActions(), ", ") + ".",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: agent.ControlActions(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := agent.Control(configPath, Version, args[0]); err != nil {
			return err
		}
		fmt.Printf("Service %s: %s done\n", agent.ServiceName, args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status NAME",
	Short: "Show the state of a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var startCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start a service",
	Long: `Starts a service and waits for it to leave the start-pending state.
With --wait the service must be stopped beforehand and must reach running
within the given duration.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransition(args[0], "start")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransition(args[0], "stop")
	},
}

var installCmd = &cobra.Command{
	Use:   "install NAME DISPLAY_NAME BINARY [ARGS...]",
	Short: "Register a service and start it",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, _, err := newBinding()
		if err != nil {
			return err
		}
		if err := b.Install(args[0], args[1], args[2], args[3:]...); err != nil {
			return err
		}
		fmt.Printf("%s installed and running\n", args[0])
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall NAME",
	Short: "Stop a service if needed and remove it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, _, err := newBinding()
		if err != nil {
			return err
		}
		if err := b.Uninstall(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s uninstalled\n", args[0])
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch NAME...",
	Short: "Print state changes of services until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWatch,
}

var (
	configPath string
	logLevel   string
	waitFor    time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.GetDefaultConfigPath(), "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level of the one-shot commands")
	startCmd.Flags().DurationVar(&waitFor, "wait", 0, "Require a stopped service and wait up to this long for it to run")
	stopCmd.Flags().DurationVar(&waitFor, "wait", 0, "Require a running service and wait up to this long for it to stop")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig reads the config file when it exists and falls back to the
// defaults otherwise, so one-shot commands work on hosts without an agent
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func newBinding() (*svcctl.Binding, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := agent.NewConsoleLogger(logLevel)
	if err != nil {
		return nil, nil, err
	}
	b := svcctl.NewDefault(logger, svcctl.WithDefaultWait(cfg.Services.WaitTimeout))
	return b, cfg, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	b, _, err := newBinding()
	if err != nil {
		return err
	}

	name := args[0]
	snap, err := b.QueryStatus(name)
	if errors.Is(err, svcctl.ErrNotFound) {
		fmt.Printf("%s: not installed\n", name)
		return nil
	}
	if err != nil {
		return err
	}

	simplified := status.Classify(snap.State)
	fmt.Printf("Service:  %s\n", name)
	fmt.Printf("State:    %s\n", snap.State)
	fmt.Printf("Running:  %s\n", simplified.Running)
	fmt.Printf("Install:  %s\n", simplified.Install)
	if snap.ProcessID != 0 {
		fmt.Printf("PID:      %d\n", snap.ProcessID)
	}
	if snap.ExitCode != 0 {
		fmt.Printf("ExitCode: %d\n", snap.ExitCode)
	}
	return nil
}

func runTransition(name, verb string) error {
	b, _, err := newBinding()
	if err != nil {
		return err
	}

	if waitFor > 0 {
		var ok bool
		if verb == "start" {
			ok = b.StartAndWait(name, waitFor)
		} else {
			ok = b.StopAndWait(name, waitFor)
		}
		if !ok {
			return fmt.Errorf("%s did not %s within %v", name, verb, waitFor)
		}
	} else {
		if verb == "start" {
			err = b.Start(name)
		} else {
			err = b.Stop(name)
		}
		if err != nil {
			return err
		}
	}

	state, err := b.GetStatus(name)
	if err != nil {
		return err
	}
	fmt.Printf("%s is %s\n", name, state)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	b, cfg, err := newBinding()
	if err != nil {
		return err
	}
	logger, err := agent.NewConsoleLogger(logLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := watcher.New(ctx, b, nil, logger.Named("watcher"),
		watcher.WithMonitorTimeout(cfg.Services.MonitorTimeout),
		watcher.WithRetryInterval(cfg.Services.RetryInterval))
	defer w.Close()

	unsubscribe := w.Subscribe(func(name string, state svcctl.State) {
		fmt.Printf("%s  %-16s %s (%s)\n",
			time.Now().Format(time.RFC3339), name, state, status.RunningOf(state))
	})
	defer unsubscribe()

	for _, name := range args {
		if err := w.AddService(name); err != nil {
			return fmt.Errorf("cannot watch %s: %w", name, err)
		}
	}
	for name, state := range w.Services() {
		fmt.Printf("%s  %-16s %s (%s)\n",
			time.Now().Format(time.RFC3339), name, state, status.RunningOf(state))
	}

	<-ctx.Done()
	logger.Debug("Interrupted, stopping watcher", zap.Int("services", len(args)))
	return nil
}
