package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/padlink/internal/coex"
	"github.com/srg/padlink/internal/radio"
	"github.com/srg/padlink/pkg/config"
	"github.com/srg/padlink/pkg/steamctl"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a Steam Controller and stream its input",
	Long: `Scan for a Steam Controller (bonded or in pairing mode), connect,
enable steam mode, and print decoded input events until interrupted.

When the connection drops, the command keeps reconnecting until Ctrl-C.`,
	RunE: runRun,
}

var (
	runVerbose  bool
	runOnce     bool
	runBondFile string
)

func init() {
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "V", false, "Enable verbose logging")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Exit after the first session ends instead of reconnecting")
	runCmd.Flags().StringVar(&runBondFile, "bond-file", "", "Path to the bond file (overrides config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := sessionLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if runBondFile != "" {
		cfg.BondFile = runBondFile
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	manager := coex.NewManager(coex.Options{
		Policy: radio.Policy{
			MinSlice:  cfg.Radio.MinSlice.Std(),
			MaxBudget: cfg.Radio.MaxBudget.Std(),
			MaxWait:   cfg.Radio.MaxWait.Std(),
		},
		ExclusiveBudget: cfg.Radio.ExclusiveBudget.Std(),
	}, logger)

	var bond *config.BondStore
	if cfg.BondFile != "" {
		bond = config.NewBondStore(cfg.BondFile)
	}

	client := steamctl.NewClient(steamctl.Options{
		Config: cfg,
		Bond:   bond,
		Radio:  manager.BLEClient(),
		Logger: logger,
	})

	backoff := cfg.Peer.ReconnectBackoff.Std()
	for {
		err := client.Run(ctx, printEvent)
		if ctx.Err() != nil {
			return context.Canceled
		}
		if err != nil {
			logger.WithField("error", err).Info("Session ended")
			fmt.Fprintf(os.Stderr, "session ended: %s\n", FormatUserError(err))
		}
		if runOnce {
			return err
		}

		fmt.Fprintf(os.Stderr, "reconnecting in %s ...\n", backoff)
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-time.After(backoff):
		}
	}
}

var (
	pressColor   = color.New(color.FgGreen, color.Bold)
	releaseColor = color.New(color.FgRed)
	axisColor    = color.New(color.FgCyan)
	linkColor    = color.New(color.FgYellow, color.Bold)
)

// printEvent renders one controller event on stdout.
func printEvent(ev steamctl.Event) {
	switch ev.Kind {
	case steamctl.EventConnected:
		linkColor.Printf("connected %s\n", ev.Address)
	case steamctl.EventDisconnected:
		linkColor.Printf("disconnected %s\n", ev.Address)
	case steamctl.EventButton:
		if ev.Pressed {
			pressColor.Printf("press   %s\n", ev.Button)
		} else {
			releaseColor.Printf("release %s\n", ev.Button)
		}
	case steamctl.EventTrigger:
		axisColor.Printf("trigger %s %.3f\n", ev.Button, ev.Value)
	case steamctl.EventAxis:
		axisColor.Printf("axis    %s %+.3f\n", ev.Axis, ev.Value)
	}
}
