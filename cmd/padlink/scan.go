package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/padlink/internal/scan"
	"github.com/srg/padlink/pkg/config"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Steam Controllers",
	Long: `Scan for nearby Steam Controllers and display their addresses and
signal strength.

By default only peripherals advertising as a Steam Controller are listed;
use --all to see every nearby device.`,
	RunE: runScan,
}

var (
	scanCmdDuration time.Duration
	scanCmdAll      bool
	scanCmdVerbose  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanCmdDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().BoolVar(&scanCmdAll, "all", false, "List every nearby device, not just controllers")
	scanCmd.Flags().BoolVarP(&scanCmdVerbose, "verbose", "V", false, "Enable verbose logging")
}

func runScan(cmd *cobra.Command, args []string) error {
	logger, err := sessionLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	match := scan.MatchPolicy{Name: cfg.Scan.PeripheralName}
	if scanCmdAll {
		match = scan.MatchPolicy{}
	}
	if cfg.BondFile != "" {
		match.BondedAddress = config.NewBondStore(cfg.BondFile).Address()
	}

	scanner := scan.NewScanner(logger)
	results, err := scanner.Scan(ctx, &scan.Options{
		Duration: scanCmdDuration,
		Match:    match,
	})
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No devices found.")
		return nil
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].RSSI > results[j].RSSI
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tCONNECTABLE")
	for _, p := range results {
		name := p.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", p.Address, name, p.RSSI, p.Connectable)
	}
	return w.Flush()
}
