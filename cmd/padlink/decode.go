package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/padlink/pkg/steamctl"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode [hex-frame ...]",
	Short: "Decode hex-encoded controller frames",
	Long: `Decode Steam Controller input-report frames supplied as hex strings,
one frame per argument (or per stdin line when no arguments are given),
and print the resulting events.

Useful for inspecting captured traffic without a controller attached.

Example:
  padlink decode c01400800000
  echo "c0 15" | padlink decode`,
	RunE: runDecode,
}

func runDecode(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	frames := args
	if len(frames) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				frames = append(frames, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	}
	if len(frames) == 0 {
		return fmt.Errorf("no frames to decode")
	}

	var prev *steamctl.ControllerState
	exitErr := false
	for i, raw := range frames {
		data, err := hex.DecodeString(normalizeHex(raw))
		if err != nil {
			fmt.Fprintf(os.Stderr, "frame %d: invalid hex: %s\n", i+1, err)
			exitErr = true
			continue
		}

		state, ok, err := steamctl.Decode(data, prev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "frame %d: %s\n", i+1, err)
			exitErr = true
			continue
		}
		if !ok {
			fmt.Printf("frame %d: ignored (not an input report)\n", i+1)
			continue
		}

		fmt.Printf("frame %d: buttons=%s\n", i+1, state.Buttons)
		for _, ev := range steamctl.StateEvents(state) {
			switch ev.Kind {
			case steamctl.EventButton:
				action := "release"
				if ev.Pressed {
					action = "press"
				}
				fmt.Printf("  %s %s\n", action, ev.Button)
			case steamctl.EventTrigger:
				fmt.Printf("  trigger %s %.3f\n", ev.Button, ev.Value)
			case steamctl.EventAxis:
				fmt.Printf("  axis %s %+.3f\n", ev.Axis, ev.Value)
			}
		}
		if state.HasButtons {
			prev = state
		}
	}

	if exitErr {
		return fmt.Errorf("some frames failed to decode")
	}
	return nil
}

// normalizeHex strips whitespace, colons and 0x prefixes so frames can be
// pasted straight from packet dumps.
func normalizeHex(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "0x", "")
	replacer := strings.NewReplacer(" ", "", "\t", "", ":", "", ",", "")
	return replacer.Replace(s)
}
