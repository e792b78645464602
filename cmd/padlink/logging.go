package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/padlink/pkg/config"
)

// sessionLogger resolves the effective log level for one invocation and
// builds the logger through pkg/config, so the CLI flags and the config file
// agree on level names and formatting. --log-level wins over --verbose; with
// neither set the logger stays at panic level to keep command output free of
// log lines.
func sessionLogger(cmd *cobra.Command, verboseFlagName string) (*logrus.Logger, error) {
	name, _ := cmd.Flags().GetString("log-level")
	if name == "" {
		if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
			return config.NewLogger(logrus.DebugLevel), nil
		}
		return config.NewLogger(logrus.PanicLevel), nil
	}

	level, err := config.ParseLevel(name)
	if err != nil {
		return nil, err
	}
	return config.NewLogger(level), nil
}
