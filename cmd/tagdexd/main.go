package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tagdex/tagdexd/internal/logger"
)

func main() {
	var configFlag string
	var logLevelFlag string
	var logFileFlag string

	root := &cobra.Command{
		Use:   "tagdexd",
		Short: "tagdex server: tag graph, boolean search, and write-ahead log",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logLevelFlag, logFileFlag)
		},
	}

	root.PersistentFlags().StringVar(&configFlag, "config", "/etc/tagdex/tagdex.conf", "path to the server config file")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "also write logs to this file")

	root.AddCommand(serveCmd(), dumpCmd(), checkCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
