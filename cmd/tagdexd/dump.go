package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tagdex/tagdexd/internal/dump"
	"github.com/tagdex/tagdexd/internal/graph"
	"github.com/tagdex/tagdexd/internal/logger"
)

// dumpCmd rebuilds the graph the same way serve would (adopting the arena's
// snapshot, or failing that a dump + log tail replay) and then writes a
// fresh dump, advancing the dump index past whatever bootstrap found on
// disk, and refreshes the arena's own snapshot so a future start can adopt
// it. Run this offline, with no server holding the log writer, so the
// state bootstrap reconstructs and the snapshot taken afterward observe the
// same consistent state.
func dumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write a fresh catalog+post snapshot and trim the log tail a future start needs to replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			srv, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			defer srv.log.Close()

			_, prevDumpIdx := srv.arena.LogPosition()
			dumpIdx := prevDumpIdx + 1
			nextLogIndex := srv.log.LogIndex()

			path, err := dump.Write(srv.store, srv.cfg.BaseDir, dumpIdx, nextLogIndex)
			if err != nil {
				return fmt.Errorf("dump: %w", err)
			}
			logger.Info("dump written", "path", path, "resume_log_index", nextLogIndex)

			srv.arena.SetLogPosition(nextLogIndex, dumpIdx)
			if err := graph.Save(srv.arena, srv.store); err != nil {
				return fmt.Errorf("dump: save graph snapshot: %w", err)
			}
			if err := srv.arena.MarkCleanAndClose(); err != nil {
				return fmt.Errorf("dump: close arena: %w", err)
			}
			fmt.Println(path)
			return nil
		},
	}
	return cmd
}
