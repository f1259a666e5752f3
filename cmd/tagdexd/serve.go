package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tagdex/tagdexd/internal/config"
	"github.com/tagdex/tagdexd/internal/graph"
	"github.com/tagdex/tagdexd/internal/logger"
	"github.com/tagdex/tagdexd/internal/netserve"
)

// flushInterval is how often the running server msyncs the arena's mapped
// segments and header. The tag-GUID counter and log position in the header
// are only written at startup and at clean shutdown, so this flush does not
// advance them. The graph itself is always fully recoverable from the log
// regardless — the arena's own graph snapshot (graph.Save) is only taken
// once, at clean shutdown, and is a fast-path warm start, not a live
// replica of the log.
const flushInterval = 5 * time.Second

func serveCmd() *cobra.Command {
	var rateFlag float64
	var burstFlag int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tagdex server: accept connections, serve the tag graph, append to the write-ahead log",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			srv, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			defer srv.log.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			netsrv := netserve.New(netserve.Config{
				Addr:          fmt.Sprintf(":%d", srv.cfg.Port),
				RatePerSecond: rateFlag,
				RateBurst:     burstFlag,
			}, srv.store, srv.log)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return netsrv.ListenAndServe(gctx)
			})
			g.Go(func() error {
				return config.WatchForChanges(gctx, srv.cfg.Path())
			})
			g.Go(func() error {
				ticker := time.NewTicker(flushInterval)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						if err := srv.arena.Flush(); err != nil {
							logger.Error("periodic arena flush failed", "err", err)
						}
					}
				}
			})

			errCh := make(chan error, 1)
			go func() { errCh <- g.Wait() }()

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received, draining")
				<-errCh
			case err := <-errCh:
				if err != nil && err != context.Canceled {
					return fmt.Errorf("serve: %w", err)
				}
			}

			hi, lo := srv.store.TagGUIDCounter()
			srv.arena.SetTagGUIDCounter(hi, lo)
			_, dumpIdx := srv.arena.LogPosition()
			srv.arena.SetLogPosition(srv.log.LogIndex(), dumpIdx)
			if err := graph.Save(srv.arena, srv.store); err != nil {
				return fmt.Errorf("serve: save graph snapshot: %w", err)
			}
			if err := srv.arena.MarkCleanAndClose(); err != nil {
				return fmt.Errorf("serve: close arena: %w", err)
			}
			logger.Info("tagdexd stopped cleanly")
			return nil
		},
	}

	cmd.Flags().Float64Var(&rateFlag, "rate", 50, "per-connection commands/sec rate limit")
	cmd.Flags().IntVar(&burstFlag, "rate-burst", 20, "per-connection rate limit burst")

	return cmd
}
