package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Int("limit", 0, "maximum entries to replay (0 for all)")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-materialize log entries that never reached the projection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cfg := loadConfig()
		setupLogging(cfg)
		ctx := context.Background()

		s, err := openPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.startQueue(ctx); err != nil {
			return err
		}

		n, err := s.replayer.Run(ctx, limit)
		if err != nil {
			return err
		}
		if s.local != nil && !s.local.WaitIdle(time.Minute) {
			return fmt.Errorf("materialization did not finish")
		}
		fmt.Fprintf(os.Stdout, "Replayed %d entries.\n", n)
		return nil
	},
}
