package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/turnlog/internal/types"
)

func init() {
	rootCmd.AddCommand(sequenceCmd)
	sequenceCmd.AddCommand(sequenceCurrentCmd, sequenceReconcileCmd)
}

var sequenceCmd = &cobra.Command{
	Use:   "sequence",
	Short: "Inspect per-session sequence counters",
}

var sequenceCurrentCmd = &cobra.Command{
	Use:   "current <session-id>",
	Short: "Show the counter value and the log's committed maximum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAllocator(func(ctx context.Context, st *stores, alloc allocator, sid types.SessionID) error {
			next, err := alloc.CurrentSequence(ctx, sid)
			if err != nil {
				return err
			}
			maxSeq, err := st.log.MaxSequence(ctx, sid)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "next: %d\nlog max: %d\n", next, maxSeq)
			return nil
		}, args[0])
	},
}

var sequenceReconcileCmd = &cobra.Command{
	Use:   "reconcile <session-id>",
	Short: "Raise the counter past the log maximum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAllocator(func(ctx context.Context, st *stores, alloc allocator, sid types.SessionID) error {
			v, err := alloc.Reconcile(ctx, sid)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "counter for %s is %d\n", sid, v)
			return nil
		}, args[0])
	},
}

type allocator interface {
	CurrentSequence(ctx context.Context, sessionID types.SessionID) (int64, error)
	Reconcile(ctx context.Context, sessionID types.SessionID) (int64, error)
}

func withAllocator(fn func(context.Context, *stores, allocator, types.SessionID) error, id string) error {
	ctx := context.Background()
	cfg := loadConfig()
	setupLogging(cfg)
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	alloc, closeCounter, err := openAllocator(ctx, cfg, st.log)
	if err != nil {
		return err
	}
	defer closeCounter()
	return fn(ctx, st, alloc, types.SessionID(id))
}
