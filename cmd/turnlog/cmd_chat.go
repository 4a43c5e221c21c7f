package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().Bool("events", false, "print event lifecycle updates")
}

var chatCmd = &cobra.Command{
	Use:   "chat <session-key> <prompt...>",
	Short: "Run one turn and print the live stream",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		showEvents, _ := cmd.Flags().GetBool("events")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := buildStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Start(ctx); err != nil {
			return err
		}

		event := &types.InboundEvent{
			Source:     "cli",
			SessionKey: types.NewSessionKey("cli", args[0]),
			UserID:     os.Getenv("USER"),
			Text:       strings.Join(args[1:], " "),
		}
		sid, err := s.sessions.ResolveOrCreate(ctx, event.SessionKey, "default")
		if err != nil {
			return err
		}
		sub := s.hub.Subscribe(sid)
		defer s.hub.Unsubscribe(sub)

		done := make(chan struct{})
		if _, err := s.gateway.HandleInbound(ctx, event, gateway.WithOnComplete(func(string) {
			close(done)
		})); err != nil {
			return err
		}

		var block *int
		for {
			select {
			case msg := <-sub.C:
				printMessage(msg, &block, showEvents)
			case <-done:
				fmt.Println()
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	},
}

func printMessage(msg events.UIMessage, block **int, showEvents bool) {
	switch msg.Type {
	case events.UIChunk:
		if *block != nil && msg.BlockIndex != nil && **block != *msg.BlockIndex {
			fmt.Println()
		}
		*block = msg.BlockIndex
		if msg.BlockKind == "reasoning" {
			fmt.Print("\x1b[2m" + msg.Delta + "\x1b[0m")
			return
		}
		fmt.Print(msg.Delta)
	case events.UIEvent:
		if !showEvents {
			return
		}
		seq := "-"
		if msg.Sequence != nil {
			seq = fmt.Sprint(*msg.Sequence)
		}
		fmt.Fprintf(os.Stderr, "\n[%s #%s %s]\n", msg.Kind, seq, msg.Lifecycle)
	}
}
