package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/turnlog/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionEventsCmd, sessionMessagesCmd, sessionClearCmd)
	sessionEventsCmd.Flags().Int64("after", -1, "only entries with a higher sequence")
	sessionEventsCmd.Flags().Int("limit", 0, "maximum entries (0 for all)")
	sessionMessagesCmd.Flags().Int("limit", 0, "most recent rows (0 for all)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStores(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := st.sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tSTATUS\tEVENTS\tLAST SEQ\tUPDATED")
		for _, s := range list {
			count, err := st.log.Count(ctx, s.SessionID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				s.SessionID,
				s.SessionKey,
				s.Status,
				count,
				s.LastEventSeq,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Print a session's log entries in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := context.Background()
		st, err := openStores(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.log.Read(ctx, types.SessionID(args[0]), after, limit)
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tPROCESSED\tTIME\tDATA")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\n",
				e.SequenceNumber,
				e.EventType,
				e.Processed,
				e.Timestamp.Format("15:04:05.000"),
				truncate(string(e.Data), 80),
			)
		}
		return w.Flush()
	},
}

var sessionMessagesCmd = &cobra.Command{
	Use:   "messages <session-id>",
	Short: "Print a session's materialized messages as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := context.Background()
		st, err := openStores(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		rows, err := st.messages.List(ctx, types.SessionID(args[0]), limit)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <session-id>",
	Short: "Purge a session's log, projection and index entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStores(ctx, loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		sid := types.SessionID(args[0])
		if _, err := st.sessions.Get(ctx, sid); err != nil {
			return err
		}
		if err := st.messages.Clear(ctx, sid); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		if err := st.log.Purge(ctx, sid); err != nil {
			return fmt.Errorf("purge log: %w", err)
		}
		if err := st.sessions.Delete(ctx, sid); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s cleared.\n", sid)
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
