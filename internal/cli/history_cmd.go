package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/astrodesk/astrodesk/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse the local message archive",
}

// withStore opens the local archive for read-only style commands without
// touching the network.
func withStore(fn func(a *app, s *history.Store) error) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.store == nil {
		return fmt.Errorf("local history is disabled (storage.historyEnabled=false)")
	}
	return fn(a, a.store)
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		sessionID, _ := cmd.Flags().GetString("session")
		role, _ := cmd.Flags().GetString("role")

		return withStore(func(a *app, s *history.Store) error {
			if sessionID == "" {
				sessionID = a.cfg.Server.SessionID
			}
			records, total, err := s.Query(history.QueryParams{
				SessionID: sessionID,
				Role:      role,
				Limit:     limit,
			})
			if err != nil {
				return fmt.Errorf("query history: %w", err)
			}
			if len(records) == 0 {
				fmt.Println("No messages in the archive.")
				return nil
			}
			printRecords(records)
			fmt.Printf("\nShowing %d of %d messages\n", len(records), total)
			return nil
		})
	},
}

var historySearchCmd = &cobra.Command{
	Use:   "search [pattern]",
	Short: "Full-text search over archived messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		sessionID, _ := cmd.Flags().GetString("session")

		return withStore(func(a *app, s *history.Store) error {
			records, total, err := s.Query(history.QueryParams{
				SessionID: sessionID,
				Search:    strings.Join(args, " "),
				Limit:     limit,
			})
			if err != nil {
				return fmt.Errorf("search history: %w", err)
			}
			if len(records) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			printRecords(records)
			fmt.Printf("\n%d of %d matches\n", len(records), total)
			return nil
		})
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(a *app, s *history.Store) error {
			stats, err := s.GetStats()
			if err != nil {
				return fmt.Errorf("read stats: %w", err)
			}
			fmt.Println("Message Archive:")
			fmt.Println()
			fmt.Printf("  Database:       %s\n", s.DBPath())
			fmt.Printf("  Total messages: %d\n", stats.TotalMessages)
			if stats.EarliestRecord != "" {
				fmt.Printf("  Earliest:       %s\n", stats.EarliestRecord)
				fmt.Printf("  Latest:         %s\n", stats.LatestRecord)
			}
			if len(stats.ByRole) > 0 {
				fmt.Println("\n  By role:")
				for role, n := range stats.ByRole {
					fmt.Printf("    %-10s %d\n", role, n)
				}
			}
			if len(stats.BySession) > 0 {
				fmt.Println("\n  By session:")
				for sid, n := range stats.BySession {
					fmt.Printf("    %-36s %d\n", sid, n)
				}
			}
			return nil
		})
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete archived messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		all, _ := cmd.Flags().GetBool("all")
		if sessionID == "" && !all {
			return fmt.Errorf("pass --session <id> or --all")
		}
		if all {
			sessionID = ""
		}

		return withStore(func(a *app, s *history.Store) error {
			removed, err := s.Clear(sessionID)
			if err != nil {
				return fmt.Errorf("clear history: %w", err)
			}
			fmt.Printf("Removed %d messages\n", removed)
			return nil
		})
	},
}

func printRecords(records []history.Record) {
	for _, r := range records {
		content := r.Content
		if len(content) > 120 {
			content = content[:117] + "..."
		}
		content = strings.ReplaceAll(content, "\n", " ")
		fmt.Printf("  [%s] %-9s %s\n", r.CreatedAt, r.Role, content)
	}
}

func init() {
	historyListCmd.Flags().IntP("limit", "n", 30, "max messages to show")
	historyListCmd.Flags().String("session", "", "filter by session id (defaults to current)")
	historyListCmd.Flags().String("role", "", "filter by role (user, assistant, system)")

	historySearchCmd.Flags().IntP("limit", "n", 30, "max matches to show")
	historySearchCmd.Flags().String("session", "", "filter by session id")

	historyClearCmd.Flags().String("session", "", "session to clear")
	historyClearCmd.Flags().Bool("all", false, "clear the entire archive")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historySearchCmd)
	historyCmd.AddCommand(historyStatsCmd)
	historyCmd.AddCommand(historyClearCmd)
}
