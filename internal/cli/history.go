package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wustus/vibes/internal/daemon"
	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/sqlite"
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of sessions to show")
	rootCmd.AddCommand(historyCmd)
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"ls"},
	Short:   "List past sessions on this device",
	Args:    cobra.NoArgs,
	RunE:    runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit < 1 {
		return fmt.Errorf("--limit must be positive")
	}
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.Store.Dir)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := db.ListSessions(historyLimit)
	if err != nil {
		return err
	}
	return printHistory(cmd.OutOrStdout(), sessions)
}

func printHistory(out io.Writer, sessions []domain.SessionRecord) error {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions yet. Run 'vibes run' to start one.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tID\tOUTCOME\tSTAGE\tCOORDINATOR\tPEERS\tOFFSET\tDURATION")
	for _, s := range sessions {
		coord := string(s.Coordinator)
		if s.IsCoordinator {
			coord += " (self)"
		}
		if coord == "" {
			coord = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%ds\t%s\n",
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			shortID(s.ID),
			s.Outcome,
			s.Stage,
			coord,
			len(s.Roster),
			s.Offset,
			s.Duration().Round(time.Millisecond),
		)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
