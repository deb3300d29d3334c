package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/lens/internal/infra/journal"
)

var journalFlags struct {
	limit       int
	transitions bool
	providers   []string
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recent requests or circuit transitions from the journal",
	RunE:  runJournal,
}

func init() {
	f := journalCmd.Flags()
	f.IntVar(&journalFlags.limit, "limit", 20, "number of rows")
	f.BoolVar(&journalFlags.transitions, "transitions", false, "show circuit transitions instead of requests")
	f.StringSliceVar(&journalFlags.providers, "provider", nil, "restrict transitions to these providers")
	rootCmd.AddCommand(journalCmd)
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j, err := journal.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = j.Close()
	}()

	out := cmd.OutOrStdout()
	if journalFlags.transitions {
		records, err := j.RecentTransitions(ctx, journalFlags.providers, journalFlags.limit)
		if err != nil {
			return err
		}
		writeTransitions(out, records, shouldColorize(out))
		return nil
	}

	records, err := j.RecentRequests(ctx, journalFlags.limit)
	if err != nil {
		return err
	}
	writeRequests(out, records)
	return nil
}

func writeRequests(w io.Writer, records []journal.RequestRecord) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.CreatedAt.Format(time.RFC3339),
			r.RequestID,
			r.Category,
			strconv.FormatBool(r.Cached),
			strconv.FormatInt(r.DurationMs, 10),
			strconv.Itoa(r.Results),
			strings.Join(r.Succeeded, ","),
			strings.Join(r.Failed, ","),
			strings.Join(r.ShortCircuited, ","),
		})
	}
	_, _ = fmt.Fprintln(w, renderTable(
		[]string{"Time", "Request", "Category", "Cached", "ms", "Results", "Succeeded", "Failed", "Short-circuited"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	))
}

func writeTransitions(w io.Writer, records []journal.TransitionRecord, colorize bool) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		nextProbe := "-"
		if r.NextProbeTime.Valid {
			nextProbe = r.NextProbeTime.Time.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			r.OccurredAt.Format(time.RFC3339),
			r.Provider,
			colorState(r.FromState, colorize) + " -> " + colorState(r.ToState, colorize),
			r.Reason,
			strconv.Itoa(r.ConsecutiveFailures),
			nextProbe,
		})
	}
	_, _ = fmt.Fprintln(w, renderTable(
		[]string{"Time", "Provider", "Transition", "Reason", "Failures", "Next Probe"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
}
