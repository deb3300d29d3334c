package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/server"
)

var adminAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider health from a running server",
	RunE:  runStatus,
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Control provider circuit breakers on a running server",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <provider>",
	Short: "Force a provider's circuit closed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBreaker(cmd, args[0], "reset")
	},
}

var breakerOpenCmd = &cobra.Command{
	Use:   "open <provider>",
	Short: "Force a provider's circuit open",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBreaker(cmd, args[0], "open")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminAddr, "addr", "http://localhost:8080", "address of a running lens server")
	breakerCmd.AddCommand(breakerResetCmd, breakerOpenCmd)
	rootCmd.AddCommand(statusCmd, breakerCmd)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(adminAddr, "/")+"/health/detailed", nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", adminAddr, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var status domain.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode health: %w", err)
	}

	out := cmd.OutOrStdout()
	writeStatus(out, status, shouldColorize(out))
	return nil
}

func writeStatus(w io.Writer, status domain.HealthStatus, colorize bool) {
	_, _ = fmt.Fprintf(w, "Overall: %s\n", colorState(string(status.Overall), colorize))

	names := make([]string, 0, len(status.PerProvider))
	for name := range status.PerProvider {
		names = append(names, name)
	}
	slices.Sort(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		h := status.PerProvider[name]
		lastFailure, nextProbe := "-", "-"
		if h.LastFailureTime != nil {
			lastFailure = h.LastFailureTime.Format(time.RFC3339)
		}
		if h.NextProbeTime != nil {
			nextProbe = h.NextProbeTime.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			name,
			colorState(h.State, colorize),
			colorState(string(h.Probe), colorize),
			strconv.Itoa(h.ConsecutiveFailures),
			lastFailure,
			nextProbe,
		})
	}
	_, _ = fmt.Fprintln(w, renderTable(
		[]string{"Provider", "Circuit", "Probe", "Failures", "Last Failure", "Next Probe"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	))
}

func runBreaker(cmd *cobra.Command, name, action string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/admin/breakers/%s/%s", strings.TrimRight(adminAddr, "/"), name, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", adminAddr, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		var e server.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("breaker %s %s failed: %s %s", action, name, resp.Status, e.Error)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Successfully applied %s to %s\n", action, name)
	return nil
}
