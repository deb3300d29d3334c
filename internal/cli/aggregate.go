package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/lens/internal/control"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/orchestrator"
	"github.com/vietddude/lens/internal/server"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate <file.json>",
	Short: "Merge provider outcomes from a JSON file with the configured weights",
	Long: `Reads a JSON document shaped like the body of POST /v1/aggregate and prints
the merged ranking. Priority bonuses follow the configured providers.`,
	Args: cobra.ExactArgs(1),
	RunE: runAggregate,
}

func init() {
	rootCmd.AddCommand(aggregateCmd)
}

func runAggregate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	var req server.AggregateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}

	orch, err := control.NewOrchestrator(cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = orch.Close()
	}()

	outcomes := make([]domain.Outcome, 0, len(req.Outcomes))
	for _, o := range req.Outcomes {
		if o.Status != "" && o.Status != domain.OutcomeSuccess {
			continue
		}
		outcomes = append(outcomes, domain.Success(o.Provider, o.Items))
	}

	combined := orch.Aggregate(outcomes, orchestrator.Options{
		MinConfidence: req.MinConfidence,
		MaxResults:    req.MaxResults,
	})
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderCombined(combined))
	return nil
}
