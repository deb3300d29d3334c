package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vietddude/lens/internal/control"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/orchestrator"
)

var identifyFlags struct {
	category      string
	minConfidence float64
	maxResults    int
	asJSON        bool
}

var identifyCmd = &cobra.Command{
	Use:   "identify <file>",
	Short: "Identify a local image or audio file with the configured providers",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentify,
}

func init() {
	f := identifyCmd.Flags()
	f.StringVar(&identifyFlags.category, "category", "", "restrict to providers supporting this category")
	f.Float64Var(&identifyFlags.minConfidence, "min-confidence", -1, "minimum merged confidence (default from config)")
	f.IntVar(&identifyFlags.maxResults, "max-results", 0, "maximum combined results (default from config)")
	f.BoolVar(&identifyFlags.asJSON, "json", false, "print the raw result as JSON")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	orch, err := control.NewOrchestrator(cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = orch.Close()
	}()

	opts := orchestrator.Options{
		Category:   domain.NormalizeCategory(identifyFlags.category),
		MaxResults: identifyFlags.maxResults,
	}
	if identifyFlags.minConfidence >= 0 {
		opts.MinConfidence = &identifyFlags.minConfidence
	}

	res, err := orch.Identify(context.Background(), data, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if identifyFlags.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	writeResult(out, res, shouldColorize(out))
	return nil
}

func writeResult(w io.Writer, res *domain.AggregationResult, colorize bool) {
	_, _ = fmt.Fprintf(w, "Request %s (%d ms)\n", res.RequestID, res.TimingMs)
	_, _ = fmt.Fprintln(w, renderCombined(res.Combined))
	_, _ = fmt.Fprintln(w, renderOutcomes(res.PerProviderOutcomes, colorize))
}

func renderCombined(items []domain.AggregatedIdentification) string {
	rows := make([][]string, 0, len(items))
	for i, it := range items {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			it.Name,
			string(it.Category),
			strconv.FormatFloat(it.MergedConfidence, 'f', 3, 64),
			strings.Join(it.ContributingProviders, ", "),
		})
	}
	return renderTable(
		[]string{"#", "Name", "Category", "Confidence", "Providers"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func renderOutcomes(outcomes []domain.Outcome, colorize bool) string {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		detail := ""
		switch o.Status {
		case domain.OutcomeSuccess:
			detail = fmt.Sprintf("%d items", len(o.Items))
		case domain.OutcomeFailure:
			detail = fmt.Sprintf("%s: %s", o.Kind, o.Message)
		case domain.OutcomeShortCircuited:
			if o.NextProbeTime != nil {
				detail = "next probe " + o.NextProbeTime.Format("15:04:05")
			}
		}
		rows = append(rows, []string{
			o.Provider,
			colorState(string(o.Status), colorize),
			strconv.Itoa(o.Attempts),
			strconv.FormatInt(o.LatencyMs, 10),
			detail,
		})
	}
	return renderTable(
		[]string{"Provider", "Status", "Attempts", "Latency (ms)", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}
