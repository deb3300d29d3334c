package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vietddude/lens/internal/core/config"
	"github.com/vietddude/lens/internal/core/domain"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderProviders(cfg.Providers))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func renderProviders(providers []config.ProviderConfig) string {
	rows := make([][]string, 0, len(providers))
	for _, p := range providers {
		retries := ""
		if p.MaxRetries != nil {
			retries = strconv.Itoa(*p.MaxRetries)
		}
		target := p.URL
		if p.Type == config.ProviderStatic {
			target = fmt.Sprintf("%d fixed results", len(p.Results))
		}
		rows = append(rows, []string{
			p.Name,
			p.Type,
			target,
			joinCategories(p.Categories),
			joinCategories(p.PriorityCategories),
			p.Timeout.String(),
			retries,
		})
	}
	return renderTable(
		[]string{"Name", "Type", "Target", "Categories", "Priority", "Timeout", "Retries"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	)
}

func joinCategories(cats []domain.Category) string {
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
