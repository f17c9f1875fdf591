package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"codesmith/internal/perception"
	"codesmith/internal/registry"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Discover installed models and show their derived selection metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			backend := perception.NewClient(perception.DefaultClientConfig(cfg.Ollama.Url), logger)
			reg := registry.New(backend, deviceTable(cfg), logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := reg.Refresh(ctx); err != nil {
				return err
			}

			models := reg.All()
			if len(models) == 0 {
				fmt.Println(dimStyle.Render("no models installed"))
				return nil
			}

			rows := [][]string{{"MODEL", "PURPOSE", "SIZE", "PRIORITY", "DEVICE"}}
			for _, m := range models {
				rows = append(rows, []string{
					m.Name,
					string(m.Purpose),
					fmt.Sprintf("%.1f GB", m.SizeGB),
					fmt.Sprintf("%d", m.Priority),
					string(m.Device),
				})
			}
			printTable(rows)
			fmt.Println(dimStyle.Render(fmt.Sprintf("%d models, priority ascending is preferred", len(models))))
			return nil
		},
	}
}

func printTable(rows [][]string) {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	for r, row := range rows {
		line := ""
		for i, cell := range row {
			padded := fmt.Sprintf("%-*s", widths[i], cell)
			if r == 0 {
				padded = headerStyle.Render(padded)
			}
			line += cellStyle.Render(padded)
		}
		fmt.Println(line)
	}
}
