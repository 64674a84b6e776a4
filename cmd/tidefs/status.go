package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tidefs/pkg/coordinator"
	"tidefs/pkg/registry"
	"tidefs/pkg/utils"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	warningColor = lipgloss.Color("#FFB86C")
	mutedColor   = lipgloss.Color("#6272A4")
	fgColor      = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Inspect the coordinator's persisted metadata",
		Long:  "Loads the snapshot and write-ahead log from the data directory and renders a namespace summary. Run against a stopped coordinator or a copy of its data directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			logger := zap.NewNop()
			reg := registry.New(settings.NodeStaleAfter, settings.NodeDeadAfter, logger)
			coord, err := coordinator.New(settings, reg, logger, coordinator.Options{})
			if err != nil {
				return err
			}
			defer coord.Stop()

			fmt.Println(renderStatus(coord.GetStatus(), settings.DataDir))
			return nil
		},
	}
}

func renderStatus(st coordinator.Status, dataDir string) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("tidefs coordinator"))
	b.WriteString("\n")

	rows := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Data directory", dataDir, valueStyle},
		{"Files", fmt.Sprintf("%d", st.Files), valueStyle},
		{"Under construction", fmt.Sprintf("%d", st.UnderConstruction), styleFor(st.UnderConstruction)},
		{"Directories", fmt.Sprintf("%d", st.Directories), valueStyle},
		{"Active leases", fmt.Sprintf("%d", len(st.ActiveLeases)), styleFor(len(st.ActiveLeases))},
		{"Known nodes", fmt.Sprintf("%d", len(st.Nodes)), valueStyle},
	}
	for _, r := range rows {
		b.WriteString(labelStyle.Render(r.label))
		b.WriteString(r.style.Render(r.value))
		b.WriteString("\n")
	}

	if len(st.Nodes) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Storage nodes"))
		b.WriteString("\n")
		for _, n := range st.Nodes {
			line := fmt.Sprintf("%-16s %-8s %s / %s",
				n.ID, n.Liveness,
				utils.FormatDataSize(n.UsedCapacity),
				utils.FormatDataSize(n.TotalCapacity))
			b.WriteString(valueStyle.Render(line))
			b.WriteString("\n")
		}
	}

	if len(st.ActiveLeases) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Active leases"))
		b.WriteString("\n")
		for _, l := range st.ActiveLeases {
			b.WriteString(warningValueStyle.Render(fmt.Sprintf("%s (%d files)", l.Holder, len(l.Files))))
			b.WriteString("\n")
		}
	}

	return panelStyle.Render(b.String())
}

func styleFor(count int) lipgloss.Style {
	if count > 0 {
		return accentValueStyle
	}
	return valueStyle
}
