package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"flowcore/pkg/config"
	"flowcore/pkg/content"
	"flowcore/pkg/swap"
	"flowcore/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	warningColor = lipgloss.Color("#FFB86C")
	dangerColor  = lipgloss.Color("#FF5555")
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
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD")).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show repository and node status",
		Long:  `Inspect the configured repositories on disk and, when the node is running, its health endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printNodePanel(cfg)
			printContainerTable(cfg)
			printSwapPanel(cfg)
			return nil
		},
	}
}

func printNodePanel(cfg *config.Config) {
	mode := "write-ahead log"
	if cfg.FlowFileRepository.Volatile {
		mode = "volatile (in-memory)"
	}

	rows := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Node ID", orDefault(cfg.NodeID, "(unset)"), accentValueStyle},
		{"FlowFile Repo", cfg.FlowFileRepository.Dir, valueStyle},
		{"Repository Mode", mode, valueStyle},
		{"Listen Address", cfg.LoadBalance.ListenAddr, valueStyle},
		{"Peers", fmt.Sprintf("%d", len(cfg.LoadBalance.Peers)), valueStyle},
		{"Compression", cfg.LoadBalance.Compression, valueStyle},
		{"Health", probeHealth(cfg), valueStyle},
	}

	var content strings.Builder
	for _, r := range rows {
		content.WriteString(fmt.Sprintf("%s %s\n",
			labelStyle.Render(r.label+":"),
			r.style.Render(r.value)))
	}
	printPanel("NODE", content.String())
}

func printContainerTable(cfg *config.Config) {
	prober := content.NewSpaceProber()

	names := make([]string, 0, len(cfg.ContentRepository.Containers))
	for name := range cfg.ContentRepository.Containers {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers("CONTAINER", "PATH", "CAPACITY", "USABLE")

	for _, name := range names {
		path := cfg.ContentRepository.Containers[name]
		capacity, capErr := prober.Capacity(path)
		usable, useErr := prober.Usable(path)

		capText := "n/a"
		if capErr == nil {
			capText = utils.FormatDataSize(capacity)
		}
		useText := "n/a"
		if useErr == nil {
			useText = utils.FormatDataSize(usable)
		}
		t.Row(name, path, capText, useText)
	}

	fmt.Println(titleStyle.Render("CONTENT CONTAINERS"))
	fmt.Println(t.Render())
}

func printSwapPanel(cfg *config.Config) {
	var count int
	var bytes int64
	entries, err := os.ReadDir(cfg.Swap.Dir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), swap.Extension) {
				continue
			}
			count++
			if info, err := entry.Info(); err == nil {
				bytes += info.Size()
			}
		}
	}

	style := accentValueStyle
	if count > 0 {
		style = warningValueStyle
	}

	var content strings.Builder
	content.WriteString(fmt.Sprintf("%s %s\n",
		labelStyle.Render("Swap Directory:"),
		valueStyle.Render(filepath.Clean(cfg.Swap.Dir))))
	content.WriteString(fmt.Sprintf("%s %s\n",
		labelStyle.Render("Swap Files:"),
		style.Render(fmt.Sprintf("%d", count))))
	content.WriteString(fmt.Sprintf("%s %s\n",
		labelStyle.Render("Swap Size:"),
		valueStyle.Render(utils.FormatDataSize(bytes))))
	printPanel("SWAP", content.String())
}

// probeHealth asks a running node's health endpoint for its verdict. A node
// that is not running, or has metrics disabled, reports as offline.
func probeHealth(cfg *config.Config) string {
	if !cfg.Metrics.Enabled {
		return "metrics disabled"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Metrics.Port))
	if err != nil {
		return dangerValueStyle.Render("offline")
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status == "" {
		return warningValueStyle.Render("unknown")
	}
	if body.Status == "healthy" {
		return accentValueStyle.Render(body.Status)
	}
	return dangerValueStyle.Render(body.Status)
}

func printPanel(title, content string) {
	full := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(title),
		strings.TrimRight(content, "\n"))
	fmt.Println(panelStyle.Render(full))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
