package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"modelgate/internal/config"
)

var (
	colorTitle  = lipgloss.Color("#7D56F4")
	colorSubtle = lipgloss.Color("#666666")
	colorURL    = lipgloss.Color("#88C0D0")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorTitle)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorSubtle)

	urlStyle = lipgloss.NewStyle().
			Foreground(colorURL)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorSubtle).
			Padding(0, 1)
)

func printStartupBanner(w io.Writer, cfg config.Config, priority []string, publicURL string) {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	local := fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)

	lines := []string{
		titleStyle.Render("modelgate ready"),
		"",
		labelStyle.Render("Local:    ") + urlStyle.Render(local),
	}
	if publicURL != "" {
		lines = append(lines, labelStyle.Render("Public:   ")+urlStyle.Render(publicURL))
	}
	lines = append(lines,
		labelStyle.Render("Backends: ")+strings.Join(priority, " > "),
		"",
		"GET  /health",
		"GET  /status",
		"GET  /v1/models",
		"POST /v1/chat/completions",
	)

	fmt.Fprintln(w)
	fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
	fmt.Fprintf(w, "Example:\n  curl %s/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", local)
}
