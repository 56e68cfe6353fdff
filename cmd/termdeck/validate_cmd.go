package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/session"
)

var (
	validateModeStyle = lipgloss.NewStyle().Bold(true)
	validateOKStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e"))
	validateFailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	validateDimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#71717a"))
)

type modeReport struct {
	Mode   adapter.Mode              `json:"mode"`
	OK     bool                      `json:"ok"`
	Checks []adapter.ValidationCheck `json:"checks"`
}

func handleValidate(w io.Writer, args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: termdeck validate [mode] [--json]")
		fmt.Println()
		fmt.Println("Check that agent CLIs are installed. Results are advisory.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, _ := session.LoadUserConfig()
	registry := adapter.NewRegistry(cfg.AdapterOptions())

	modes := registry.Modes()
	if fs.NArg() > 0 {
		mode := adapter.Mode(fs.Arg(0))
		if _, err := registry.Get(mode); err != nil {
			if s := registry.SuggestMode(fs.Arg(0)); s != "" {
				fmt.Fprintf(os.Stderr, "Error: %v (did you mean %q?)\n", err, s)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			return 2
		}
		modes = []adapter.Mode{mode}
	}

	reports, err := collectReports(context.Background(), registry, modes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return 1
		}
	} else {
		renderReports(w, reports)
	}

	for _, r := range reports {
		if !r.OK {
			return 1
		}
	}
	return 0
}

// collectReports validates modes concurrently; order follows modes.
func collectReports(ctx context.Context, registry *adapter.Registry, modes []adapter.Mode) ([]modeReport, error) {
	reports := make([]modeReport, len(modes))
	g, ctx := errgroup.WithContext(ctx)
	for i, mode := range modes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			a, err := registry.Get(mode)
			if err != nil {
				return err
			}
			checks := a.Validate()
			ok := true
			for _, c := range checks {
				ok = ok && c.OK
			}
			reports[i] = modeReport{Mode: mode, OK: ok, Checks: checks}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func renderReports(w io.Writer, reports []modeReport) {
	width := 0
	for _, r := range reports {
		for _, c := range r.Checks {
			width = max(width, runewidth.StringWidth(c.Check))
		}
	}

	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, validateModeStyle.Render(string(r.Mode)))
		for _, c := range r.Checks {
			mark := validateOKStyle.Render("✓")
			if !c.OK {
				mark = validateFailStyle.Render("✗")
			}
			fmt.Fprintf(w, "  %s %s  %s\n", mark, runewidth.FillRight(c.Check, width), c.Detail)
			if !c.OK && c.Fix != "" {
				fmt.Fprintf(w, "    %s\n", validateDimStyle.Render("fix: "+c.Fix))
			}
		}
	}
}
