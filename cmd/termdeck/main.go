package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const Version = "0.1.0"

func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile.
// TERMDECK_COLOR overrides detection: truecolor, 256, 16, none.
func initColorProfile() {
	if colorEnv := os.Getenv("TERMDECK_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(2)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("termdeck v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "serve":
		os.Exit(handleServe(args[1:]))
	case "run":
		os.Exit(handleRun(args[1:]))
	case "validate":
		os.Exit(handleValidate(os.Stdout, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(2)
	}
}

func printHelp() {
	fmt.Printf("termdeck v%s\n", Version)
	fmt.Println("Terminal session manager for AI coding agents")
	fmt.Println()
	fmt.Println("Usage: termdeck <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                 Run the session manager with its HTTP/WebSocket API")
	fmt.Println("  run <mode> [dir]      Start one session and attach this terminal to it")
	fmt.Println("  validate [mode]       Check that agent CLIs are installed")
	fmt.Println("  version               Show version")
	fmt.Println("  help                  Show this help")
	fmt.Println()
	fmt.Println("Modes: claude, codex, gemini, opencode, shell")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  termdeck serve --listen 127.0.0.1:7420")
	fmt.Println("  termdeck run claude .")
	fmt.Println("  termdeck run shell ~/src/app --code-mode")
	fmt.Println("  termdeck validate --json")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  TERMDECK_HOME     Config and state directory (default ~/.termdeck)")
	fmt.Println("  TERMDECK_COLOR    Color mode: truecolor, 256, 16, none")
}
