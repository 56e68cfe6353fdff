package main

import (
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name     string
		setup    func() *flag.FlagSet
		args     []string
		expected []string
	}{
		{
			name: "flags already before positional args",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("code-mode", false, "")
				return fs
			},
			args:     []string{"--code-mode", "claude"},
			expected: []string{"--code-mode", "claude"},
		},
		{
			name: "bool flag after positional args",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("code-mode", false, "")
				return fs
			},
			args:     []string{"claude", ".", "--code-mode"},
			expected: []string{"--code-mode", "claude", "."},
		},
		{
			name: "string flag after positional arg",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.String("prompt", "", "")
				return fs
			},
			args:     []string{"claude", "--prompt", "fix the tests"},
			expected: []string{"--prompt", "fix the tests", "claude"},
		},
		{
			name: "flag with equals syntax",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.String("listen", "", "")
				return fs
			},
			args:     []string{"--listen=127.0.0.1:9000"},
			expected: []string{"--listen=127.0.0.1:9000"},
		},
		{
			name: "double dash keeps the rest positional",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("code-mode", false, "")
				return fs
			},
			args:     []string{"codex", ".", "--", "--model", "o3"},
			expected: []string{"codex", ".", "--model", "o3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeArgs(tt.setup(), tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("normalizeArgs(%v) = %v, want %v", tt.args, got, tt.expected)
			}
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", " b ", "c"); got != "b" {
		t.Fatalf("firstNonEmpty = %q, want %q", got, "b")
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("firstNonEmpty = %q, want empty", got)
	}
}

func TestExpandPath(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := expandPath(""); got != wd {
		t.Errorf("expandPath(\"\") = %q, want %q", got, wd)
	}
	if got, _ := expandPath("sub"); got != filepath.Join(wd, "sub") {
		t.Errorf("expandPath(sub) = %q", got)
	}

	home := t.TempDir()
	t.Setenv("HOME", home)
	if got, _ := expandPath("~/proj"); got != filepath.Join(home, "proj") {
		t.Errorf("expandPath(~/proj) = %q, want %q", got, filepath.Join(home, "proj"))
	}
}
