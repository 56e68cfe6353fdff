package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/session"
)

// normalizeArgs reorders args so flags come before positional arguments.
// The flag package stops at the first non-flag argument, so
// "run claude . --code-mode" would otherwise drop --code-mode.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// firstNonEmpty returns the first non-empty string after trimming whitespace.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// expandPath resolves ~ and relative paths against the current directory.
func expandPath(p string) (string, error) {
	if p == "" || p == "." {
		return os.Getwd()
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

// initLogging wires [logs] into the global logger. verbose mirrors
// records to stderr.
func initLogging(dir string, verbose bool) {
	s := session.GetLogSettings()
	cfg := logging.Config{
		LogDir:                filepath.Join(dir, "logs"),
		Level:                 s.Level,
		Format:                s.Format,
		MaxSizeMB:             s.MaxMB,
		MaxBackups:            s.Backups,
		MaxAgeDays:            s.RetentionDays,
		Compress:              s.Compress,
		CrashRingBytes:        s.CrashRingMB * 1024 * 1024,
		AggregateIntervalSecs: s.AggregateIntervalS,
	}
	if s.PprofEnabled {
		cfg.PprofAddr = "localhost:6060"
	}
	if verbose {
		cfg.Stderr = os.Stderr
	}
	logging.Init(cfg)
}

// crashGuard dumps the crash ring next to debug.log and re-panics.
// Use as: defer crashGuard(dir)
func crashGuard(dir string) {
	r := recover()
	if r == nil {
		return
	}
	path := filepath.Join(dir, "logs", "crash.log")
	if err := logging.DumpCrashRing(path); err == nil {
		fmt.Fprintf(os.Stderr, "termdeck: crash log written to %s\n", path)
	}
	logging.Shutdown()
	panic(r)
}
