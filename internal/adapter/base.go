package adapter

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// LoginFlag is the shell argument dropped on the login-flag retry.
const LoginFlag = "-l"

// ToolOptions are user overrides for one mode.
type ToolOptions struct {
	// Command replaces the tool binary (e.g. a wrapper script).
	Command string
	// Args are appended to every launch.
	Args []string
	Env  map[string]string
	// IdleTimeout replaces the adapter's idle window when non-zero.
	IdleTimeout time.Duration
	// WorkingPatterns and AttentionPatterns extend the built-in patterns.
	WorkingPatterns   []string
	AttentionPatterns []string
}

// cliAdapter carries what the tool adapters share: the binary, compiled
// patterns and capability flags.
type cliAdapter struct {
	mode        Mode
	command     string
	args        []string
	env         map[string]string
	patterns    *ResolvedPatterns
	caps        Capabilities
	installHint string
}

func newCLIAdapter(mode Mode, defaultCommand string, caps Capabilities, installHint string, opts ToolOptions) *cliAdapter {
	cmd := defaultCommand
	if opts.Command != "" {
		cmd = opts.Command
	}
	if opts.IdleTimeout > 0 {
		caps.IdleTimeout = opts.IdleTimeout
	}
	raw := MergeRawPatterns(DefaultRawPatterns(mode), &RawPatterns{
		Working:   opts.WorkingPatterns,
		Attention: opts.AttentionPatterns,
	})
	patterns, err := CompilePatterns(raw)
	if err != nil {
		patterns = &ResolvedPatterns{}
	}
	return &cliAdapter{
		mode:        mode,
		command:     cmd,
		args:        append([]string(nil), opts.Args...),
		env:         opts.Env,
		patterns:    patterns,
		caps:        caps,
		installHint: installHint,
	}
}

func (a *cliAdapter) Mode() Mode { return a.mode }

func (a *cliAdapter) Capabilities() Capabilities { return a.caps }

// DetectActivity treats an explicit working marker as authoritative even when
// already working: full-screen redraws otherwise look like noise. A repeated
// attention reading carries no new signal.
func (a *cliAdapter) DetectActivity(chunk string, current ActivityState) (ActivityState, bool) {
	text := StripANSI(chunk)
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	if a.patterns.MatchWorking(text) {
		return ActivityWorking, true
	}
	if a.patterns.MatchAttention(text) {
		if current == ActivityAttention {
			return "", false
		}
		return ActivityAttention, true
	}
	return "", false
}

func (a *cliAdapter) DetectError(chunk string) *ErrorInfo {
	return detectError(StripANSI(chunk))
}

func (a *cliAdapter) DetectPrompt(chunk string) *PromptInfo {
	return detectPrompt(StripANSI(chunk), true)
}

// Validate checks the tool binary and the login shell.
func (a *cliAdapter) Validate() []ValidationCheck {
	checks := []ValidationCheck{binaryCheck(a.command, a.installHint)}
	return append(checks, shellCheck())
}

// recipe wraps the tool invocation in a login shell.
func (a *cliAdapter) recipe(toolArgs []string, opts LaunchOptions) LaunchRecipe {
	args := append([]string(nil), toolArgs...)
	args = append(args, a.args...)
	args = append(args, opts.ExtraArgs...)

	env := make(map[string]string, len(a.env))
	for k, v := range a.env {
		env[k] = v
	}
	return LaunchRecipe{
		Shell:            LoginShell(),
		Args:             []string{LoginFlag, "-i"},
		Env:              env,
		PostSpawnCommand: execLine(a.command, args),
	}
}

// LoginShell returns $SHELL, or /bin/sh when unset.
func LoginShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

func binaryCheck(command, installHint string) ValidationCheck {
	path, err := exec.LookPath(command)
	if err != nil {
		return ValidationCheck{
			Check:  "binary",
			Detail: fmt.Sprintf("%s not found in PATH", command),
			Fix:    installHint,
		}
	}
	return ValidationCheck{Check: "binary", OK: true, Detail: path}
}

func shellCheck() ValidationCheck {
	sh := LoginShell()
	info, err := os.Stat(sh)
	switch {
	case err != nil:
		return ValidationCheck{Check: "shell", Detail: fmt.Sprintf("%s: %v", sh, err), Fix: "set SHELL to an installed shell"}
	case info.IsDir() || info.Mode()&0o111 == 0:
		return ValidationCheck{Check: "shell", Detail: sh + " is not executable", Fix: "set SHELL to an installed shell"}
	}
	if os.Getenv("SHELL") == "" {
		return ValidationCheck{Check: "shell", OK: true, Detail: "SHELL unset, using /bin/sh", Fix: "export SHELL in your login environment"}
	}
	return ValidationCheck{Check: "shell", OK: true, Detail: sh}
}

var uuidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

// statusSessionID matches the id line printed by /status and /stats.
var statusSessionID = regexp.MustCompile(`(?i)session(?:\s*id)?\s*:\s*(` + uuidPattern + `)`)

func parseStatusSessionID(text string) (string, bool) {
	m := statusSessionID.FindStringSubmatch(StripANSI(text))
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}
