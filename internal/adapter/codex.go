package adapter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// CodexSkewGrace widens the discovery window for clock skew between spawn
// time and the timestamp codex records.
const CodexSkewGrace = 2 * time.Second

// CodexAdapter launches the Codex CLI. Codex picks its own conversation id,
// found afterwards by scanning its rollout logs.
type CodexAdapter struct {
	*cliAdapter
	home  string
	scans singleflight.Group
}

func newCodexAdapter(opts ToolOptions, home string) *CodexAdapter {
	return &CodexAdapter{
		cliAdapter: newCLIAdapter(ModeCodex, "codex", Capabilities{
			IdleTimeout:       RedrawIdleTimeout,
			TransitionOnInput: true,
			SessionIDCommand:  "/status",
		}, "npm install -g @openai/codex", opts),
		home: home,
	}
}

// CodexHome returns $CODEX_HOME or ~/.codex.
func CodexHome() string {
	if h := os.Getenv("CODEX_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codex"
	}
	return filepath.Join(home, ".codex")
}

func (a *CodexAdapter) BuildLaunchRecipe(opts LaunchOptions) (LaunchRecipe, error) {
	var args []string
	if opts.Resuming() {
		args = append(args, "resume", opts.ExistingConversationID)
	}
	if opts.CodeMode {
		args = append(args, "--full-auto")
	}
	if opts.InitialPrompt != "" {
		args = append(args, opts.InitialPrompt)
	}
	r := a.recipe(args, opts)
	r.ConversationID = opts.ExistingConversationID
	return r, nil
}

func (a *CodexAdapter) ParseSessionID(text string) (string, bool) {
	return parseStatusSessionID(text)
}

// Validate adds a check for the sessions directory discovery reads.
func (a *CodexAdapter) Validate() []ValidationCheck {
	checks := a.cliAdapter.Validate()
	dir := filepath.Join(a.home, "sessions")
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return append(checks, ValidationCheck{
			Check:  "sessions_dir",
			Detail: dir + " missing; conversation ids are found after the first codex run",
			Fix:    "run codex once to create it, or set CODEX_HOME",
		})
	}
	return append(checks, ValidationCheck{Check: "sessions_dir", OK: true, Detail: dir})
}

type codexMeta struct {
	ID        string
	Cwd       string
	Timestamp time.Time
}

type rolloutLine struct {
	Type    string `json:"type"`
	Payload struct {
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		Cwd       string `json:"cwd"`
	} `json:"payload"`
}

// DiscoverSessionID returns the earliest unclaimed rollout whose session_meta
// was written at or after since (minus CodexSkewGrace) in cwd. It returns
// "" with a nil error when nothing matches yet. Two sessions started in the
// same directory within the grace window can still be matched to each
// other's rollouts.
func (a *CodexAdapter) DiscoverSessionID(cwd string, since time.Time, claimed map[string]bool) (string, error) {
	want := canonicalPath(cwd)
	floor := since.Add(-CodexSkewGrace)

	var candidates []codexMeta
	for _, dir := range a.dayDirs(floor, time.Now()) {
		metas, err := a.scanDir(dir)
		if err != nil {
			return "", err
		}
		for _, m := range metas {
			if claimed[m.ID] || m.Timestamp.Before(floor) {
				continue
			}
			if canonicalPath(m.Cwd) != want {
				continue
			}
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})
	return candidates[0].ID, nil
}

// dayDirs lists sessions/YYYY/MM/DD directories from from to to, local time.
func (a *CodexAdapter) dayDirs(from, to time.Time) []string {
	root := filepath.Join(a.home, "sessions")
	var dirs []string
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.Local)
	for !day.After(to) && len(dirs) < 8 {
		dirs = append(dirs, filepath.Join(root, day.Format("2006"), day.Format("01"), day.Format("02")))
		day = day.AddDate(0, 0, 1)
	}
	return dirs
}

// scanDir reads the session_meta line of every rollout in dir. Concurrent
// sessions polling the same directory share one scan.
func (a *CodexAdapter) scanDir(dir string) ([]codexMeta, error) {
	v, err, _ := a.scans.Do(dir, func() (interface{}, error) {
		files, err := filepath.Glob(filepath.Join(dir, "rollout-*.jsonl"))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", dir, err)
		}
		metas := make([]codexMeta, 0, len(files))
		for _, f := range files {
			m, ok := readRolloutMeta(f)
			if ok {
				metas = append(metas, m)
			}
		}
		return metas, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]codexMeta), nil
}

func readRolloutMeta(path string) (codexMeta, bool) {
	f, err := os.Open(path)
	if err != nil {
		return codexMeta{}, false
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return codexMeta{}, false
	}
	var rl rolloutLine
	if err := json.Unmarshal(line, &rl); err != nil || rl.Type != "session_meta" || rl.Payload.ID == "" {
		return codexMeta{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, rl.Payload.Timestamp)
	if err != nil {
		info, statErr := f.Stat()
		if statErr != nil {
			return codexMeta{}, false
		}
		ts = info.ModTime()
	}
	return codexMeta{ID: rl.Payload.ID, Cwd: rl.Payload.Cwd, Timestamp: ts}, true
}

func canonicalPath(p string) string {
	if p == "" {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return strings.TrimRight(filepath.Clean(p), string(filepath.Separator))
}
