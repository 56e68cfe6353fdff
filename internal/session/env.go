package session

import (
	"sort"
	"strconv"
	"strings"
)

// Environment variables injected into every session.
const (
	EnvSessionID   = "TERMDECK_SESSION_ID"
	EnvTaskID      = "TERMDECK_TASK_ID"
	EnvControlPort = "TERMDECK_CONTROL_PORT"
	EnvControlURL  = "TERMDECK_CONTROL_URL"
)

// TaskIDFromSessionID returns the part of a namespaced id before the first
// ':' ("task42:claude" -> "task42"). Ids without ':' are their own task.
func TaskIDFromSessionID(sessionID string) string {
	if i := strings.IndexByte(sessionID, ':'); i >= 0 {
		return sessionID[:i]
	}
	return sessionID
}

// sessionEnv returns the task and control variables for one session.
func sessionEnv(sessionID string, controlPort int, controlURL string) map[string]string {
	env := map[string]string{
		EnvSessionID: sessionID,
		EnvTaskID:    TaskIDFromSessionID(sessionID),
		"TERM":       "xterm-256color",
		"COLORTERM":  "truecolor",
	}
	if controlPort > 0 {
		env[EnvControlPort] = strconv.Itoa(controlPort)
		if controlURL == "" {
			controlURL = "http://127.0.0.1:" + strconv.Itoa(controlPort)
		}
	}
	if controlURL != "" {
		env[EnvControlURL] = controlURL
	}
	return env
}

// mergeEnv layers overrides onto base (KEY=VALUE form). Later layers win.
// The result is sorted for stable spawns.
func mergeEnv(base []string, layers ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		merged[k] = v
	}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
