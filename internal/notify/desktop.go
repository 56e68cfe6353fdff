package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// commandRunner runs an external command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// DesktopSink shows OS notifications: notify-send on Linux (closed again
// over D-Bus with gdbus) and osascript on macOS, which cannot dismiss.
type DesktopSink struct {
	goos string
	run  commandRunner

	mu  sync.Mutex
	ids map[string]string
}

// NewDesktopSink returns a sink for the running OS.
func NewDesktopSink() *DesktopSink {
	return &DesktopSink{goos: runtime.GOOS, run: execRunner, ids: make(map[string]string)}
}

func (d *DesktopSink) Name() string { return "desktop" }

// Available reports whether the notifier binary exists.
func (d *DesktopSink) Available() bool {
	bin := "notify-send"
	if d.goos == "darwin" {
		bin = "osascript"
	}
	_, err := exec.LookPath(bin)
	return err == nil
}

func (d *DesktopSink) Show(ctx context.Context, n Notification) error {
	if d.goos == "darwin" {
		script := fmt.Sprintf("display notification %s with title %s", appleScriptString(n.Body), appleScriptString(n.Title))
		if _, err := d.run(ctx, "osascript", "-e", script); err != nil {
			return fmt.Errorf("osascript: %w", err)
		}
		return nil
	}

	out, err := d.run(ctx, "notify-send", "-p", "-a", "termdeck", "-u", "normal", n.Title, n.Body)
	if err != nil {
		return fmt.Errorf("notify-send: %w", err)
	}
	if id := strings.TrimSpace(string(out)); id != "" {
		d.mu.Lock()
		d.ids[n.SessionID] = id
		d.mu.Unlock()
	}
	return nil
}

func (d *DesktopSink) Dismiss(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	id, ok := d.ids[sessionID]
	delete(d.ids, sessionID)
	d.mu.Unlock()
	if !ok || d.goos == "darwin" {
		return nil
	}
	_, err := d.run(ctx, "gdbus", "call", "--session",
		"--dest", "org.freedesktop.Notifications",
		"--object-path", "/org/freedesktop/Notifications",
		"--method", "org.freedesktop.Notifications.CloseNotification", id)
	if err != nil {
		return fmt.Errorf("close notification %s: %w", id, err)
	}
	return nil
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
