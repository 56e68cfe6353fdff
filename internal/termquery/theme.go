package termquery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	dark "github.com/thiagokokada/dark-mode-go"
)

// Theme holds the colors reported for OSC 10/11/12 queries as hex strings
// (#rrggbb).
type Theme struct {
	Foreground string `json:"foreground" toml:"foreground"`
	Background string `json:"background" toml:"background"`
	Cursor     string `json:"cursor" toml:"cursor"`
}

var (
	DarkTheme  = Theme{Foreground: "#e4e4e7", Background: "#18181b", Cursor: "#e4e4e7"}
	LightTheme = Theme{Foreground: "#18181b", Background: "#ffffff", Cursor: "#18181b"}
)

// SystemTheme picks DarkTheme or LightTheme from the OS appearance setting,
// falling back to dark when it cannot be read.
func SystemTheme() Theme {
	isDark, err := dark.IsDarkMode()
	if err != nil || isDark {
		return DarkTheme
	}
	return LightTheme
}

// Merge fills empty fields of t from base.
func (t Theme) Merge(base Theme) Theme {
	if t.Foreground == "" {
		t.Foreground = base.Foreground
	}
	if t.Background == "" {
		t.Background = base.Background
	}
	if t.Cursor == "" {
		t.Cursor = base.Cursor
	}
	if t.Cursor == "" {
		t.Cursor = t.Foreground
	}
	return t
}

// Validate reports the first field that is not a parseable color.
func (t Theme) Validate() error {
	fields := [...]struct{ name, v string }{
		{"foreground", t.Foreground},
		{"background", t.Background},
		{"cursor", t.Cursor},
	}
	for _, f := range fields {
		name, v := f.name, f.v
		if v == "" {
			continue
		}
		if _, err := parseColor(v); err != nil {
			return fmt.Errorf("invalid %s color %q: %w", name, v, err)
		}
	}
	return nil
}

func parseColor(v string) (colorful.Color, error) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "#") {
		v = "#" + v
	}
	return colorful.Hex(v)
}

// xtermColor renders a hex color in the rgb:rrrr/gggg/bbbb form terminals use
// in OSC color replies. Unparseable input reports black.
func xtermColor(hex string) string {
	c, err := parseColor(hex)
	if err != nil {
		return "rgb:0000/0000/0000"
	}
	r, g, b := c.RGB255()
	return fmt.Sprintf("rgb:%04x/%04x/%04x", uint16(r)*257, uint16(g)*257, uint16(b)*257)
}

// WatchSystemTheme calls onChange whenever the OS switches between dark and
// light. It returns once ctx is done or the watcher cannot start.
func WatchSystemTheme(ctx context.Context, onChange func(Theme)) error {
	events, errs, err := dark.WatchDarkMode(ctx)
	if err != nil {
		return fmt.Errorf("watch dark mode: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case isDark, ok := <-events:
			if !ok {
				return nil
			}
			if isDark {
				onChange(DarkTheme)
			} else {
				onChange(LightTheme)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				queryLog.Warn("theme_watch_error", slog.String("error", err.Error()))
			}
		}
	}
}
