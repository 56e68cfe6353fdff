package adapter

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// RawPatterns holds string-form activity patterns before compilation.
// Patterns prefixed with "re:" are compiled as regex; everything else is a
// case-insensitive substring.
type RawPatterns struct {
	Working   []string
	Attention []string
}

// ResolvedPatterns holds compiled patterns.
type ResolvedPatterns struct {
	WorkingStrings   []string
	WorkingRegexps   []*regexp.Regexp
	AttentionStrings []string
	AttentionRegexps []*regexp.Regexp
}

// spinnerClass is the line-start glyph set Claude Code animates while working.
// ✻ and · are left out: they also mark finished states.
const spinnerClass = `[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏✳✽✶✢]`

// DefaultRawPatterns returns the built-in patterns for mode, or nil.
func DefaultRawPatterns(mode Mode) *RawPatterns {
	switch mode {
	case ModeClaude:
		return &RawPatterns{
			Working: []string{
				"esc to interrupt",
				"ctrl+c to interrupt",
				`re:(?m)^\s*` + spinnerClass + `\s*.+…`,
			},
			Attention: []string{
				`re:❯\s*\d+\.`,
				"Do you want to proceed?",
				"No, and tell Claude what to do differently",
				"Yes, allow once",
				"Allow always",
				"Do you trust the files in this folder?",
				"Use arrow keys to navigate",
				"? for shortcuts",
			},
		}
	case ModeCodex:
		return &RawPatterns{
			Working:   []string{"esc to interrupt", "ctrl+c to interrupt"},
			Attention: []string{"codex>", "Continue?", "Allow command?"},
		}
	case ModeGemini:
		return &RawPatterns{
			Working:   []string{"esc to cancel"},
			Attention: []string{"Type your message", "gemini>", "Allow execution"},
		}
	case ModeOpenCode:
		return &RawPatterns{
			Working: []string{
				"esc interrupt",
				"thinking...",
				"generating...",
				"building tool call...",
				"waiting for tool response...",
			},
			Attention: []string{"press enter to send", "Ask anything"},
		}
	default:
		return nil
	}
}

// CompilePatterns compiles raw patterns. Invalid regexps are logged and
// skipped.
func CompilePatterns(raw *RawPatterns) (*ResolvedPatterns, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil RawPatterns")
	}
	resolved := &ResolvedPatterns{}
	resolved.WorkingStrings, resolved.WorkingRegexps = splitPatterns("working", raw.Working)
	resolved.AttentionStrings, resolved.AttentionRegexps = splitPatterns("attention", raw.Attention)
	return resolved, nil
}

func splitPatterns(kind string, patterns []string) ([]string, []*regexp.Regexp) {
	var strs []string
	var res []*regexp.Regexp
	for _, p := range patterns {
		if strings.HasPrefix(p, "re:") {
			re, err := regexp.Compile(p[3:])
			if err != nil {
				adapterLog.Warn("invalid_pattern_regex",
					slog.String("kind", kind),
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			res = append(res, re)
			continue
		}
		if p != "" {
			strs = append(strs, strings.ToLower(p))
		}
	}
	return strs, res
}

// MergeRawPatterns appends extras to defaults. A nil defaults yields only
// the extras.
func MergeRawPatterns(defaults, extras *RawPatterns) *RawPatterns {
	result := &RawPatterns{}
	if defaults != nil {
		result.Working = append(result.Working, defaults.Working...)
		result.Attention = append(result.Attention, defaults.Attention...)
	}
	if extras != nil {
		result.Working = append(result.Working, extras.Working...)
		result.Attention = append(result.Attention, extras.Attention...)
	}
	return result
}

// MatchWorking reports whether text (already ANSI-stripped) shows work in
// progress.
func (p *ResolvedPatterns) MatchWorking(text string) bool {
	return matchAny(text, p.WorkingStrings, p.WorkingRegexps)
}

// MatchAttention reports whether text shows the tool waiting on the user.
func (p *ResolvedPatterns) MatchAttention(text string) bool {
	return matchAny(text, p.AttentionStrings, p.AttentionRegexps)
}

func matchAny(text string, strs []string, res []*regexp.Regexp) bool {
	if len(strs) > 0 {
		lower := strings.ToLower(text)
		for _, s := range strs {
			if strings.Contains(lower, s) {
				return true
			}
		}
	}
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
