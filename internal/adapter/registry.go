package adapter

import (
	"fmt"
	"sort"

	"github.com/sahilm/fuzzy"
)

// Options configures a Registry.
type Options struct {
	Tools map[Mode]ToolOptions
	// CodexHome overrides CodexHome() for discovery.
	CodexHome string
}

// Registry maps each mode to its single shared adapter.
type Registry struct {
	adapters map[Mode]Adapter
}

// NewRegistry builds every adapter with its overrides applied.
func NewRegistry(opts Options) *Registry {
	home := opts.CodexHome
	if home == "" {
		home = CodexHome()
	}
	tool := func(m Mode) ToolOptions { return opts.Tools[m] }
	r := &Registry{adapters: map[Mode]Adapter{
		ModeClaude:   newClaudeAdapter(tool(ModeClaude)),
		ModeCodex:    newCodexAdapter(tool(ModeCodex), home),
		ModeGemini:   newGeminiAdapter(tool(ModeGemini)),
		ModeOpenCode: newOpenCodeAdapter(tool(ModeOpenCode)),
		ModeShell:    newShellAdapter(tool(ModeShell)),
	}}
	return r
}

// Get returns the adapter for mode. Unknown modes wrap ErrUnknownMode with a
// suggestion when one is close.
func (r *Registry) Get(mode Mode) (Adapter, error) {
	if a, ok := r.adapters[mode]; ok {
		return a, nil
	}
	if s := r.SuggestMode(string(mode)); s != "" {
		return nil, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownMode, mode, s)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownMode, mode)
}

// Modes returns the registered modes sorted by name.
func (r *Registry) Modes() []Mode {
	modes := make([]Mode, 0, len(r.adapters))
	for m := range r.adapters {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}

// SuggestMode returns the closest registered mode to name, or "".
func (r *Registry) SuggestMode(name string) Mode {
	if name == "" {
		return ""
	}
	modes := r.Modes()
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	matches := fuzzy.Find(name, names)
	if len(matches) == 0 {
		return ""
	}
	return Mode(matches[0].Str)
}
