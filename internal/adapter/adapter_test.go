package adapter

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	t.Setenv("SHELL", "/bin/sh")
	return NewRegistry(Options{CodexHome: t.TempDir()})
}

func mustGet(t *testing.T, r *Registry, m Mode) Adapter {
	t.Helper()
	a, err := r.Get(m)
	require.NoError(t, err)
	return a
}

func TestRegistryUnknownModeSuggests(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Get("gem")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownMode))
	assert.Contains(t, err.Error(), `"gemini"`)

	assert.Equal(t, []Mode{ModeClaude, ModeCodex, ModeGemini, ModeOpenCode, ModeShell}, r.Modes())
	assert.Equal(t, Mode(""), r.SuggestMode("zzz"))
}

func TestRegistrySharesInstances(t *testing.T) {
	r := testRegistry(t)
	a1 := mustGet(t, r, ModeClaude)
	a2 := mustGet(t, r, ModeClaude)
	assert.Same(t, a1, a2)
}

func TestClaudeLaunchFresh(t *testing.T) {
	a := mustGet(t, testRegistry(t), ModeClaude)
	r, err := a.BuildLaunchRecipe(LaunchOptions{Cwd: "/tmp", InitialPrompt: "fix the bug", CodeMode: true, ExtraArgs: []string{"--model", "opus"}})
	require.NoError(t, err)

	assert.Equal(t, "/bin/sh", r.Shell)
	assert.Equal(t, []string{"-l", "-i"}, r.Args)
	_, err = uuid.Parse(r.ConversationID)
	require.NoError(t, err)
	assert.Equal(t,
		"exec claude --session-id "+r.ConversationID+" --dangerously-skip-permissions 'fix the bug' --model opus",
		r.PostSpawnCommand)
}

func TestClaudeLaunchResume(t *testing.T) {
	a := mustGet(t, testRegistry(t), ModeClaude)
	r, err := a.BuildLaunchRecipe(LaunchOptions{ExistingConversationID: "abc-123", ConversationID: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "exec claude --resume abc-123", r.PostSpawnCommand)
	assert.Equal(t, "abc-123", r.ConversationID)
}

func TestClaudeRejectsMalformedID(t *testing.T) {
	a := mustGet(t, testRegistry(t), ModeClaude)
	_, err := a.BuildLaunchRecipe(LaunchOptions{ConversationID: "not a uuid"})
	assert.Error(t, err)
}

func TestOtherLaunchRecipes(t *testing.T) {
	r := testRegistry(t)
	cases := []struct {
		mode Mode
		opts LaunchOptions
		want string
	}{
		{ModeCodex, LaunchOptions{ExistingConversationID: "id1", CodeMode: true}, "exec codex resume id1 --full-auto"},
		{ModeCodex, LaunchOptions{InitialPrompt: "hi"}, "exec codex hi"},
		{ModeGemini, LaunchOptions{ExistingConversationID: "g1", CodeMode: true, InitialPrompt: "it's"}, `exec gemini --resume g1 --yolo -i 'it'"'"'s'`},
		{ModeOpenCode, LaunchOptions{ExistingConversationID: "s1", InitialPrompt: "go"}, "exec opencode --session s1 --prompt go"},
		{ModeShell, LaunchOptions{InitialPrompt: "ls -la"}, "ls -la"},
		{ModeShell, LaunchOptions{}, ""},
	}
	for _, tc := range cases {
		rec, err := mustGet(t, r, tc.mode).BuildLaunchRecipe(tc.opts)
		require.NoError(t, err)
		assert.Equal(t, tc.want, rec.PostSpawnCommand, tc.mode)
	}
}

func TestToolOverrides(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	r := NewRegistry(Options{Tools: map[Mode]ToolOptions{
		ModeCodex: {
			Command:         "codex-nightly",
			Args:            []string{"--profile", "work"},
			Env:             map[string]string{"CODEX_FLAG": "1"},
			WorkingPatterns: []string{"crunching numbers"},
		},
	}})
	a := mustGet(t, r, ModeCodex)
	rec, err := a.BuildLaunchRecipe(LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "exec codex-nightly --profile work", rec.PostSpawnCommand)
	assert.Equal(t, "1", rec.Env["CODEX_FLAG"])

	got, ok := a.DetectActivity("Crunching numbers", ActivityAttention)
	assert.True(t, ok)
	assert.Equal(t, ActivityWorking, got)
}

func TestCapabilities(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, Capabilities{SessionIDCommand: "/status"}, mustGet(t, r, ModeClaude).Capabilities())
	for _, m := range []Mode{ModeCodex, ModeGemini, ModeOpenCode, ModeShell} {
		caps := mustGet(t, r, m).Capabilities()
		assert.True(t, caps.TransitionOnInput, m)
		assert.Equal(t, RedrawIdleTimeout, caps.IdleTimeout, m)
	}
	assert.Equal(t, DefaultIdleTimeout, EffectiveIdleTimeout(mustGet(t, r, ModeClaude), 0))
	assert.Equal(t, RedrawIdleTimeout, EffectiveIdleTimeout(mustGet(t, r, ModeGemini), DefaultIdleTimeout))
}

func TestClaudeDetectActivity(t *testing.T) {
	a := mustGet(t, testRegistry(t), ModeClaude)
	cases := []struct {
		name    string
		chunk   string
		current ActivityState
		want    ActivityState
		ok      bool
	}{
		{"interrupt hint", "\x1b[2m(esc to interrupt)\x1b[0m", ActivityAttention, ActivityWorking, true},
		{"interrupt while working", "ctrl+c to interrupt", ActivityWorking, ActivityWorking, true},
		{"spinner line", "\r\n✳ Cogitating… (12s)\r\n", ActivityUnknown, ActivityWorking, true},
		{"mid-line dot is not a spinner", "Welcome · to Claude…", ActivityUnknown, "", false},
		{"menu", "Pick one\n❯ 1. Yes\n  2. No", ActivityWorking, ActivityAttention, true},
		{"repeat attention", "❯ 1. Yes", ActivityAttention, "", false},
		{"noise", "some output", ActivityWorking, "", false},
		{"whitespace", "\x1b[2J   \r\n", ActivityWorking, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := a.DetectActivity(tc.chunk, tc.current)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestShellNeverClassifies(t *testing.T) {
	a := mustGet(t, testRegistry(t), ModeShell)
	_, ok := a.DetectActivity("esc to interrupt ❯ 1. yes", ActivityUnknown)
	assert.False(t, ok)
	assert.Nil(t, a.DetectError("Error: boom"))
	assert.Nil(t, a.DetectPrompt("user@host:~$ "))
	p := a.DetectPrompt("Overwrite file? (y/n) ")
	require.NotNil(t, p)
	assert.Equal(t, PromptPermission, p.Kind)
}

func TestDetectError(t *testing.T) {
	a := mustGet(t, testRegistry(t), ModeClaude)

	e := a.DetectError("building...\r\nError: disk full\r\n")
	require.NotNil(t, e)
	assert.Equal(t, ErrorInfo{Code: CodeCLIError, Message: "disk full", Recoverable: true}, *e)

	e = a.DetectError("Error: No conversation found with session ID: abc")
	require.NotNil(t, e)
	assert.Equal(t, CodeSessionNotFound, e.Code)
	assert.False(t, e.Recoverable)

	e = a.DetectError("\x1b[31mInvalid API key\x1b[0m · Please run /login")
	require.NotNil(t, e)
	assert.Equal(t, CodeAuthRequired, e.Code)
	assert.False(t, e.Recoverable)

	e = a.DetectError("API Error: 429 Too Many Requests")
	require.NotNil(t, e)
	assert.Equal(t, CodeRateLimited, e.Code)
	assert.True(t, e.Recoverable)

	assert.Nil(t, a.DetectError("the word error appears mid-sentence"))
}

func TestDetectErrorToolMessages(t *testing.T) {
	a := mustGet(t, testRegistry(t), ModeClaude)

	tests := []struct {
		name string
		text string
		code string
	}{
		{"bare resume failure", "No conversation found with session ID: 3f2a\r\n", CodeSessionNotFound},
		{"labelled session lookup", "  Error: session not found: abc", CodeSessionNotFound},
		{"login hint", "Not logged in · Please run /login", CodeAuthRequired},
		{"api 401", "API Error: 401 Unauthorized", CodeAuthRequired},
		{"usage limit", "Claude AI usage limit reached|1760000000", CodeRateLimited},
		{"stream error", "⚠ stream error: 429 Too Many Requests; retrying", CodeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := a.DetectError(tt.text)
			require.NotNil(t, e)
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestDetectErrorIgnoresProse(t *testing.T) {
	a := mustGet(t, testRegistry(t), ModeClaude)

	prose := []string{
		"⏺ Read 429 lines from manager.go",
		"    return nil, err // session not found",
		"The handler returns 401 Unauthorized when the token is missing.",
		"I added a rate limiter to the upload path.",
		"Sessions that are not found get a fresh id; no conversation found is fine here.",
		"⏺ Updated the invalid API key message in auth.go",
		"Too many requests are retried with backoff.",
	}
	for _, text := range prose {
		assert.Nil(t, a.DetectError(text), text)
	}
}

func TestDetectPrompt(t *testing.T) {
	a := mustGet(t, testRegistry(t), ModeCodex)

	p := a.DetectPrompt("Apply patch?\n(y/n)")
	require.NotNil(t, p)
	assert.Equal(t, PromptPermission, p.Kind)
	assert.Equal(t, "(y/n)", p.Text)

	text := "output\nWhich database?\n❯ 1. Postgres\n  2. SQLite\n"
	p = a.DetectPrompt(text)
	require.NotNil(t, p)
	assert.Equal(t, PromptQuestion, p.Kind)
	assert.Equal(t, "Which database?", p.Text)
	assert.Equal(t, strings.Index(text, "Which database?"), p.Offset)

	p = a.DetectPrompt("done.\nShould I also update the docs?")
	require.NotNil(t, p)
	assert.Equal(t, PromptQuestion, p.Kind)

	p = a.DetectPrompt("ready\n> ")
	require.NotNil(t, p)
	assert.Equal(t, PromptInput, p.Kind)

	assert.Nil(t, a.DetectPrompt("just logs\nmore logs"))
}

func TestParseSessionID(t *testing.T) {
	a := mustGet(t, testRegistry(t), ModeClaude)
	p, ok := a.(SessionIDParser)
	require.True(t, ok)

	id, ok := p.ParseSessionID("  Version: 2.0.1\r\n  Session ID: 3F2504E0-4F89-11D3-9A0C-0305E82C3301\r\n")
	require.True(t, ok)
	assert.Equal(t, "3f2504e0-4f89-11d3-9a0c-0305e82c3301", id)

	_, ok = p.ParseSessionID("no id here")
	assert.False(t, ok)
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "plain", StripANSI("plain"))
	assert.Equal(t, "red text", StripANSI("\x1b[31mred\x1b[0m text"))
	assert.Equal(t, "title gone", StripANSI("\x1b]0;title\x07title gone"))
	assert.Equal(t, "st", StripANSI("\x1b]8;;http://x\x1b\\st"))
	assert.Equal(t, "ab", StripANSI("a\x1b=b"))
	assert.True(t, HasVisibleText("\x1b[2Jx"))
	assert.False(t, HasVisibleText("\x1b[2J \r\n\t"))
}

func TestShellQuoteArg(t *testing.T) {
	assert.Equal(t, "''", shellQuoteArg(""))
	assert.Equal(t, "simple-arg_1.0", shellQuoteArg("simple-arg_1.0"))
	assert.Equal(t, "'two words'", shellQuoteArg("two words"))
	assert.Equal(t, `'a'"'"'b'`, shellQuoteArg("a'b"))
	assert.Equal(t, "'$HOME'", shellQuoteArg("$HOME"))
}

func TestValidate(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("SHELL", "/bin/sh")
	r := NewRegistry(Options{CodexHome: t.TempDir()})

	checks := mustGet(t, r, ModeGemini).Validate()
	require.Len(t, checks, 2)
	assert.Equal(t, "binary", checks[0].Check)
	assert.False(t, checks[0].OK)
	assert.NotEmpty(t, checks[0].Fix)
	assert.Equal(t, "shell", checks[1].Check)
	assert.True(t, checks[1].OK)

	checks = mustGet(t, r, ModeCodex).Validate()
	require.Len(t, checks, 3)
	assert.Equal(t, "sessions_dir", checks[2].Check)
	assert.False(t, checks[2].OK)
}
