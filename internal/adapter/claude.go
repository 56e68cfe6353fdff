package adapter

import (
	"fmt"

	"github.com/google/uuid"
)

// ClaudeAdapter launches Claude Code. Fresh conversations get an id up front
// via --session-id so it is known without scraping output.
type ClaudeAdapter struct {
	*cliAdapter
}

func newClaudeAdapter(opts ToolOptions) *ClaudeAdapter {
	return &ClaudeAdapter{cliAdapter: newCLIAdapter(ModeClaude, "claude", Capabilities{
		SessionIDCommand: "/status",
	}, "npm install -g @anthropic-ai/claude-code", opts)}
}

func (a *ClaudeAdapter) BuildLaunchRecipe(opts LaunchOptions) (LaunchRecipe, error) {
	var args []string
	id := opts.ExistingConversationID
	if opts.Resuming() {
		args = append(args, "--resume", id)
	} else {
		id = opts.ConversationID
		if id == "" {
			id = uuid.New().String()
		} else if _, err := uuid.Parse(id); err != nil {
			return LaunchRecipe{}, fmt.Errorf("claude conversation id %q: %w", id, err)
		}
		args = append(args, "--session-id", id)
	}
	if opts.CodeMode {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.InitialPrompt != "" {
		args = append(args, opts.InitialPrompt)
	}
	r := a.recipe(args, opts)
	r.ConversationID = id
	return r, nil
}

func (a *ClaudeAdapter) ParseSessionID(text string) (string, bool) {
	return parseStatusSessionID(text)
}
