package adapter

// OpenCodeAdapter launches opencode.
type OpenCodeAdapter struct {
	*cliAdapter
}

func newOpenCodeAdapter(opts ToolOptions) *OpenCodeAdapter {
	return &OpenCodeAdapter{cliAdapter: newCLIAdapter(ModeOpenCode, "opencode", Capabilities{
		IdleTimeout:       RedrawIdleTimeout,
		TransitionOnInput: true,
	}, "npm install -g opencode-ai", opts)}
}

func (a *OpenCodeAdapter) BuildLaunchRecipe(opts LaunchOptions) (LaunchRecipe, error) {
	var args []string
	if opts.Resuming() {
		args = append(args, "--session", opts.ExistingConversationID)
	}
	if opts.InitialPrompt != "" {
		args = append(args, "--prompt", opts.InitialPrompt)
	}
	r := a.recipe(args, opts)
	r.ConversationID = opts.ExistingConversationID
	return r, nil
}
