package adapter

// GeminiAdapter launches the Gemini CLI. Its full-screen UI redraws
// constantly, so a submitted line is the working signal.
type GeminiAdapter struct {
	*cliAdapter
}

func newGeminiAdapter(opts ToolOptions) *GeminiAdapter {
	return &GeminiAdapter{cliAdapter: newCLIAdapter(ModeGemini, "gemini", Capabilities{
		IdleTimeout:       RedrawIdleTimeout,
		TransitionOnInput: true,
		SessionIDCommand:  "/stats",
	}, "npm install -g @google/gemini-cli", opts)}
}

func (a *GeminiAdapter) BuildLaunchRecipe(opts LaunchOptions) (LaunchRecipe, error) {
	var args []string
	if opts.Resuming() {
		args = append(args, "--resume", opts.ExistingConversationID)
	}
	if opts.CodeMode {
		args = append(args, "--yolo")
	}
	if opts.InitialPrompt != "" {
		args = append(args, "-i", opts.InitialPrompt)
	}
	r := a.recipe(args, opts)
	r.ConversationID = opts.ExistingConversationID
	return r, nil
}

func (a *GeminiAdapter) ParseSessionID(text string) (string, bool) {
	return parseStatusSessionID(text)
}
