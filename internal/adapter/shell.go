package adapter

// ShellAdapter is the raw passthrough: a plain login shell with no output
// classification. Activity comes only from submitted input and the idle
// checker.
type ShellAdapter struct {
	env  map[string]string
	caps Capabilities
}

func newShellAdapter(opts ToolOptions) *ShellAdapter {
	caps := Capabilities{IdleTimeout: RedrawIdleTimeout, TransitionOnInput: true}
	if opts.IdleTimeout > 0 {
		caps.IdleTimeout = opts.IdleTimeout
	}
	return &ShellAdapter{env: opts.Env, caps: caps}
}

func (a *ShellAdapter) Mode() Mode { return ModeShell }

func (a *ShellAdapter) Capabilities() Capabilities { return a.caps }

// BuildLaunchRecipe starts the login shell; an initial prompt is typed as
// the first command.
func (a *ShellAdapter) BuildLaunchRecipe(opts LaunchOptions) (LaunchRecipe, error) {
	env := make(map[string]string, len(a.env))
	for k, v := range a.env {
		env[k] = v
	}
	args := []string{LoginFlag, "-i"}
	args = append(args, opts.ExtraArgs...)
	return LaunchRecipe{
		Shell:            LoginShell(),
		Args:             args,
		Env:              env,
		PostSpawnCommand: opts.InitialPrompt,
	}, nil
}

func (a *ShellAdapter) DetectActivity(string, ActivityState) (ActivityState, bool) {
	return "", false
}

func (a *ShellAdapter) DetectError(string) *ErrorInfo { return nil }

// DetectPrompt only surfaces yes/no prompts; a shell prompt is always on
// screen and is not a hint.
func (a *ShellAdapter) DetectPrompt(chunk string) *PromptInfo {
	p := detectPrompt(StripANSI(chunk), false)
	if p != nil && p.Kind == PromptPermission {
		return p
	}
	return nil
}

func (a *ShellAdapter) Validate() []ValidationCheck {
	return []ValidationCheck{shellCheck()}
}
