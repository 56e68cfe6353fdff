// Package adapter holds one strategy per supported CLI tool: how to launch
// it inside a login shell and how to read its output.
package adapter

import (
	"errors"
	"time"

	"github.com/asheshgoplani/termdeck/internal/logging"
)

var adapterLog = logging.ForComponent(logging.CompAdapter)

// ErrUnknownMode is returned by Registry.Get for an unregistered mode.
var ErrUnknownMode = errors.New("unknown mode")

// Mode names a supported tool.
type Mode string

const (
	ModeClaude   Mode = "claude"
	ModeCodex    Mode = "codex"
	ModeGemini   Mode = "gemini"
	ModeOpenCode Mode = "opencode"
	ModeShell    Mode = "shell"
)

// Idle windows. Full-screen tools redraw constantly, so they get a short
// window and rely on input submission to signal work.
const (
	DefaultIdleTimeout = 60 * time.Second
	RedrawIdleTimeout  = 2500 * time.Millisecond
)

// ActivityState is the coarse reading of one output chunk.
type ActivityState string

const (
	ActivityUnknown   ActivityState = "unknown"
	ActivityAttention ActivityState = "attention"
	ActivityWorking   ActivityState = "working"
)

// Error codes reported by DetectError.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeAuthRequired    = "AUTH_REQUIRED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeCLIError        = "CLI_ERROR"
)

// ErrorInfo describes an error the tool printed.
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// PromptKind classifies an interactive prompt.
type PromptKind string

const (
	PromptPermission PromptKind = "permission"
	PromptQuestion   PromptKind = "question"
	PromptInput      PromptKind = "input"
)

// PromptInfo is a UI hint that the tool is asking something.
type PromptInfo struct {
	Kind   PromptKind `json:"kind"`
	Text   string     `json:"text"`
	Offset int        `json:"offset"`
}

// LaunchOptions carries the per-session inputs to BuildLaunchRecipe.
type LaunchOptions struct {
	Cwd string
	// ConversationID requests a specific id for a fresh conversation.
	ConversationID string
	// ExistingConversationID resumes a prior conversation. It takes
	// precedence over ConversationID.
	ExistingConversationID string
	InitialPrompt          string
	ExtraArgs              []string
	// CodeMode launches the tool with its auto-approve flag.
	CodeMode bool
}

// Resuming reports whether the launch continues an existing conversation.
func (o LaunchOptions) Resuming() bool {
	return o.ExistingConversationID != ""
}

// LaunchRecipe is how to start a session's process.
type LaunchRecipe struct {
	Shell string
	Args  []string
	Env   map[string]string
	// PostSpawnCommand is typed into the shell once it produces output.
	PostSpawnCommand string
	// ConversationID is set when the id is known before the tool starts.
	ConversationID string
}

// Capabilities are optional behaviour flags.
type Capabilities struct {
	// IdleTimeout overrides DefaultIdleTimeout when non-zero.
	IdleTimeout time.Duration
	// TransitionOnInput moves the session to running when the user submits
	// a line.
	TransitionOnInput bool
	// SessionIDCommand is the typed command whose output reveals the
	// conversation id.
	SessionIDCommand string
}

// ValidationCheck is one advisory preflight result.
type ValidationCheck struct {
	Check  string `json:"check"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
	Fix    string `json:"fix,omitempty"`
}

// Adapter is implemented once per mode. Implementations hold no session
// state and are shared across sessions.
type Adapter interface {
	Mode() Mode
	BuildLaunchRecipe(opts LaunchOptions) (LaunchRecipe, error)
	// DetectActivity returns false when the chunk carries no signal.
	DetectActivity(chunk string, current ActivityState) (ActivityState, bool)
	DetectError(chunk string) *ErrorInfo
	DetectPrompt(chunk string) *PromptInfo
	Validate() []ValidationCheck
	Capabilities() Capabilities
}

// SessionIDParser is implemented by adapters whose SessionIDCommand output
// contains the conversation id.
type SessionIDParser interface {
	ParseSessionID(text string) (string, bool)
}

// SessionIDDiscoverer is implemented by adapters that find their
// conversation id on disk after the tool starts. Ids in claimed belong to
// other live sessions.
type SessionIDDiscoverer interface {
	DiscoverSessionID(cwd string, since time.Time, claimed map[string]bool) (string, error)
}

// EffectiveIdleTimeout resolves an adapter's idle window against fallback.
func EffectiveIdleTimeout(a Adapter, fallback time.Duration) time.Duration {
	if d := a.Capabilities().IdleTimeout; d > 0 {
		return d
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultIdleTimeout
}
