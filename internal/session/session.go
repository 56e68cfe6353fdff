package session

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/termbuf"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

// maxInputLine bounds the input accumulator.
const maxInputLine = 4096

// Session is one managed process and everything derived from its output.
// A Session is never reused: re-creating an id makes a new Session.
type Session struct {
	ID      string
	TaskID  string
	Mode    adapter.Mode
	Cwd     string
	Created time.Time

	adapter adapter.Adapter
	recipe  adapter.LaunchRecipe
	buffer  *termbuf.Buffer
	machine *termstate.Machine

	mu             sync.Mutex
	proc           *process
	cols, rows     uint16
	lastOutput     time.Time
	activity       adapter.ActivityState
	input          []rune
	escapeTail     string
	devURLs        map[string]bool
	gotOutput      bool
	postSpawnSent  bool
	retried        bool
	timedOut       bool
	conversationID string

	statusWatch     bool
	statusText      strings.Builder
	statusTimer     *time.Timer
	startupTimer    *time.Timer
	idDetectTimer   *time.Timer
	exitTimer       *time.Timer
	watchdogStop    chan struct{}
	watchdogStopped bool

	// detectMu is a leaf lock; it is taken under the machine lock when the
	// session enters running.
	detectMu   sync.Mutex
	lastError  *adapter.ErrorInfo
	lastPrompt string
}

// Info is the list() row.
type Info struct {
	SessionID      string          `json:"sessionId"`
	TaskID         string          `json:"taskId"`
	Mode           adapter.Mode    `json:"mode"`
	LastOutputTime time.Time       `json:"lastOutputTime"`
	State          termstate.State `json:"state"`
	ConversationID string          `json:"conversationId,omitempty"`
}

func (s *Session) currentProc() *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:      s.ID,
		TaskID:         s.TaskID,
		Mode:           s.Mode,
		LastOutputTime: s.lastOutput,
		State:          s.machine.State(),
		ConversationID: s.conversationID,
	}
}

// ConversationID returns the tool conversation id once known.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// acceptInput feeds typed bytes (already ANSI-stripped) into the
// accumulator and returns the lines they submitted.
func (s *Session) acceptInput(text string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lines []string
	for _, r := range text {
		switch {
		case r == '\r' || r == '\n':
			lines = append(lines, string(s.input))
			s.input = s.input[:0]
		case r == 0x7f || r == '\b':
			if n := len(s.input); n > 0 {
				s.input = s.input[:n-1]
			}
		case r == 0x03 || r == 0x15:
			// ^C and ^U abandon the line
			s.input = s.input[:0]
		case r < 0x20 || r == utf8.RuneError:
		default:
			if len(s.input) < maxInputLine {
				s.input = append(s.input, r)
			}
		}
	}
	return lines
}

// resetDetections lets the next error or prompt be reported again even
// when it repeats the last one.
func (s *Session) resetDetections() {
	s.detectMu.Lock()
	s.lastError = nil
	s.lastPrompt = ""
	s.detectMu.Unlock()
}

// stopTimersLocked cancels every timer the session owns. The debounce
// timer belongs to the machine and is stopped separately.
func (s *Session) stopTimersLocked() {
	for _, t := range []*time.Timer{s.statusTimer, s.startupTimer, s.idDetectTimer, s.exitTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.statusTimer, s.startupTimer, s.idDetectTimer, s.exitTimer = nil, nil, nil, nil
	s.statusWatch = false
	s.stopWatchdogLocked()
}

func (s *Session) stopWatchdogLocked() {
	if s.watchdogStop != nil && !s.watchdogStopped {
		close(s.watchdogStop)
		s.watchdogStopped = true
	}
}
