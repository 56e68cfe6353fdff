package session

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/statedb"
	"github.com/asheshgoplani/termdeck/internal/termquery"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

// maxStatusText bounds output collected while a status watch is armed.
const maxStatusText = 64 * 1024

var devServerURL = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1\]):\d{2,5}(?:/[^\s'"<>)\]]*)?`)

func trimLine(s string) string {
	return strings.TrimSpace(s)
}

// handleChunk runs on the session's reader goroutine. Queries are answered
// before anything else sees the data.
func (m *Manager) handleChunk(s *Session, proc *process, data string) {
	if !m.owns(s, proc) {
		logging.Aggregate(logging.CompSession, "late_output_dropped")
		return
	}

	s.mu.Lock()
	res := termquery.Intercept(data, s.escapeTail, m.Theme())
	s.escapeTail = res.Pending
	s.mu.Unlock()

	if res.Reply != "" {
		if err := proc.write([]byte(res.Reply)); err != nil {
			sessionLog.Debug("query_reply_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
		for _, k := range res.Answered {
			logging.Aggregate(logging.CompQuery, "query_answered", slog.String("kind", string(k)))
		}
	}
	if res.Clean == "" {
		return
	}
	m.handleOutput(s, proc, res.Clean)
}

func (m *Manager) handleOutput(s *Session, proc *process, clean string) {
	seq := s.buffer.Append(clean)
	text := adapter.StripANSI(clean)
	now := time.Now()

	s.mu.Lock()
	first := !s.gotOutput
	s.gotOutput = true
	if first {
		if s.startupTimer != nil {
			s.startupTimer.Stop()
			s.startupTimer = nil
		}
		s.stopWatchdogLocked()
	}
	if strings.TrimSpace(text) != "" {
		s.lastOutput = now
	}
	var post string
	if first && !s.postSpawnSent && s.recipe.PostSpawnCommand != "" {
		s.postSpawnSent = true
		post = s.recipe.PostSpawnCommand
	}
	current := s.activity
	watching := s.statusWatch
	var statusText string
	if watching {
		if s.statusText.Len() < maxStatusText {
			s.statusText.WriteString(text)
		}
		statusText = s.statusText.String()
	}
	s.mu.Unlock()

	m.hub.Publish(Event{Type: EventData, SessionID: s.ID, Data: clean, Seq: seq})

	if post != "" {
		if err := proc.write([]byte(post + "\r")); err != nil {
			sessionLog.Warn("post_spawn_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		} else {
			sessionLog.Debug("post_spawn_sent", slog.String("session_id", s.ID))
		}
	}

	if act, ok := s.adapter.DetectActivity(clean, current); ok {
		s.mu.Lock()
		s.activity = act
		s.mu.Unlock()
		switch act {
		case adapter.ActivityWorking:
			s.machine.Request(termstate.StateRunning)
		case adapter.ActivityAttention:
			s.machine.Request(termstate.StateAttention)
		}
	} else if first && s.machine.State() == termstate.StateStarting {
		s.machine.Request(termstate.StateAttention)
	}

	if info := s.adapter.DetectError(clean); info != nil {
		m.onError(s, info)
	}
	if p := s.adapter.DetectPrompt(clean); p != nil {
		m.onPrompt(s, p)
	}
	m.detectDevServerURLs(s, text)

	if watching {
		if parser, ok := s.adapter.(adapter.SessionIDParser); ok {
			if id, ok := parser.ParseSessionID(statusText); ok {
				m.stopStatusWatch(s)
				m.setConversationID(s, id, "status")
			}
		}
	}
}

func (m *Manager) onError(s *Session, info *adapter.ErrorInfo) {
	s.detectMu.Lock()
	if s.lastError != nil && s.lastError.Code == info.Code && s.lastError.Message == info.Message {
		s.detectMu.Unlock()
		return
	}
	s.lastError = info
	s.detectMu.Unlock()

	sessionLog.Warn("cli_error_detected",
		slog.String("session_id", s.ID),
		slog.String("code", info.Code),
		slog.Bool("recoverable", info.Recoverable))
	m.hub.Publish(Event{Type: EventErrorDetected, SessionID: s.ID, Error: info})

	if !info.Recoverable {
		s.machine.Request(termstate.StateError)
	}
	if info.Code == adapter.CodeSessionNotFound {
		m.hub.Publish(Event{Type: EventSessionNotFound, SessionID: s.ID})
		if m.deps.Store != nil {
			if err := m.deps.Store.DeleteConversation(s.ID); err != nil {
				sessionLog.Warn("conversation_delete_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Manager) onPrompt(s *Session, p *adapter.PromptInfo) {
	s.detectMu.Lock()
	if s.lastPrompt == p.Text {
		s.detectMu.Unlock()
		return
	}
	s.lastPrompt = p.Text
	s.detectMu.Unlock()
	m.hub.Publish(Event{Type: EventPromptDetected, SessionID: s.ID, Prompt: p})
}

func (m *Manager) detectDevServerURLs(s *Session, text string) {
	matches := devServerURL.FindAllString(text, -1)
	if len(matches) == 0 {
		return
	}
	var fresh []string
	s.mu.Lock()
	for _, u := range matches {
		u = strings.TrimRight(u, ".,;:")
		if s.devURLs[u] {
			continue
		}
		s.devURLs[u] = true
		fresh = append(fresh, u)
	}
	s.mu.Unlock()
	for _, u := range fresh {
		sessionLog.Info("dev_server_url_detected", slog.String("session_id", s.ID), slog.String("url", u))
		m.hub.Publish(Event{Type: EventDevServerURL, SessionID: s.ID, URL: u})
	}
}

// armStatusWatch starts collecting output after the user typed the
// adapter's session-id command.
func (m *Manager) armStatusWatch(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusTimer != nil {
		s.statusTimer.Stop()
	}
	s.statusWatch = true
	s.statusText.Reset()
	var t *time.Timer
	t = time.AfterFunc(m.cfg.StatusWatchTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.statusTimer != t {
			return
		}
		s.statusTimer = nil
		s.statusWatch = false
		s.statusText.Reset()
		sessionLog.Debug("status_watch_expired", slog.String("session_id", s.ID))
	})
	s.statusTimer = t
}

func (m *Manager) stopStatusWatch(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusTimer != nil {
		s.statusTimer.Stop()
		s.statusTimer = nil
	}
	s.statusWatch = false
	s.statusText.Reset()
}

// setConversationID records a newly learned conversation id.
func (m *Manager) setConversationID(s *Session, id, source string) {
	s.mu.Lock()
	if s.conversationID == id {
		s.mu.Unlock()
		return
	}
	s.conversationID = id
	if s.idDetectTimer != nil {
		s.idDetectTimer.Stop()
		s.idDetectTimer = nil
	}
	s.mu.Unlock()

	sessionLog.Info("conversation_id_detected",
		slog.String("session_id", s.ID),
		slog.String("conversation_id", id),
		slog.String("source", source))
	m.hub.Publish(Event{Type: EventSessionIDDetected, SessionID: s.ID, ConversationID: id})

	if m.deps.Store != nil {
		err := m.deps.Store.SaveConversation(statedb.ConversationRow{
			SessionID:      s.ID,
			Mode:           string(s.Mode),
			ConversationID: id,
			Cwd:            s.Cwd,
			DetectedAt:     time.Now(),
		})
		if err != nil {
			sessionLog.Warn("conversation_save_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}
}

// startIDDetect polls the adapter's on-disk discovery until an id is found
// or the detect timeout passes.
func (m *Manager) startIDDetect(s *Session, since time.Time) {
	disc, ok := s.adapter.(adapter.SessionIDDiscoverer)
	if !ok {
		return
	}
	deadline := since.Add(m.cfg.SessionIDDetectTimeout)

	var tick func()
	tick = func() {
		if m.get(s.ID) != s || s.ConversationID() != "" {
			return
		}
		id, err := disc.DiscoverSessionID(s.Cwd, since, m.claimedConversations(s))
		if err != nil {
			sessionLog.Debug("session_id_detect_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
		if id != "" {
			m.setConversationID(s, id, "discovery")
			return
		}
		if time.Now().After(deadline) {
			sessionLog.Info("session_id_detect_timeout", slog.String("session_id", s.ID))
			return
		}
		if m.get(s.ID) != s {
			return
		}
		s.mu.Lock()
		s.idDetectTimer = time.AfterFunc(m.cfg.SessionIDDetectEvery, tick)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.idDetectTimer = time.AfterFunc(m.cfg.SessionIDDetectEvery, tick)
	s.mu.Unlock()
}

// claimedConversations returns ids held by live sessions other than s.
func (m *Manager) claimedConversations(except *Session) map[string]bool {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != except {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	claimed := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if id := s.ConversationID(); id != "" {
			claimed[id] = true
		}
	}
	return claimed
}
