package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/termdeck/internal/session"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type      string          `json:"type"` // status, data, state, exit, event, error
	Event     string          `json:"event,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      string          `json:"data,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	State     termstate.State `json:"state,omitempty"`
	PrevState termstate.State `json:"prevState,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	Payload   *session.Event  `json:"payload,omitempty"`
	Time      time.Time       `json:"time,omitempty"`
}

// handleSessionWS streams one session: a replay from ?after=N (or the whole
// buffer), then live data. Dropped hub events are recovered from the
// buffer using the seq gap.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !s.sessions.Exists(sessionID) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	var after uint64
	replayAll := true
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "after must be a non-negative integer")
			return
		}
		after, replayAll = v, false
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := newWSConnWriter(conn)

	// Subscribe before the replay so nothing falls between the two.
	events, unsubscribe := s.sessions.Events().Subscribe(0)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "connected",
		SessionID: sessionID,
		Time:      time.Now().UTC(),
	})

	stream := &sessionStream{srv: s, id: sessionID, writer: writer}
	if !stream.replay(after, replayAll) {
		return
	}
	if state, ok := s.sessions.GetState(sessionID); ok {
		_ = writer.WriteJSON(wsServerMessage{Type: "state", SessionID: sessionID, State: state})
	}

	go func() {
		defer cancel()
		stream.forward(ctx, events)
	}()

	s.readSessionInput(ctx, conn, writer, sessionID)
}

type sessionStream struct {
	srv     *Server
	id      string
	writer  *wsConnWriter
	lastSeq uint64
}

// replay sends retained output. It returns false if the session is gone.
func (st *sessionStream) replay(after uint64, all bool) bool {
	if all {
		chunks, cur, ok := st.srv.sessions.GetBufferSince(st.id, 0)
		if !ok {
			return false
		}
		var data strings.Builder
		for _, c := range chunks {
			data.WriteString(c.Data)
		}
		st.lastSeq = cur
		if data.Len() > 0 {
			return st.writer.WriteJSON(wsServerMessage{Type: "data", SessionID: st.id, Data: data.String(), Seq: cur}) == nil
		}
		return true
	}
	st.lastSeq = after
	return st.catchUp()
}

func (st *sessionStream) catchUp() bool {
	chunks, cur, ok := st.srv.sessions.GetBufferSince(st.id, st.lastSeq)
	if !ok {
		return false
	}
	for _, c := range chunks {
		if err := st.writer.WriteJSON(wsServerMessage{Type: "data", SessionID: st.id, Data: c.Data, Seq: c.Seq}); err != nil {
			return false
		}
	}
	if cur > st.lastSeq {
		st.lastSeq = cur
	}
	return true
}

func (st *sessionStream) forward(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				st.writer.Close(websocket.CloseGoingAway, "server shutting down")
				return
			}
			if e.SessionID != st.id {
				continue
			}
			if !st.send(e) {
				return
			}
		}
	}
}

func (st *sessionStream) send(e session.Event) bool {
	switch e.Type {
	case session.EventData:
		if e.Seq <= st.lastSeq {
			return true
		}
		if e.Seq > st.lastSeq+1 {
			logStreamGap(st.id, st.lastSeq, e.Seq)
			return st.catchUp()
		}
		st.lastSeq = e.Seq
		return st.writer.WriteJSON(wsServerMessage{Type: "data", SessionID: st.id, Data: e.Data, Seq: e.Seq}) == nil
	case session.EventStateChange:
		return st.writer.WriteJSON(wsServerMessage{Type: "state", SessionID: st.id, State: e.State, PrevState: e.PrevState}) == nil
	case session.EventExit:
		_ = st.writer.WriteJSON(wsServerMessage{Type: "exit", SessionID: st.id, ExitCode: e.ExitCode})
		st.writer.Close(websocket.CloseNormalClosure, "session exited")
		return false
	default:
		ev := e
		return st.writer.WriteJSON(wsServerMessage{Type: "event", Event: string(e.Type), SessionID: st.id, Payload: &ev}) == nil
	}
}

func logStreamGap(id string, last, next uint64) {
	webLog.Debug("ws_stream_gap",
		slog.String("session_id", id),
		slog.Uint64("last_seq", last),
		slog.Uint64("next_seq", next))
}

func (s *Server) readSessionInput(ctx context.Context, conn *websocket.Conn, writer *wsConnWriter, sessionID string) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && ctx.Err() == nil {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "error",
				Code:      "INVALID_MESSAGE",
				Message:   "invalid json payload",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "status",
				Event:     "pong",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
		case "input":
			if !s.sessions.Write(sessionID, msg.Data) {
				_ = writer.WriteJSON(wsServerMessage{
					Type:      "error",
					Code:      "INPUT_WRITE_FAILED",
					Message:   "failed to send input to terminal",
					SessionID: sessionID,
					Time:      time.Now().UTC(),
				})
			}
		case "resize":
			if !s.sessions.Resize(sessionID, msg.Cols, msg.Rows) {
				_ = writer.WriteJSON(wsServerMessage{
					Type:      "error",
					Code:      "RESIZE_FAILED",
					Message:   "failed to resize terminal",
					SessionID: sessionID,
					Time:      time.Now().UTC(),
				})
			}
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "error",
				Code:      "UNSUPPORTED_MESSAGE",
				Message:   "supported message types: ping,input,resize",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
		}
	}
}

// handleEventsWS streams every outbound event, optionally filtered with
// ?session=<id>. Client frames are ignored.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("session")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := newWSConnWriter(conn)

	events, unsubscribe := s.sessions.Events().Subscribe(0)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				writer.Close(websocket.CloseGoingAway, "server shutting down")
				return
			}
			if filter != "" && e.SessionID != filter {
				continue
			}
			if err := writer.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
