package web

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/session"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) wsServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg wsServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

// readUntil skips messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wsServerMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		if msg := readServerMessage(t, conn); msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %q message received", typ)
	return wsServerMessage{}
}

func TestSessionWSReplayAndLiveData(t *testing.T) {
	_, mgr, _, ts := newTestServer("")
	defer ts.Close()
	mgr.add("s1")
	mgr.emit("s1", "hello ")
	mgr.emit("s1", "world")

	conn := dialWS(t, wsURL(ts.URL, "/ws/session/s1"))

	status := readServerMessage(t, conn)
	if status.Type != "status" || status.Event != "connected" {
		t.Fatalf("expected connected status, got %+v", status)
	}
	replay := readServerMessage(t, conn)
	if replay.Type != "data" || replay.Data != "hello world" || replay.Seq != 2 {
		t.Fatalf("unexpected replay %+v", replay)
	}
	state := readServerMessage(t, conn)
	if state.Type != "state" || state.State != termstate.StateAttention {
		t.Fatalf("unexpected state message %+v", state)
	}

	mgr.emit("s1", "again")
	live := readUntil(t, conn, "data")
	if live.Data != "again" || live.Seq != 3 {
		t.Fatalf("unexpected live data %+v", live)
	}

	if err := conn.WriteJSON(wsClientMessage{Type: "input", Data: "ls\r"}); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if !waitUntil(func() bool {
		w := mgr.writesSnapshot()
		return len(w) == 1 && w[0] == "ls\r"
	}) {
		t.Fatalf("input not forwarded: %q", mgr.writesSnapshot())
	}

	if err := conn.WriteJSON(wsClientMessage{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if pong := readUntil(t, conn, "status"); pong.Event != "pong" {
		t.Fatalf("expected pong, got %+v", pong)
	}
}

func TestSessionWSReplayAfterSeq(t *testing.T) {
	_, mgr, _, ts := newTestServer("")
	defer ts.Close()
	mgr.add("s1")
	mgr.emit("s1", "a")
	mgr.emit("s1", "b")
	mgr.emit("s1", "c")

	conn := dialWS(t, wsURL(ts.URL, "/ws/session/s1?after=1"))
	readUntil(t, conn, "status")

	first := readServerMessage(t, conn)
	second := readServerMessage(t, conn)
	if first.Data != "b" || first.Seq != 2 || second.Data != "c" || second.Seq != 3 {
		t.Fatalf("unexpected replay %+v %+v", first, second)
	}
}

func TestSessionWSRecoversFromGap(t *testing.T) {
	_, mgr, _, ts := newTestServer("")
	defer ts.Close()
	mgr.add("s1")

	conn := dialWS(t, wsURL(ts.URL, "/ws/session/s1"))
	readUntil(t, conn, "state")

	// seq 1 is never published; seq 2 arrives first.
	mgr.appendOnly("s1", "missed ")
	mgr.emit("s1", "seen")

	first := readUntil(t, conn, "data")
	second := readUntil(t, conn, "data")
	if first.Seq != 1 || first.Data != "missed " || second.Seq != 2 || second.Data != "seen" {
		t.Fatalf("gap not recovered in order: %+v %+v", first, second)
	}
}

func TestSessionWSClosesOnExit(t *testing.T) {
	_, mgr, _, ts := newTestServer("")
	defer ts.Close()
	mgr.add("s1")

	conn := dialWS(t, wsURL(ts.URL, "/ws/session/s1"))
	readUntil(t, conn, "state")

	code := 7
	mgr.hub.Publish(session.Event{Type: session.EventStateChange, SessionID: "s1", State: termstate.StateDead, PrevState: termstate.StateAttention})
	mgr.hub.Publish(session.Event{Type: session.EventExit, SessionID: "s1", ExitCode: &code})

	st := readUntil(t, conn, "state")
	if st.State != termstate.StateDead || st.PrevState != termstate.StateAttention {
		t.Fatalf("unexpected state %+v", st)
	}
	exit := readUntil(t, conn, "exit")
	if exit.ExitCode == nil || *exit.ExitCode != 7 {
		t.Fatalf("unexpected exit %+v", exit)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestSessionWSUnknownSession(t *testing.T) {
	_, _, _, ts := newTestServer("")
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/session/nope"), nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}

func TestSessionWSRequiresToken(t *testing.T) {
	_, mgr, _, ts := newTestServer("tok")
	defer ts.Close()
	mgr.add("s1")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/session/s1"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got err=%v resp=%+v", err, resp)
	}
	conn := dialWS(t, wsURL(ts.URL, "/ws/session/s1?token=tok"))
	readUntil(t, conn, "status")
}

func TestEventsWSFiltersBySession(t *testing.T) {
	_, mgr, _, ts := newTestServer("")
	defer ts.Close()
	mgr.add("a")
	mgr.add("b")

	conn := dialWS(t, wsURL(ts.URL, "/ws/events?session=b"))
	if !waitUntil(func() bool { return mgr.hub.Subscribers() > 0 }) {
		t.Fatal("events socket never subscribed")
	}

	mgr.emit("a", "ignored")
	mgr.hub.Publish(session.Event{Type: session.EventPromptDetected, SessionID: "b", Prompt: &adapter.PromptInfo{Kind: adapter.PromptPermission, Text: "Continue? (y/n)"}})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev session.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.SessionID != "b" || ev.Type != session.EventPromptDetected || ev.Prompt == nil || ev.Prompt.Text != "Continue? (y/n)" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
