package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/notify"
	"github.com/asheshgoplani/termdeck/internal/termbuf"
)

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, newFakeManager(), nil)

	rr := doRequest(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok":true`) {
		t.Fatalf("expected health response to contain ok=true, got: %s", rr.Body.String())
	}

	rr = doRequest(t, srv.Handler(), http.MethodPost, "/healthz", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	srv, _, _, ts := newTestServer("secret-token")
	defer ts.Close()
	h := srv.Handler()

	if rr := doRequest(t, h, http.MethodGet, "/api/sessions", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := doRequest(t, h, http.MethodGet, "/api/sessions", "", "Authorization", "Bearer wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}
	if rr := doRequest(t, h, http.MethodGet, "/api/sessions", "", "Authorization", "Bearer secret-token"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rr.Code)
	}
	if rr := doRequest(t, h, http.MethodGet, "/api/sessions?token=secret-token", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", rr.Code)
	}
	// healthz stays open for probes
	if rr := doRequest(t, h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected open healthz, got %d", rr.Code)
	}
}

func TestCreateSession(t *testing.T) {
	srv, mgr, _, ts := newTestServer("")
	defer ts.Close()
	h := srv.Handler()

	rr := doRequest(t, h, http.MethodPost, "/api/sessions",
		`{"sessionId":"task1:claude","cwd":"/tmp","mode":"claude","codeMode":true,"extraArgs":["--verbose"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp createResponse
	decodeBody(t, rr, &resp)
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if len(mgr.creates) != 1 || mgr.creates[0].Mode != adapter.ModeClaude || !mgr.creates[0].CodeMode {
		t.Fatalf("create request not forwarded: %+v", mgr.creates)
	}
	if got := mgr.creates[0].ExtraArgs; len(got) != 1 || got[0] != "--verbose" {
		t.Fatalf("extra args not forwarded: %v", got)
	}

	rr = doRequest(t, h, http.MethodPost, "/api/sessions", `{"sessionId":"x","mode":"bogus"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", rr.Code)
	}
	decodeBody(t, rr, &resp)
	if resp.Success || !strings.Contains(resp.Error, "unknown mode") {
		t.Fatalf("expected unknown mode error, got %+v", resp)
	}

	if rr := doRequest(t, h, http.MethodPost, "/api/sessions", `{`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rr.Code)
	}
	if rr := doRequest(t, h, http.MethodPost, "/api/sessions", `{"cwd":"/tmp"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing id, got %d", rr.Code)
	}
}

func TestSessionCommands(t *testing.T) {
	srv, mgr, _, ts := newTestServer("")
	defer ts.Close()
	h := srv.Handler()
	mgr.add("s1")

	var ok okResponse
	decodeBody(t, doRequest(t, h, http.MethodPost, "/api/sessions/s1/write", `{"data":"ls\r"}`), &ok)
	if !ok.OK || len(mgr.writes) != 1 || mgr.writes[0] != "ls\r" {
		t.Fatalf("write not forwarded: ok=%v writes=%q", ok.OK, mgr.writes)
	}
	decodeBody(t, doRequest(t, h, http.MethodPost, "/api/sessions/missing/write", `{"data":"x"}`), &ok)
	if ok.OK {
		t.Fatal("write to missing session reported ok")
	}

	decodeBody(t, doRequest(t, h, http.MethodPost, "/api/sessions/s1/resize", `{"cols":100,"rows":40}`), &ok)
	if !ok.OK || mgr.resizes[0] != [2]int{100, 40} {
		t.Fatalf("resize not forwarded: %v", mgr.resizes)
	}

	var st sessionStateResponse
	decodeBody(t, doRequest(t, h, http.MethodGet, "/api/sessions/s1", ""), &st)
	if !st.Exists || st.State != "attention" {
		t.Fatalf("unexpected state response %+v", st)
	}

	var list []map[string]any
	decodeBody(t, doRequest(t, h, http.MethodGet, "/api/sessions", ""), &list)
	if len(list) != 1 || list[0]["sessionId"] != "s1" || list[0]["taskId"] != "s1" {
		t.Fatalf("unexpected list %v", list)
	}

	decodeBody(t, doRequest(t, h, http.MethodDelete, "/api/sessions/s1", ""), &ok)
	if !ok.OK {
		t.Fatal("kill reported failure")
	}
	decodeBody(t, doRequest(t, h, http.MethodDelete, "/api/sessions/s1", ""), &ok)
	if ok.OK {
		t.Fatal("second kill reported success")
	}
	decodeBody(t, doRequest(t, h, http.MethodGet, "/api/sessions/s1", ""), &st)
	if st.Exists {
		t.Fatal("killed session still exists")
	}
}

func TestBufferEndpoints(t *testing.T) {
	srv, mgr, _, ts := newTestServer("")
	defer ts.Close()
	h := srv.Handler()
	mgr.add("s1")
	mgr.emit("s1", "one ")
	mgr.emit("s1", "two ")
	mgr.emit("s1", "three")

	var buf bufferResponse
	decodeBody(t, doRequest(t, h, http.MethodGet, "/api/sessions/s1/buffer", ""), &buf)
	if buf.Buffer != "one two three" {
		t.Fatalf("unexpected buffer %q", buf.Buffer)
	}

	var since bufferSinceResponse
	decodeBody(t, doRequest(t, h, http.MethodGet, "/api/sessions/s1/buffer?after=1", ""), &since)
	if since.CurrentSeq != 3 || len(since.Chunks) != 2 || since.Chunks[0] != (termbuf.Chunk{Seq: 2, Data: "two "}) {
		t.Fatalf("unexpected since response %+v", since)
	}

	decodeBody(t, doRequest(t, h, http.MethodGet, "/api/sessions/s1/buffer?after=3", ""), &since)
	if since.Chunks == nil || len(since.Chunks) != 0 {
		t.Fatalf("expected empty chunk list, got %+v", since.Chunks)
	}

	if rr := doRequest(t, h, http.MethodGet, "/api/sessions/s1/buffer?after=-1", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad after, got %d", rr.Code)
	}
	if rr := doRequest(t, h, http.MethodGet, "/api/sessions/nope/buffer", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	var cleared clearResponse
	decodeBody(t, doRequest(t, h, http.MethodPost, "/api/sessions/s1/clear", ""), &cleared)
	if !cleared.Success || cleared.ClearedSeq != 3 {
		t.Fatalf("unexpected clear response %+v", cleared)
	}
	if seq := mgr.emit("s1", "four"); seq != 4 {
		t.Fatalf("seq reused after clear: %d", seq)
	}
	if rr := doRequest(t, h, http.MethodPost, "/api/sessions/nope/clear", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 clearing missing session, got %d", rr.Code)
	}
}

func TestValidateAndTheme(t *testing.T) {
	srv, mgr, _, ts := newTestServer("")
	defer ts.Close()
	h := srv.Handler()

	var checks []adapter.ValidationCheck
	decodeBody(t, doRequest(t, h, http.MethodGet, "/api/validate/shell", ""), &checks)
	if len(checks) != 1 || checks[0].Check != "shell" || !checks[0].OK {
		t.Fatalf("unexpected checks %+v", checks)
	}
	if rr := doRequest(t, h, http.MethodGet, "/api/validate/nope", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", rr.Code)
	}

	if rr := doRequest(t, h, http.MethodPut, "/api/theme", `{"background":"#101010"}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for theme, got %d", rr.Code)
	}
	if mgr.theme.Background != "#101010" {
		t.Fatalf("theme not applied: %+v", mgr.theme)
	}
	if rr := doRequest(t, h, http.MethodPut, "/api/theme", `{"foreground":"nope"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid color, got %d", rr.Code)
	}
}

func TestNotificationPreference(t *testing.T) {
	srv, _, store, ts := newTestServer("")
	defer ts.Close()
	h := srv.Handler()

	var pref notificationPref
	decodeBody(t, doRequest(t, h, http.MethodGet, "/api/preferences/notifications", ""), &pref)
	if pref.Enabled == nil || !*pref.Enabled {
		t.Fatalf("expected default enabled, got %+v", pref)
	}

	if rr := doRequest(t, h, http.MethodPut, "/api/preferences/notifications", `{"enabled":false}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if store.BoolPreference(notify.PrefNotificationsEnabled, true) {
		t.Fatal("preference not persisted")
	}
	if rr := doRequest(t, h, http.MethodPut, "/api/preferences/notifications", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without enabled, got %d", rr.Code)
	}

	noStore := NewServer(Config{}, newFakeManager(), nil)
	if rr := doRequest(t, noStore.Handler(), http.MethodGet, "/api/preferences/notifications", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without store, got %d", rr.Code)
	}
}

func TestPushSubscription(t *testing.T) {
	srv, _, store, ts := newTestServer("")
	defer ts.Close()
	h := srv.Handler()

	var cfg pushConfigResponse
	decodeBody(t, doRequest(t, h, http.MethodGet, "/api/push/config", ""), &cfg)
	if !cfg.Enabled || cfg.VAPIDPublicKey != "pub-key" {
		t.Fatalf("unexpected push config %+v", cfg)
	}

	body := `{"endpoint":" https://push.example/abc ","keys":{"p256dh":"key","auth":"secret"}}`
	if rr := doRequest(t, h, http.MethodPost, "/api/push/subscribe", body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	subs, _ := store.ListPushSubscriptions()
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/abc" || subs[0].Auth != "secret" {
		t.Fatalf("subscription not stored: %+v", subs)
	}

	if rr := doRequest(t, h, http.MethodPost, "/api/push/subscribe", `{"endpoint":"x"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing keys, got %d", rr.Code)
	}

	if rr := doRequest(t, h, http.MethodPost, "/api/push/unsubscribe", `{"endpoint":"https://push.example/abc"}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if subs, _ := store.ListPushSubscriptions(); len(subs) != 0 {
		t.Fatalf("subscription not removed: %+v", subs)
	}

	disabled := NewServer(Config{}, newFakeManager(), newFakeStore())
	if rr := doRequest(t, disabled.Handler(), http.MethodPost, "/api/push/subscribe", body); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without VAPID key, got %d", rr.Code)
	}
}
