package web

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/session"
	"github.com/asheshgoplani/termdeck/internal/statedb"
	"github.com/asheshgoplani/termdeck/internal/termbuf"
	"github.com/asheshgoplani/termdeck/internal/termquery"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

type fakeSession struct {
	buf   *termbuf.Buffer
	state termstate.State
	mode  adapter.Mode
}

type fakeManager struct {
	hub *session.Hub

	mu       sync.Mutex
	sessions map[string]*fakeSession
	creates  []session.CreateRequest
	writes   []string
	resizes  [][2]int
	theme    termquery.Theme
}

func newFakeManager() *fakeManager {
	return &fakeManager{hub: session.NewHub(), sessions: make(map[string]*fakeSession)}
}

func (f *fakeManager) add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = &fakeSession{buf: termbuf.New(1024), state: termstate.StateAttention, mode: adapter.ModeShell}
}

// emit appends to the buffer and publishes the data event.
func (f *fakeManager) emit(id, data string) uint64 {
	seq := f.appendOnly(id, data)
	f.hub.Publish(session.Event{Type: session.EventData, SessionID: id, Data: data, Seq: seq})
	return seq
}

// appendOnly simulates a data event the subscriber missed.
func (f *fakeManager) appendOnly(id, data string) uint64 {
	f.mu.Lock()
	s := f.sessions[id]
	f.mu.Unlock()
	return s.buf.Append(data)
}

func (f *fakeManager) get(id string) (*fakeSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeManager) Create(_ context.Context, req session.CreateRequest) error {
	if req.Mode == "bogus" {
		return fmt.Errorf("%w %q", adapter.ErrUnknownMode, req.Mode)
	}
	f.mu.Lock()
	f.creates = append(f.creates, req)
	f.mu.Unlock()
	f.add(req.SessionID)
	return nil
}

func (f *fakeManager) Write(id, data string) bool {
	if _, ok := f.get(id); !ok {
		return false
	}
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	return true
}

func (f *fakeManager) writesSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeManager) Resize(id string, cols, rows int) bool {
	if _, ok := f.get(id); !ok {
		return false
	}
	f.mu.Lock()
	f.resizes = append(f.resizes, [2]int{cols, rows})
	f.mu.Unlock()
	return true
}

func (f *fakeManager) Kill(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	delete(f.sessions, id)
	return ok
}

func (f *fakeManager) Exists(id string) bool {
	_, ok := f.get(id)
	return ok
}

func (f *fakeManager) GetBuffer(id string) (string, bool) {
	s, ok := f.get(id)
	if !ok {
		return "", false
	}
	return s.buf.String(), true
}

func (f *fakeManager) GetBufferSince(id string, after uint64) ([]termbuf.Chunk, uint64, bool) {
	s, ok := f.get(id)
	if !ok {
		return nil, 0, false
	}
	chunks, cur := s.buf.ChunksSince(after)
	return chunks, cur, true
}

func (f *fakeManager) ClearBuffer(id string) (uint64, bool) {
	s, ok := f.get(id)
	if !ok {
		return 0, false
	}
	return s.buf.Clear(), true
}

func (f *fakeManager) List() []session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Info, 0, len(f.sessions))
	for id, s := range f.sessions {
		out = append(out, session.Info{SessionID: id, TaskID: session.TaskIDFromSessionID(id), Mode: s.mode, State: s.state})
	}
	return out
}

func (f *fakeManager) GetState(id string) (termstate.State, bool) {
	s, ok := f.get(id)
	if !ok {
		return "", false
	}
	return s.state, true
}

func (f *fakeManager) Validate(mode adapter.Mode) ([]adapter.ValidationCheck, error) {
	if mode != adapter.ModeShell {
		return nil, fmt.Errorf("%w %q", adapter.ErrUnknownMode, mode)
	}
	return []adapter.ValidationCheck{{Check: "shell", OK: true, Detail: "/bin/sh"}}, nil
}

func (f *fakeManager) SetTheme(t termquery.Theme) error {
	if err := t.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.theme = t.Merge(f.theme)
	f.mu.Unlock()
	return nil
}

func (f *fakeManager) Events() *session.Hub { return f.hub }

type fakeStore struct {
	mu    sync.Mutex
	prefs map[string]bool
	subs  map[string]statedb.PushSubscriptionRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{prefs: map[string]bool{}, subs: map[string]statedb.PushSubscriptionRow{}}
}

func (s *fakeStore) BoolPreference(key string, def bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.prefs[key]; ok {
		return v
	}
	return def
}

func (s *fakeStore) SetBoolPreference(key string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[key] = v
	return nil
}

func (s *fakeStore) UpsertPushSubscription(sub statedb.PushSubscriptionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.Endpoint] = sub
	return nil
}

func (s *fakeStore) RemovePushSubscription(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, endpoint)
	return nil
}

func (s *fakeStore) ListPushSubscriptions() ([]statedb.PushSubscriptionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]statedb.PushSubscriptionRow, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out, nil
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func newTestServer(token string) (*Server, *fakeManager, *fakeStore, *httptest.Server) {
	mgr := newFakeManager()
	store := newFakeStore()
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", Token: token, VAPIDPublicKey: "pub-key", NotificationsDefault: true}, mgr, store)
	return srv, mgr, store, httptest.NewServer(srv.Handler())
}
