// Package notify raises and dismisses one notification per session as it
// enters and leaves the attention state.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

var notifyLog = logging.ForComponent(logging.CompNotify)

// PrefNotificationsEnabled is the statedb preference gating Show.
const PrefNotificationsEnabled = "notifications.enabled"

const (
	defaultQueueSize   = 64
	defaultSinkTimeout = 10 * time.Second
)

// Notification is what a sink displays.
type Notification struct {
	SessionID string
	TaskID    string
	Title     string
	Body      string
}

// Sink displays notifications. Dismiss for a session with nothing shown is
// a no-op.
type Sink interface {
	Name() string
	Show(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context, sessionID string) error
}

// Prefs reads persisted preferences. *statedb.StateDB satisfies it.
type Prefs interface {
	BoolPreference(key string, def bool) bool
}

// Options configures a Bridge.
type Options struct {
	// DefaultEnabled applies when the preference has never been set.
	DefaultEnabled bool
	// Every and Burst bound how often Show reaches the sinks.
	Every time.Duration
	Burst int
	// Labeler names a session in the notification title.
	Labeler func(sessionID string) string
}

type jobKind int

const (
	jobShow jobKind = iota
	jobDismiss
)

type job struct {
	kind jobKind
	n    Notification
}

// Bridge turns state transitions into sink calls. OnTransition never
// blocks: work is queued to one worker goroutine and dropped when the
// queue is full.
type Bridge struct {
	sinks   []Sink
	prefs   Prefs
	opts    Options
	limiter *rate.Limiter

	mu     sync.Mutex
	active map[string]bool

	queue    chan job
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewBridge creates a bridge. prefs may be nil, in which case
// DefaultEnabled decides.
func NewBridge(prefs Prefs, opts Options, sinks ...Sink) *Bridge {
	if opts.Every <= 0 {
		opts.Every = time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	return &Bridge{
		sinks:   sinks,
		prefs:   prefs,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.Every), opts.Burst),
		active:  make(map[string]bool),
		queue:   make(chan job, defaultQueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the worker.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop ends the worker; queued jobs are discarded.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

// Enabled reports the current preference.
func (b *Bridge) Enabled() bool {
	if b.prefs == nil {
		return b.opts.DefaultEnabled
	}
	return b.prefs.BoolPreference(PrefNotificationsEnabled, b.opts.DefaultEnabled)
}

// OnTransition applies the notification rules for one stable transition:
// running -> attention shows, leaving attention or dying dismisses.
func (b *Bridge) OnTransition(sessionID string, next, prev termstate.State) {
	switch {
	case prev == termstate.StateRunning && next == termstate.StateAttention:
		b.show(sessionID)
	case prev == termstate.StateAttention || next == termstate.StateDead:
		b.dismiss(sessionID)
	}
}

// OnExit dismisses any notification left for a finished session.
func (b *Bridge) OnExit(sessionID string) {
	b.dismiss(sessionID)
}

// Active reports whether a notification is currently shown for sessionID.
func (b *Bridge) Active(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[sessionID]
}

func (b *Bridge) show(sessionID string) {
	b.mu.Lock()
	if b.active[sessionID] {
		b.mu.Unlock()
		return
	}
	if !b.limiter.Allow() {
		b.mu.Unlock()
		logging.Aggregate(logging.CompNotify, "notification_rate_limited")
		return
	}
	b.active[sessionID] = true
	b.mu.Unlock()

	b.enqueue(job{kind: jobShow, n: b.compose(sessionID)})
}

func (b *Bridge) dismiss(sessionID string) {
	b.mu.Lock()
	if !b.active[sessionID] {
		b.mu.Unlock()
		return
	}
	delete(b.active, sessionID)
	b.mu.Unlock()

	b.enqueue(job{kind: jobDismiss, n: Notification{SessionID: sessionID}})
}

func (b *Bridge) compose(sessionID string) Notification {
	taskID, _, _ := strings.Cut(sessionID, ":")
	label := taskID
	if b.opts.Labeler != nil {
		if l := b.opts.Labeler(sessionID); l != "" {
			label = l
		}
	}
	return Notification{
		SessionID: sessionID,
		TaskID:    taskID,
		Title:     label + " needs your attention",
		Body:      "Session " + sessionID + " is waiting for input",
	}
}

func (b *Bridge) enqueue(j job) {
	select {
	case b.queue <- j:
	default:
		logging.Aggregate(logging.CompNotify, "notification_dropped")
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case j := <-b.queue:
			b.deliver(j)
		}
	}
}

func (b *Bridge) deliver(j job) {
	// The preference is read here so OnTransition never touches the store.
	if j.kind == jobShow && !b.Enabled() {
		b.mu.Lock()
		delete(b.active, j.n.SessionID)
		b.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultSinkTimeout)
	defer cancel()

	for _, s := range b.sinks {
		var err error
		switch j.kind {
		case jobShow:
			err = s.Show(ctx, j.n)
		case jobDismiss:
			err = s.Dismiss(ctx, j.n.SessionID)
		}
		if err != nil {
			notifyLog.Warn("sink_failed",
				slog.String("sink", s.Name()),
				slog.String("session_id", j.n.SessionID),
				slog.String("error", err.Error()))
		}
	}
}
