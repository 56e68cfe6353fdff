package termstate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/termdeck/internal/logging"
)

var stateLog = logging.ForComponent(logging.CompState)

// DefaultIdleCheckInterval is how often the idle sweep runs.
const DefaultIdleCheckInterval = 10 * time.Second

// IdleCandidate is a live session as seen by the idle sweep.
type IdleCandidate struct {
	ID          string
	State       State
	LastOutput  time.Time
	IdleTimeout time.Duration
}

// IdleSource supplies sessions to sweep and applies the result.
type IdleSource interface {
	IdleCandidates() []IdleCandidate
	ForceAttention(id string)
}

// IdleChecker forces running sessions whose output has been quiet for longer
// than their idle timeout into attention.
type IdleChecker struct {
	src      IdleSource
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewIdleChecker creates a checker; a non-positive interval uses the default.
func NewIdleChecker(src IdleSource, interval time.Duration) *IdleChecker {
	if interval <= 0 {
		interval = DefaultIdleCheckInterval
	}
	return &IdleChecker{src: src, interval: interval, stop: make(chan struct{})}
}

// Start launches the sweep loop.
func (c *IdleChecker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				c.Sweep(now)
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight sweep.
func (c *IdleChecker) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// Sweep runs one pass at now and returns the ids it forced.
func (c *IdleChecker) Sweep(now time.Time) []string {
	var forced []string
	for _, cand := range c.src.IdleCandidates() {
		if cand.State != StateRunning || cand.IdleTimeout <= 0 {
			continue
		}
		idle := now.Sub(cand.LastOutput)
		if idle <= cand.IdleTimeout {
			continue
		}
		stateLog.Debug("idle_timeout",
			slog.String("session_id", cand.ID),
			slog.Duration("idle", idle),
			slog.Duration("timeout", cand.IdleTimeout))
		c.src.ForceAttention(cand.ID)
		forced = append(forced, cand.ID)
	}
	return forced
}
