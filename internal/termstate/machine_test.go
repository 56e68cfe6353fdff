package termstate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type change struct {
	next, prev State
}

type recorder struct {
	mu      sync.Mutex
	changes []change
}

func (r *recorder) onChange(_ string, next, prev State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{next, prev})
}

func (r *recorder) snapshot() []change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]change(nil), r.changes...)
}

func fastPolicy() Policy {
	return Policy{
		Edges:   map[Edge]time.Duration{{From: StateRunning, To: StateAttention}: 80 * time.Millisecond},
		Default: 20 * time.Millisecond,
	}
}

func TestPolicyTable(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Duration(0), p.Delay(StateAttention, StateRunning))
	assert.Equal(t, time.Duration(0), p.Delay(StateStarting, StateRunning))
	assert.Equal(t, 500*time.Millisecond, p.Delay(StateRunning, StateAttention))
	assert.Equal(t, 100*time.Millisecond, p.Delay(StateStarting, StateAttention))
	assert.Equal(t, 100*time.Millisecond, p.Delay(StateRunning, StateError))
	assert.Equal(t, time.Duration(0), p.Delay(StateRunning, StateDead))
}

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed(StateStarting, StateAttention))
	assert.True(t, Allowed(StateError, StateRunning))
	assert.True(t, Allowed(StateAttention, StateDead))
	assert.False(t, Allowed(StateDead, StateRunning))
	assert.False(t, Allowed(StateRunning, StateStarting))
	assert.False(t, Allowed(StateRunning, StateRunning))
}

func TestEnterRunningIsImmediate(t *testing.T) {
	rec := &recorder{}
	m := NewMachine("s1", fastPolicy(), rec.onChange)
	m.Request(StateRunning)
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, []change{{StateRunning, StateStarting}}, rec.snapshot())
}

func TestRunningToAttentionDebounced(t *testing.T) {
	rec := &recorder{}
	m := NewMachine("s1", fastPolicy(), rec.onChange)
	m.Request(StateRunning)

	// A momentary gap: attention requested, then work resumes inside the window.
	m.Request(StateAttention)
	time.Sleep(20 * time.Millisecond)
	m.Request(StateRunning)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateRunning, m.State())
	assert.Len(t, rec.snapshot(), 1)

	// A gap that outlasts the window.
	m.Request(StateAttention)
	require.Eventually(t, func() bool { return m.State() == StateAttention }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []change{{StateRunning, StateStarting}, {StateAttention, StateRunning}}, rec.snapshot())
}

func TestRepeatedRequestKeepsTimer(t *testing.T) {
	m := NewMachine("s1", fastPolicy(), nil)
	m.Request(StateRunning)
	start := time.Now()
	m.Request(StateAttention)
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		m.Request(StateAttention)
	}
	require.Eventually(t, func() bool { return m.State() == StateAttention }, time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLatestRequestWins(t *testing.T) {
	rec := &recorder{}
	m := NewMachine("s1", fastPolicy(), rec.onChange)
	m.Request(StateError)
	m.Request(StateAttention)
	target, ok := m.Pending()
	require.True(t, ok)
	assert.Equal(t, StateAttention, target)

	require.Eventually(t, func() bool { return m.State() == StateAttention }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, []change{{StateAttention, StateStarting}}, rec.snapshot())
}

func TestDeadIsTerminal(t *testing.T) {
	rec := &recorder{}
	m := NewMachine("s1", fastPolicy(), rec.onChange)
	m.Request(StateRunning)
	m.Request(StateAttention)
	m.Request(StateDead)
	assert.Equal(t, StateDead, m.State())

	m.Request(StateRunning)
	assert.False(t, m.Force(StateAttention))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDead, m.State())
	assert.Equal(t, []change{{StateRunning, StateStarting}, {StateDead, StateRunning}}, rec.snapshot())
}

func TestForceAndStop(t *testing.T) {
	rec := &recorder{}
	m := NewMachine("s1", fastPolicy(), rec.onChange)
	m.Request(StateRunning)
	assert.True(t, m.Force(StateAttention))
	assert.False(t, m.Force(StateAttention))

	m.Request(StateError)
	m.Stop()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateAttention, m.State())
	assert.False(t, m.Force(StateDead))
}
