package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FanOut(t *testing.T) {
	h := NewHub()
	a, unsubA := h.Subscribe(4)
	b, unsubB := h.Subscribe(4)
	defer unsubA()
	defer unsubB()

	h.Publish(Event{Type: EventData, SessionID: "s1", Data: "hi", Seq: 1})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, EventData, e.Type)
			assert.Equal(t, "hi", e.Data)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestHub_FullSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Event{Type: EventData, Seq: uint64(i + 1)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	e := <-ch
	assert.Equal(t, uint64(1), e.Seq)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe(0)
	require.Equal(t, 1, h.Subscribers())

	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe(0)
	h.Close()
	_, ok := <-ch
	assert.False(t, ok)
	unsub()

	late, _ := h.Subscribe(0)
	_, ok = <-late
	assert.False(t, ok)
	h.Publish(Event{Type: EventData})
}
