// Package termbuf holds the bounded, replayable output history of one
// terminal session.
package termbuf

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultCapacity is the byte cap used when New is given a non-positive size.
const DefaultCapacity = 5 * 1024 * 1024

// Chunk is one appended piece of output tagged with its sequence number.
type Chunk struct {
	Seq  uint64 `json:"seq"`
	Data string `json:"data"`
}

// Buffer is a capacity-bounded chunk store. Sequence numbers start at 1, grow
// by one per Append and are never reused, Clear included.
type Buffer struct {
	mu       sync.Mutex
	chunks   []Chunk
	head     int
	size     int
	capacity int
	seq      uint64
}

// New creates a buffer holding at most capacity bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Append stores text and returns its sequence number. Oldest chunks are
// evicted until the total fits. A chunk larger than the whole capacity keeps
// only its tail.
func (b *Buffer) Append(text string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	if text == "" {
		return b.seq
	}
	if len(text) > b.capacity {
		text = tail(text, b.capacity)
	}

	b.chunks = append(b.chunks, Chunk{Seq: b.seq, Data: text})
	b.size += len(text)

	for b.size > b.capacity && b.head < len(b.chunks)-1 {
		b.size -= len(b.chunks[b.head].Data)
		b.chunks[b.head] = Chunk{}
		b.head++
	}
	b.compact()
	return b.seq
}

// compact drops evicted slots once they make up half the backing slice.
func (b *Buffer) compact() {
	if b.head == 0 || b.head < len(b.chunks)/2 {
		return
	}
	live := make([]Chunk, len(b.chunks)-b.head, cap(b.chunks))
	copy(live, b.chunks[b.head:])
	b.chunks = live
	b.head = 0
}

// String returns everything currently retained, for reconnect replay.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	sb.Grow(b.size)
	for _, c := range b.chunks[b.head:] {
		sb.WriteString(c.Data)
	}
	return sb.String()
}

// ChunksSince returns retained chunks with Seq > after, oldest first, and the
// current sequence. A caller whose after is older than the first returned
// Seq minus one has lost output to eviction.
func (b *Buffer) ChunksSince(after uint64) ([]Chunk, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.chunks[b.head:]
	// Seqs are contiguous among retained chunks except for empty appends,
	// so a linear scan from the back is short in the common case.
	i := len(live)
	for i > 0 && live[i-1].Seq > after {
		i--
	}
	out := make([]Chunk, len(live)-i)
	copy(out, live[i:])
	return out, b.seq
}

// CurrentSeq returns the last assigned sequence number (0 before any Append).
func (b *Buffer) CurrentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Clear forgets all chunks and returns the sequence at the time of clearing.
func (b *Buffer) Clear() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = nil
	b.head = 0
	b.size = 0
	return b.seq
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the byte cap.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// tail returns at most n trailing bytes of s without starting mid-rune.
func tail(s string, n int) string {
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
