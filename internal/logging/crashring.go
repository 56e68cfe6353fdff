package logging

import (
	"os"
	"sync"
)

// CrashRing keeps the last N bytes of log output so they can be written out
// after a panic. It implements io.Writer.
type CrashRing struct {
	mu   sync.Mutex
	data []byte
	next int
	full bool
}

// NewCrashRing creates a ring holding size bytes.
func NewCrashRing(size int) *CrashRing {
	if size <= 0 {
		size = 1024
	}
	return &CrashRing{data: make([]byte, size)}
}

func (r *CrashRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	size := len(r.data)
	if n >= size {
		copy(r.data, p[n-size:])
		r.next = 0
		r.full = true
		return n, nil
	}

	first := copy(r.data[r.next:], p)
	if first < n {
		copy(r.data, p[first:])
		r.full = true
	}
	r.next = (r.next + n) % size
	if r.next == 0 {
		r.full = true
	}
	return n, nil
}

// Bytes returns the retained output oldest first.
func (r *CrashRing) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]byte(nil), r.data[:r.next]...)
	}
	out := make([]byte, 0, len(r.data))
	out = append(out, r.data[r.next:]...)
	return append(out, r.data[:r.next]...)
}

// DumpToFile writes Bytes to path.
func (r *CrashRing) DumpToFile(path string) error {
	return os.WriteFile(path, r.Bytes(), 0o600)
}
