package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCrashRingKeepsTail(t *testing.T) {
	r := NewCrashRing(8)
	_, _ = r.Write([]byte("abcd"))
	if got := string(r.Bytes()); got != "abcd" {
		t.Fatalf("got %q", got)
	}
	_, _ = r.Write([]byte("efghij"))
	if got := string(r.Bytes()); got != "cdefghij" {
		t.Fatalf("got %q, want cdefghij", got)
	}
}

func TestCrashRingOversizedWrite(t *testing.T) {
	r := NewCrashRing(4)
	_, _ = r.Write([]byte("0123456789"))
	if got := string(r.Bytes()); got != "6789" {
		t.Fatalf("got %q", got)
	}
}

func TestCrashRingDump(t *testing.T) {
	r := NewCrashRing(16)
	_, _ = r.Write([]byte("panic context"))
	path := filepath.Join(t.TempDir(), "crash.log")
	if err := r.DumpToFile(path); err != nil {
		t.Fatalf("dump: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "panic context" {
		t.Fatalf("got %q", data)
	}
}
