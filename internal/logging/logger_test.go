package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesComponentRecords(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, Level: "debug"})
	defer Shutdown()

	ForComponent(CompSession).Info("session_spawned", slog.String("session_id", "t1:a"))
	Shutdown()

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"component":"session"`) {
		t.Fatalf("component attr missing: %s", out)
	}
	if !strings.Contains(out, "session_spawned") {
		t.Fatalf("message missing: %s", out)
	}
}

func TestLoggerBeforeInitIsUsable(t *testing.T) {
	Shutdown()
	Logger().Info("ignored")
	ForComponent(CompWeb).Warn("ignored")
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	ForComponent(CompState).Info("hidden")
	ForComponent(CompState).Warn("shown")
	Shutdown()

	data, _ := os.ReadFile(filepath.Join(dir, "debug.log"))
	if strings.Contains(string(data), "hidden") {
		t.Fatalf("info record should be filtered at warn level")
	}
	if !strings.Contains(string(data), "shown") {
		t.Fatalf("warn record missing")
	}
}

func TestBridgeWriter(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	l := NewStdLogger(CompWeb, slog.LevelWarn)
	l.Printf("http: TLS handshake error from %s", "127.0.0.1")
	Shutdown()

	data, _ := os.ReadFile(filepath.Join(dir, "debug.log"))
	if !strings.Contains(string(data), "TLS handshake error") {
		t.Fatalf("bridged record missing: %s", data)
	}
}
