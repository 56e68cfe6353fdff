package session

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
)

// Resize bounds.
const (
	MinDimension = 1
	MaxDimension = 500

	DefaultCols = 120
	DefaultRows = 32
)

const readBufferSize = 32 * 1024

// process is one OS child attached to a PTY. pty.Start puts the child in
// its own session, so pid is also the process group id.
type process struct {
	cmd     *exec.Cmd
	pty     *os.File
	args    []string
	started time.Time

	writeMu sync.Mutex

	done     chan struct{}
	exitCode int

	exitOnce  sync.Once
	closeOnce sync.Once
}

// spawn starts shell with args in cwd on a new PTY of the given size.
func spawn(shell string, args []string, cwd string, env []string, cols, rows uint16) (*process, error) {
	cmd := exec.Command(shell, args...)
	cmd.Dir = cwd
	cmd.Env = env

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	p := &process{
		cmd:     cmd,
		pty:     f,
		args:    append([]string(nil), args...),
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *process) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	p.exitCode = code
	close(p.done)
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// exited reports whether the child is gone, either reaped by wait or no
// longer signalable.
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
	}
	pid := p.pid()
	if pid <= 0 {
		return true
	}
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

// code returns the exit status once done is closed, -1 before.
func (p *process) code() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

func (p *process) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.pty.Write(data)
	return err
}

func (p *process) resize(cols, rows uint16) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return pty.Setsize(p.pty, &pty.Winsize{Cols: cols, Rows: rows})
}

// kill sends SIGKILL to the whole process group so grandchildren started
// by the shell die too, then closes the PTY.
func (p *process) kill() {
	if pid := p.pid(); pid > 0 {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = p.cmd.Process.Kill()
		}
	}
	p.close()
}

func (p *process) close() {
	p.closeOnce.Do(func() { _ = p.pty.Close() })
}

// readLoop delivers PTY output to onData in order until the PTY closes.
// Incomplete trailing UTF-8 sequences are held for the next read.
func (p *process) readLoop(onData func(string)) {
	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			complete, rest := splitUTF8Tail(data)
			carry = append([]byte(nil), rest...)
			if len(complete) > 0 {
				onData(string(complete))
			}
		}
		if err != nil {
			if len(carry) > 0 {
				onData(string(carry))
			}
			return
		}
	}
}

// splitUTF8Tail splits b before a trailing rune that is not yet complete.
func splitUTF8Tail(b []byte) (complete, tail []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

func clampDimension(v int) uint16 {
	if v < MinDimension {
		return MinDimension
	}
	if v > MaxDimension {
		return MaxDimension
	}
	return uint16(v)
}

// withoutLoginFlag returns args minus the login flag and whether it was
// present.
func withoutLoginFlag(args []string, flag string) ([]string, bool) {
	out := make([]string, 0, len(args))
	found := false
	for _, a := range args {
		if a == flag {
			found = true
			continue
		}
		out = append(out, a)
	}
	return out, found
}
