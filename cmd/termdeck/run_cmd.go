package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/session"
	"github.com/asheshgoplani/termdeck/internal/statedb"
)

// ctrlQ detaches from a local session and kills it.
const ctrlQ = 17

type runOptions struct {
	mode     adapter.Mode
	cwd      string
	codeMode bool
	resume   string
	prompt   string
	extra    []string
}

func parseRunFlags(args []string, registry *adapter.Registry) (runOptions, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	codeMode := fs.Bool("code-mode", false, "Launch the agent with its auto-approve flags")
	resume := fs.String("resume", "", "Resume an existing conversation id")
	prompt := fs.String("prompt", "", "Initial prompt passed to the agent")

	fs.Usage = func() {
		fmt.Println("Usage: termdeck run <mode> [dir] [options] [-- extra agent args]")
		fmt.Println()
		fmt.Println("Start one managed session and attach this terminal to it.")
		fmt.Println("Press Ctrl+Q to detach; the session is killed on detach.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return runOptions{}, err
	}
	pos := fs.Args()
	if len(pos) == 0 {
		fs.Usage()
		return runOptions{}, fmt.Errorf("mode is required")
	}

	mode := adapter.Mode(pos[0])
	if _, err := registry.Get(mode); err != nil {
		return runOptions{}, err
	}

	var dirArg string
	extra := pos[1:]
	if len(extra) > 0 {
		dirArg, extra = extra[0], extra[1:]
	}
	cwd, err := expandPath(dirArg)
	if err != nil {
		return runOptions{}, err
	}

	return runOptions{
		mode:     mode,
		cwd:      cwd,
		codeMode: *codeMode,
		resume:   *resume,
		prompt:   *prompt,
		extra:    extra,
	}, nil
}

func handleRun(args []string) int {
	cfg, cfgErr := session.LoadUserConfig()
	registry := adapter.NewRegistry(cfg.AdapterOptions())

	opts, err := parseRunFlags(args, registry)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", cfgErr)
	}

	dir, err := session.GetTermdeckDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	initLogging(dir, false)
	defer logging.Shutdown()
	defer crashGuard(dir)

	deps := session.Deps{Theme: session.ResolveTheme()}
	if db, err := statedb.Open(filepath.Join(dir, "state.db")); err == nil {
		defer db.Close()
		if err := db.Migrate(); err == nil {
			deps.Store = db
		}
	} else {
		cliLog.Warn("statedb_unavailable", slog.String("error", err.Error()))
	}

	mgr := session.NewManager(cfg.ManagerConfig(), registry, deps)
	mgr.Start()
	defer mgr.Close()

	req := session.CreateRequest{
		SessionID:              fmt.Sprintf("run-%d:%s", os.Getpid(), opts.mode),
		Cwd:                    opts.cwd,
		Mode:                   opts.mode,
		ExistingConversationID: opts.resume,
		InitialPrompt:          opts.prompt,
		CodeMode:               opts.codeMode,
		ExtraArgs:              opts.extra,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	code, err := attachLocal(ctx, mgr, req, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return code
}

// attachLocal creates the session and mirrors it onto the local terminal
// until it exits or the user detaches. It returns the process exit code.
func attachLocal(ctx context.Context, mgr *session.Manager, req session.CreateRequest, in *os.File, out io.Writer) (int, error) {
	events, unsubscribe := mgr.Events().Subscribe(1024)
	defer unsubscribe()

	fd := int(in.Fd())
	if ws, err := pty.GetsizeFull(in); err == nil {
		req.Cols, req.Rows = int(ws.Cols), int(ws.Rows)
	}
	if err := mgr.Create(ctx, req); err != nil {
		return 1, err
	}
	id := req.SessionID

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		mgr.Kill(id)
		return 1, fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer func() { _ = term.Restore(fd, oldState) }()

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	defer signal.Stop(sigwinch)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigwinch:
				if ws, err := pty.GetsizeFull(in); err == nil {
					mgr.Resize(id, int(ws.Cols), int(ws.Rows))
				}
			}
		}
	}()

	detached := make(chan struct{})
	// The stdin reader blocks in Read and is not joined; it ends with the process.
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := in.Read(buf)
			if err != nil {
				return
			}
			if n == 1 && buf[0] == ctrlQ {
				close(detached)
				return
			}
			if !mgr.Write(id, string(buf[:n])) {
				return
			}
		}
	}()

	var lastSeq uint64
	catchUp := func() {
		chunks, cur, ok := mgr.GetBufferSince(id, lastSeq)
		if !ok {
			return
		}
		for _, c := range chunks {
			_, _ = io.WriteString(out, c.Data)
		}
		if cur > lastSeq {
			lastSeq = cur
		}
	}

	for {
		select {
		case <-ctx.Done():
			mgr.Kill(id)
			return 130, nil
		case <-detached:
			mgr.Kill(id)
			return 0, nil
		case e, ok := <-events:
			if !ok {
				return 1, errors.New("session manager closed")
			}
			if e.SessionID != id {
				continue
			}
			switch e.Type {
			case session.EventData:
				switch {
				case e.Seq <= lastSeq:
				case e.Seq > lastSeq+1:
					catchUp()
				default:
					lastSeq = e.Seq
					_, _ = io.WriteString(out, e.Data)
				}
			case session.EventExit:
				catchUp()
				if e.ExitCode != nil {
					return *e.ExitCode, nil
				}
				return 0, nil
			}
		}
	}
}
