package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/notify"
	"github.com/asheshgoplani/termdeck/internal/platform"
	"github.com/asheshgoplani/termdeck/internal/session"
	"github.com/asheshgoplani/termdeck/internal/statedb"
	"github.com/asheshgoplani/termdeck/internal/termquery"
	"github.com/asheshgoplani/termdeck/internal/web"
)

const shutdownTimeout = 5 * time.Second

var cliLog = logging.ForComponent(logging.CompCLI)

type serveOptions struct {
	listen  string
	token   string
	noPush  bool
	verbose bool
}

func parseServeFlags(args []string) (serveOptions, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", "", "Listen address (default from [server].listen, then 127.0.0.1:7420)")
	token := fs.String("token", "", "Bearer token for API/WS access (default from [server].token)")
	noPush := fs.Bool("no-push", false, "Disable web push even when [notifications].web_push is set")
	verbose := fs.Bool("verbose", false, "Mirror logs to stderr")

	fs.Usage = func() {
		fmt.Println("Usage: termdeck serve [options]")
		fmt.Println()
		fmt.Println("Run the session manager and expose it over HTTP and WebSocket.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return serveOptions{}, err
	}
	if fs.NArg() > 0 {
		return serveOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	server := session.GetServerSettings()
	return serveOptions{
		listen:  firstNonEmpty(*listen, server.Listen),
		token:   firstNonEmpty(*token, server.Token),
		noPush:  *noPush,
		verbose: *verbose,
	}, nil
}

// controlEndpoint derives the port and URL children use to reach the API.
func controlEndpoint(listen string) (int, string) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, ""
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return port, "http://" + net.JoinHostPort(host, portStr)
}

func handleServe(args []string) int {
	cfg, cfgErr := session.LoadUserConfig()
	opts, err := parseServeFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	dir, err := session.GetTermdeckDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	initLogging(dir, opts.verbose)
	defer logging.Shutdown()
	defer crashGuard(dir)

	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", cfgErr)
	}

	if err := runServer(dir, cfg, opts); err != nil {
		cliLog.Error("serve_failed", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runServer(dir string, cfg *session.UserConfig, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := statedb.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	notif := session.GetNotificationSettings()
	var sinks []notify.Sink
	if notif.DesktopEnabled() {
		sinks = append(sinks, notify.NewDesktopSink())
	}
	var vapidPublic string
	if notif.WebPush && !opts.noPush {
		pub, priv, generated, err := notify.EnsureVAPIDKeys(db)
		if err != nil {
			return fmt.Errorf("prepare web push keys: %w", err)
		}
		if generated {
			cliLog.Info("vapid_keys_generated")
		}
		vapidPublic = pub
		sinks = append(sinks, notify.NewWebPushSink(db, notif.VAPIDSubject, pub, priv))
	}

	bridge := notify.NewBridge(db, notify.Options{
		DefaultEnabled: notif.NotificationsEnabledDefault(),
		Labeler:        session.TaskIDFromSessionID,
	}, sinks...)
	bridge.Start()
	defer bridge.Stop()

	mcfg := cfg.ManagerConfig()
	mcfg.ControlPort, mcfg.ControlURL = controlEndpoint(opts.listen)
	mgr := session.NewManager(mcfg, adapter.NewRegistry(cfg.AdapterOptions()), session.Deps{
		Store:    db,
		Observer: bridge,
		Theme:    session.ResolveTheme(),
	})
	mgr.Start()
	defer mgr.Close()

	watcher, err := session.NewConfigWatcher(func(c *session.UserConfig) {
		mgr.SetRegistry(adapter.NewRegistry(c.AdapterOptions()))
		cliLog.Info("config_applied", slog.Int("tools", len(c.Tools)))
	})
	if err != nil {
		cliLog.Warn("config_watch_unavailable", slog.String("error", err.Error()))
	} else {
		go watcher.Start()
		defer watcher.Stop()
	}

	go func() {
		err := termquery.WatchSystemTheme(ctx, func(t termquery.Theme) {
			current, _ := session.LoadUserConfig()
			if current != nil {
				t = current.Theme.Merge(t)
			}
			if err := mgr.SetTheme(t); err != nil {
				cliLog.Warn("system_theme_rejected", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			cliLog.Debug("system_theme_watch_unavailable", slog.String("error", err.Error()))
		}
	}()

	server := web.NewServer(web.Config{
		ListenAddr:           opts.listen,
		Token:                opts.token,
		VAPIDPublicKey:       vapidPublic,
		NotificationsDefault: notif.NotificationsEnabledDefault(),
	}, mgr, db)

	cliLog.Info("serve_starting",
		slog.String("version", Version),
		slog.String("platform", string(platform.Detect())),
		slog.String("listen", opts.listen),
		slog.Int("sinks", len(sinks)))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	fmt.Printf("termdeck v%s listening on http://%s\n", Version, server.Addr())
	if opts.token == "" {
		fmt.Println("Auth: disabled (set [server].token or --token to require a bearer token)")
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	cliLog.Info("shutdown_requested", slog.Int("sessions", len(mgr.List())))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
