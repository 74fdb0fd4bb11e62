// Package main is the entry point for the tether debugging client.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/tether/internal/protocol"
	"github.com/dshills/tether/internal/thread"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

type options struct {
	configPath     string
	configExplicit bool
	addr           string
	transport      string
	command        string
	threadName     string
	logLevel       string
}

func run() int {
	opts := parseFlags()

	cfg, err := loadConfig(opts.configPath, opts.configExplicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	overlayFlags(&cfg, opts)

	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q\n", cfg.LogLevel)
		return 1
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	transport, err := openTransport(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	conn := protocol.NewConn(transport, log)
	conn.Start()
	defer conn.Close()

	session := newSession(os.Stdout)

	proxy, err := thread.New(conn, cfg.Thread,
		thread.WithLogger(log),
		thread.WithHandlers(session.handlers()),
		thread.WithRequestTimeout(cfg.RequestTimeout.Duration),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to attach: %v\n", err)
		return 1
	}
	session.thread = proxy
	session.breakpoints = thread.NewBreakpointManager(proxy)

	// Handle signals for graceful shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		session.stop()
	}()

	fmt.Printf("tether %s attached to %s (%s)\n", version, cfg.Thread, cfg.Transport)
	session.repl(os.Stdin)

	return 0
}

func overlayFlags(cfg *config, opts options) {
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}
	if opts.transport != "" {
		cfg.Transport = opts.transport
	}
	if opts.command != "" {
		cfg.Command = opts.command
	}
	if opts.threadName != "" {
		cfg.Thread = opts.threadName
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
}

func openTransport(cfg config) (protocol.Transport, error) {
	switch cfg.Transport {
	case "socket":
		return protocol.NewSocketTransport(cfg.Addr)
	case "websocket":
		return protocol.DialWebSocket(cfg.Addr)
	case "stdio":
		parts := strings.Fields(cfg.Command)
		return protocol.NewStdioTransport(exec.Command(parts[0], parts[1:]...))
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.addr, "addr", "", "Backend address (host:port or ws:// URL)")
	flag.StringVar(&opts.transport, "transport", "", "Transport: socket, websocket, or stdio")
	flag.StringVar(&opts.command, "command", "", "Backend command line for stdio transport")
	flag.StringVar(&opts.threadName, "thread", "", "Thread actor name to attach to")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tether - remote debugging client\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tether [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tether -addr 127.0.0.1:6080 -thread server1.conn0.child1\n")
		fmt.Fprintf(os.Stderr, "  tether -transport websocket -addr ws://localhost:9229/debug -thread tab0\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("tether %s (%s)\n", version, commit)
		os.Exit(0)
	}

	opts.configExplicit = opts.configPath != ""
	if !opts.configExplicit {
		opts.configPath = "tether.toml"
	}

	return opts
}

// session drives one attached thread from stdin commands.
type session struct {
	out         *os.File
	thread      *thread.Proxy
	breakpoints *thread.BreakpointManager

	mu      sync.Mutex
	sources []*protocol.Source
	done    chan struct{}
	stopped sync.Once
}

func newSession(out *os.File) *session {
	return &session{out: out, done: make(chan struct{})}
}

func (s *session) stop() {
	s.stopped.Do(func() { close(s.done) })
}

func (s *session) handlers() thread.Handlers {
	return thread.Handlers{
		OnPaused: func(reason protocol.PauseReason, pause *protocol.Pause) {
			if pause.Frame != nil {
				fmt.Fprintf(s.out, "paused (%s) at %s:%d\n",
					reason, pause.Frame.Where.Source, pause.Frame.Where.Line)
				return
			}
			fmt.Fprintf(s.out, "paused (%s)\n", reason)
		},
		OnExited: func() {
			fmt.Fprintln(s.out, "thread exited")
			s.stop()
		},
		OnWrongState: func() {
			fmt.Fprintln(s.out, "backend rejected request: wrong state")
		},
		OnNewSource: func(src *protocol.Source) {
			s.mu.Lock()
			s.sources = append(s.sources, src)
			s.mu.Unlock()
		},
	}
}

func (s *session) repl(in *os.File) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-s.done:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !s.execute(strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// execute runs one command line. It reports false when the session
// should end.
func (s *session) execute(line string) bool {
	if line == "" {
		return true
	}

	cmd, rest, _ := strings.Cut(line, " ")
	var err error

	switch cmd {
	case "quit", "q":
		return false
	case "pause":
		err = s.thread.Interrupt()
	case "resume", "c":
		err = s.thread.Resume()
	case "next", "n":
		err = s.thread.StepOver()
	case "step", "s":
		err = s.thread.StepInto()
	case "finish", "f":
		err = s.thread.StepOut()
	case "frames", "bt":
		err = s.printFrames()
	case "eval", "e":
		err = s.evaluate(rest)
	case "sources":
		s.printSources()
	case "break", "b":
		err = s.setBreakpoint(rest)
	case "breaks":
		for _, bp := range s.breakpoints.Active() {
			fmt.Fprintf(s.out, "%s  %s:%d\n", bp.Actor, bp.SourceURL, bp.Line)
		}
	default:
		fmt.Fprintf(s.out, "unknown command %q\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return true
}

func (s *session) printFrames() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	frames, err := s.thread.FetchStackFrames().Wait(ctx)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		fmt.Fprintf(s.out, "#%d %s  %s:%d\n",
			frame.Depth, frame.Callee, frame.Where.Source, frame.Where.Line)
	}
	return nil
}

func (s *session) evaluate(expression string) error {
	if expression == "" {
		return fmt.Errorf("usage: eval EXPRESSION")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var frameActor string
	frames, err := s.thread.FetchStackFrames().Wait(ctx)
	if err == nil && len(frames) > 0 {
		frameActor = frames[0].Actor
	}

	value, err := s.thread.Evaluate(expression, frameActor).Wait(ctx)
	if err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		pretty = value
	}
	fmt.Fprintf(s.out, "%s\n", pretty)
	return nil
}

func (s *session) printSources() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, src := range s.sources {
		fmt.Fprintf(s.out, "%s  %s\n", src.Name(), src.URL())
	}
}

func (s *session) setBreakpoint(rest string) error {
	url, lineStr, ok := strings.Cut(rest, ":")
	if !ok {
		return fmt.Errorf("usage: break URL:LINE")
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil {
		return fmt.Errorf("invalid line %q", lineStr)
	}

	s.mu.Lock()
	var target *protocol.Source
	for _, src := range s.sources {
		if src.URL() == url || strings.HasSuffix(src.URL(), url) {
			target = src
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return fmt.Errorf("no source matching %q (see: sources)", url)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bp, err := s.breakpoints.Set(ctx, target, line, 0)
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "breakpoint %s at %s:%d\n", bp.Actor, bp.SourceURL, bp.Line)
	return nil
}
