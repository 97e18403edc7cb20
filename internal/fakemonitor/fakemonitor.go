// Package fakemonitor is a stand-in for the serial monitor. It replays a
// recorded console log instead of talking to hardware and performs the IDE
// hand-off exactly like the real monitor, so the whole flow can run in tests.
package fakemonitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bingosuite/idews/internal/monitor"
	"github.com/bingosuite/idews/internal/ws"
	"github.com/bingosuite/idews/pkg/client"
)

const (
	Version = "1.5.0"

	GdbStubLine       = "Entering gdb stub now."
	CoredumpStartLine = "================= CORE DUMP START ================="
	CoredumpEndLine   = "================= CORE DUMP END ================="

	defaultBaud = 115200
)

// Options mirrors the subset of the monitor command line the hand-off needs.
type Options struct {
	ELF        string
	Port       string
	WSURL      string
	Baud       int
	AckTimeout time.Duration
	// LineDelay slows replay down to look like a live console.
	LineDelay time.Duration
}

// ParseArgs parses `<elf> --port <path> --ws <url>` style arguments.
func ParseArgs(args []string) (Options, error) {
	var opts Options
	fs := pflag.NewFlagSet("fake-monitor", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&opts.Port, "port", "p", "", "recorded console log standing in for the serial port")
	fs.StringVar(&opts.WSURL, "ws", "", "IDE WebSocket URL, ws://host:port")
	fs.IntVarP(&opts.Baud, "baud", "b", defaultBaud, "baud rate shown in the banner")
	fs.DurationVar(&opts.AckTimeout, "ws-timeout", time.Minute, "how long to wait for debug_finished")
	fs.DurationVar(&opts.LineDelay, "line-delay", 0, "pause between replayed lines")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if fs.NArg() > 1 {
		return Options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args()[1:], " "))
	}
	if fs.NArg() == 1 {
		opts.ELF = fs.Arg(0)
	}
	if opts.Port == "" {
		return Options{}, errors.New("--port is required")
	}
	return opts, nil
}

// Main runs the monitor and returns its exit code.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := ParseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "--- Error: %v\n", err)
		return 2
	}
	if err := Run(ctx, opts, stdout); err != nil {
		fmt.Fprintf(stderr, "--- Error: %v\n", err)
		return 1
	}
	return 0
}

// Run replays the console log at opts.Port to out.
func Run(ctx context.Context, opts Options, out io.Writer) error {
	console, err := os.Open(opts.Port)
	if err != nil {
		return fmt.Errorf("could not open port %s: %w", opts.Port, err)
	}
	defer func() { _ = console.Close() }()

	m := &session{opts: opts, out: out}
	m.println(monitor.FormatBanner(Version, opts.Port, opts.Baud))

	scanner := bufio.NewScanner(console)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.feed(ctx, scanner.Text()); err != nil {
			return err
		}
		if opts.LineDelay > 0 {
			time.Sleep(opts.LineDelay)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read port: %w", err)
	}
	return nil
}

type session struct {
	opts Options
	out  io.Writer

	crashed  bool
	coredump []string
	inDump   bool
}

func (s *session) println(line string) {
	fmt.Fprintln(s.out, line)
}

func (s *session) feed(ctx context.Context, line string) error {
	if s.inDump {
		if strings.Contains(line, CoredumpEndLine) {
			s.inDump = false
			s.println(line)
			return s.coredumpReady(ctx)
		}
		s.coredump = append(s.coredump, line)
		return nil
	}

	s.println(line)
	switch {
	case strings.Contains(line, "Guru Meditation Error"):
		s.crashed = true
	case s.crashed && strings.Contains(line, GdbStubLine):
		s.crashed = false
		if s.opts.WSURL == "" {
			s.println("--- gdb stub detected, no IDE to hand off to")
			return nil
		}
		return s.handOff(ctx, ws.NewGdbStubEvent(s.opts.ELF, s.opts.Port))
	case s.crashed && strings.Contains(line, CoredumpStartLine):
		s.crashed = false
		s.inDump = true
		s.coredump = s.coredump[:0]
	}
	return nil
}

func (s *session) coredumpReady(ctx context.Context) error {
	f, err := os.CreateTemp("", "coredump-*.b64")
	if err != nil {
		return fmt.Errorf("save core dump: %w", err)
	}
	for _, l := range s.coredump {
		if _, err := fmt.Fprintln(f, l); err != nil {
			_ = f.Close()
			return fmt.Errorf("save core dump: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save core dump: %w", err)
	}
	if s.opts.WSURL == "" {
		s.println("--- core dump saved to " + f.Name())
		return nil
	}
	return s.handOff(ctx, ws.NewCoredumpEvent(s.opts.ELF, f.Name()))
}

func (s *session) handOff(ctx context.Context, event map[string]any) error {
	s.println(monitor.SwitchedToWebSocket)

	ctx, cancel := context.WithTimeout(ctx, s.opts.AckTimeout)
	defer cancel()

	n, err := client.Dial(ctx, s.opts.WSURL)
	if err != nil {
		return err
	}
	defer func() { _ = n.Close() }()

	if err := n.Notify(ctx, event); err != nil {
		return err
	}
	s.println(monitor.SentPrefix + ws.FormatRepr(event))

	s.println(monitor.WaitingForAck)
	ack, err := n.WaitDebugFinished(ctx)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(ack, &decoded); err != nil {
		return fmt.Errorf("decode acknowledgment: %w", err)
	}
	s.println(monitor.RecvPrefix + ws.FormatRepr(decoded))

	s.println(monitor.WebSocketFinished)
	return nil
}
