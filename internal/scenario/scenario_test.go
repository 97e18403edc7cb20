package scenario

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bingosuite/idews/config"
	"github.com/bingosuite/idews/internal/expect"
	"github.com/bingosuite/idews/internal/fakemonitor"
	"github.com/bingosuite/idews/internal/monitor"
	"github.com/bingosuite/idews/internal/ws"
)

// fakeMonitorEnv makes the test binary act as the monitor when re-executed.
const fakeMonitorEnv = "IDEWS_TEST_FAKE_MONITOR"

func TestMain(m *testing.M) {
	if os.Getenv(fakeMonitorEnv) == "1" {
		os.Exit(fakemonitor.Main(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func TestScenario(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scenario Suite")
}

func fakeMonitorConfig(variant string, console string) *config.Config {
	cfg := config.Default()
	cfg.Monitor.Command = []string{os.Args[0]}
	cfg.Monitor.Env = map[string]string{fakeMonitorEnv: "1"}
	cfg.Monitor.ELF = "panic.elf"
	cfg.Monitor.SerialPort = console
	cfg.Scenario.Variant = variant
	cfg.Scenario.LogDir = GinkgoT().TempDir()
	cfg.Scenario.CrashTimeout = 10 * time.Second
	cfg.Scenario.StepTimeout = 5 * time.Second
	cfg.Scenario.JoinTimeout = 5 * time.Second
	return cfg
}

// finishedTranscript is what a monitor prints for a complete gdb_stub hand-off.
func finishedTranscript() string {
	return strings.Join([]string{
		monitor.CrashLine,
		monitor.SwitchedToWebSocket,
		monitor.SentPrefix + ws.FormatRepr(ws.NewGdbStubEvent("panic.elf", "/dev/ttyUSB0")),
		monitor.WaitingForAck,
		monitor.RecvPrefix + ws.FormatRepr(ws.DebugFinished()),
		monitor.WebSocketFinished,
	}, "\n") + "\n"
}

var _ = Describe("Steps", func() {
	It("should list the six hand-off markers in order", func() {
		steps, err := Steps(config.VariantCoredump, 10*time.Second, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())

		names := make([]string, 0, len(steps))
		for _, s := range steps {
			names = append(names, s.Name)
		}
		Expect(names).To(Equal([]string{
			"crash detected",
			"switched to websocket",
			"event sent",
			"waiting for acknowledgment",
			"acknowledgment received",
			"websocket finished",
		}))
		Expect(steps[0].Timeout).To(Equal(10 * time.Second))
		Expect(steps[1].Timeout).To(Equal(5 * time.Second))
		Expect(steps[2].Pattern()).To(ContainSubstring("'coredump'"))
		Expect(steps[3].Pattern()).To(Equal("Waiting for debug finished event"))
	})

	It("should reject unknown variants", func() {
		_, err := Steps("jtag", time.Second, time.Second)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Runner", func() {
	var console string

	BeforeEach(func() {
		console = filepath.Join(GinkgoT().TempDir(), "console.txt")
	})

	DescribeTable("should observe the full hand-off",
		func(variant string) {
			Expect(fakemonitor.WriteCrashLog(console, ws.EventType(variant))).To(Succeed())
			cfg := fakeMonitorConfig(variant, console)

			result, err := NewRunner(cfg, zap.NewNop(), nil).Run(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(result.ServerURL).To(MatchRegexp(`^ws://127\.0\.0\.1:\d+$`))
			Expect(result.Matches).To(HaveLen(6))
			Expect(result.Matches[2].Text).To(ContainSubstring("'event': '" + variant + "'"))
			Expect(result.Argv).To(ContainElements("--port", console, "--ws", result.ServerURL))

			Expect(result.LogPath).To(Equal(filepath.Join(cfg.Scenario.LogDir, LogFileName)))
			Eventually(func() string {
				data, _ := os.ReadFile(result.LogPath)
				return string(data)
			}).Should(ContainSubstring("Communications through WebSocket is finished"))
		},
		Entry("gdb_stub", config.VariantGdbStub),
		Entry("coredump", config.VariantCoredump),
	)

	It("should check the monitor version when a minimum is configured", func() {
		Expect(fakemonitor.WriteCrashLog(console, ws.EventGdbStub)).To(Succeed())
		cfg := fakeMonitorConfig(config.VariantGdbStub, console)
		cfg.Monitor.MinVersion = ">= 1.0"

		result, err := NewRunner(cfg, nil, nil).Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Banner).NotTo(BeNil())
		Expect(result.Banner.Version.String()).To(Equal(fakemonitor.Version))

		cfg.Monitor.MinVersion = ">= 9.0"
		_, err = NewRunner(cfg, nil, nil).Run(context.Background())
		Expect(err).To(MatchError(ContainSubstring("does not satisfy")))
	})

	It("should name the step that was not observed", func() {
		Expect(fakemonitor.WriteCrashLog(console, ws.EventCoredump)).To(Succeed())
		cfg := fakeMonitorConfig(config.VariantGdbStub, console)
		cfg.Scenario.StepTimeout = 2 * time.Second

		_, err := NewRunner(cfg, nil, nil).Run(context.Background())

		var stepErr *StepError
		Expect(errors.As(err, &stepErr)).To(BeTrue())
		Expect(stepErr.Step.Name).To(Equal("event sent"))
		Expect(err.Error()).To(ContainSubstring("'gdb_stub'"))
	})

	It("should fail on the crash step when the target never crashes", func() {
		Expect(os.WriteFile(console, []byte("I (312) cpu_start: Starting scheduler on PRO CPU.\n"), 0o644)).To(Succeed())
		cfg := fakeMonitorConfig(config.VariantGdbStub, console)
		cfg.Scenario.CrashTimeout = 2 * time.Second

		_, err := NewRunner(cfg, nil, nil).Run(context.Background())

		var stepErr *StepError
		Expect(errors.As(err, &stepErr)).To(BeTrue())
		Expect(stepErr.Step.Name).To(Equal("crash detected"))

		var eofErr *expect.EOFError
		var timeoutErr *expect.TimeoutError
		Expect(errors.As(err, &eofErr) || errors.As(err, &timeoutErr)).To(BeTrue())
	})

	It("should refuse to run without a serial port", func() {
		cfg := fakeMonitorConfig(config.VariantGdbStub, "")

		_, err := NewRunner(cfg, nil, nil).Run(context.Background())
		Expect(err).To(MatchError(ContainSubstring("serial port is required")))
	})
})

var _ = Describe("Runner.Watch", func() {
	It("should follow a transcript written by a monitor started elsewhere", func() {
		dir := GinkgoT().TempDir()
		console := filepath.Join(dir, "console.txt")
		transcript := filepath.Join(dir, "monitor.txt")
		Expect(fakemonitor.WriteCrashLog(console, ws.EventCoredump)).To(Succeed())
		cfg := fakeMonitorConfig(config.VariantCoredump, console)

		monitorDone := make(chan error, 1)
		started := func(url string) {
			go func() {
				f, err := os.Create(transcript)
				if err != nil {
					monitorDone <- err
					return
				}
				defer f.Close()
				monitorDone <- fakemonitor.Run(context.Background(), fakemonitor.Options{
					ELF:        "panic.elf",
					Port:       console,
					WSURL:      url,
					Baud:       115200,
					AckTimeout: 5 * time.Second,
					LineDelay:  time.Millisecond,
				}, f)
			}()
		}

		result, err := NewRunner(cfg, nil, nil).Watch(context.Background(), transcript, started)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.LogPath).To(Equal(transcript))
		Expect(result.Matches).To(HaveLen(6))
		Expect(result.Matches[2].Text).To(ContainSubstring("'event': 'coredump'"))
		Eventually(monitorDone).WithTimeout(5 * time.Second).Should(Receive(BeNil()))
	})

	It("should ignore a transcript left over from an earlier run", func() {
		transcript := filepath.Join(GinkgoT().TempDir(), "monitor.txt")
		Expect(os.WriteFile(transcript, []byte(finishedTranscript()), 0o644)).To(Succeed())
		cfg := config.Default()
		cfg.Scenario.CrashTimeout = 300 * time.Millisecond
		cfg.Scenario.JoinTimeout = time.Second

		_, err := NewRunner(cfg, nil, nil).Watch(context.Background(), transcript, nil)

		var stepErr *StepError
		Expect(errors.As(err, &stepErr)).To(BeTrue())
		Expect(stepErr.Step.Name).To(Equal("crash detected"))
	})

	It("should fail when the hand-off never reached its server", func() {
		transcript := filepath.Join(GinkgoT().TempDir(), "monitor.txt")
		cfg := config.Default()
		cfg.Scenario.JoinTimeout = time.Second

		started := func(string) {
			Expect(os.WriteFile(transcript, []byte(finishedTranscript()), 0o644)).To(Succeed())
		}
		_, err := NewRunner(cfg, nil, nil).Watch(context.Background(), transcript, started)

		Expect(err).To(MatchError(ErrNotAcknowledged))
	})

	It("should time out when nothing is written", func() {
		cfg := config.Default()
		cfg.Scenario.CrashTimeout = 200 * time.Millisecond
		cfg.Scenario.JoinTimeout = time.Second

		_, err := NewRunner(cfg, nil, nil).Watch(context.Background(), filepath.Join(GinkgoT().TempDir(), "monitor.txt"), nil)

		var timeoutErr *expect.TimeoutError
		Expect(errors.As(err, &timeoutErr)).To(BeTrue())
	})
})

var _ = Describe("teardown", func() {
	It("should only log when the server cannot be joined in time", func() {
		core, logs := observer.New(zapcore.InfoLevel)
		cfg := config.Default()
		cfg.Scenario.JoinTimeout = 50 * time.Millisecond
		r := NewRunner(cfg, zap.New(core), nil)

		stopped := false
		r.teardown(func() { stopped = true }, make(chan error))

		Expect(stopped).To(BeTrue())
		Expect(logs.FilterMessage("Server cannot be joined").Len()).To(Equal(1))
	})

	It("should stay quiet when the server stops cleanly", func() {
		core, logs := observer.New(zapcore.InfoLevel)
		r := NewRunner(config.Default(), zap.New(core), nil)

		done := make(chan error, 1)
		done <- nil
		r.teardown(func() {}, done)

		Expect(logs.Len()).To(Equal(0))
	})
})
