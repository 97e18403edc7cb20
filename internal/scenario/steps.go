package scenario

import (
	"fmt"
	"regexp"
	"time"

	"github.com/bingosuite/idews/config"
	"github.com/bingosuite/idews/internal/expect"
	"github.com/bingosuite/idews/internal/monitor"
)

// Step is one marker the monitor must print, in order, within Timeout.
type Step struct {
	Name    string
	Regexp  *regexp.Regexp
	Exact   string
	Timeout time.Duration
}

func (s Step) Pattern() string {
	if s.Regexp != nil {
		return s.Regexp.String()
	}
	return s.Exact
}

func (s Step) run(e *expect.Expecter) (expect.Match, error) {
	if s.Regexp != nil {
		return e.Expect(s.Regexp, s.Timeout)
	}
	return e.ExpectExact(s.Exact, s.Timeout)
}

// StepError reports which step failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.Step.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Steps lists the hand-off markers for variant. The crash marker gets
// crashTimeout, the rest stepTimeout.
func Steps(variant string, crashTimeout, stepTimeout time.Duration) ([]Step, error) {
	switch variant {
	case config.VariantGdbStub, config.VariantCoredump:
	default:
		return nil, fmt.Errorf("unknown variant %q", variant)
	}

	return []Step{
		{Name: "crash detected", Regexp: regexp.MustCompile(monitor.CrashPattern), Timeout: crashTimeout},
		{Name: "switched to websocket", Exact: monitor.SwitchedToWebSocket, Timeout: stepTimeout},
		{Name: "event sent", Regexp: regexp.MustCompile(monitor.SentPattern(variant)), Timeout: stepTimeout},
		{Name: "waiting for acknowledgment", Exact: monitor.WaitingForAck, Timeout: stepTimeout},
		{Name: "acknowledgment received", Regexp: regexp.MustCompile(monitor.AckReceivedPattern), Timeout: stepTimeout},
		{Name: "websocket finished", Exact: monitor.WebSocketFinished, Timeout: stepTimeout},
	}, nil
}
