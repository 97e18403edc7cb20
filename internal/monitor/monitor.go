// Package monitor knows how to launch a serial monitor with IDE hand-off
// enabled and which lines it prints along the way.
package monitor

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// Marker lines printed by the monitor during a WebSocket hand-off.
const (
	CrashPattern        = `Guru Meditation Error`
	SwitchedToWebSocket = "Communicating through WebSocket"
	WaitingForAck       = "Waiting for debug finished event"
	AckReceivedPattern  = `WebSocket received: \{'event': 'debug_finished'\}`
	WebSocketFinished   = "Communications through WebSocket is finished"

	CrashLine   = "Guru Meditation Error: Core  0 panic'ed (LoadProhibited). Exception was unhandled."
	SentPrefix  = "WebSocket sent: "
	RecvPrefix  = "WebSocket received: "
	bannerRegex = `--- esp-idf-monitor (\d+\.\d+(?:\.\d+)?) on (\S+) (\d+) ---`
)

var bannerRe = regexp.MustCompile(bannerRegex)

// SentPattern matches the outgoing event line for the given event tag. Key
// order inside the printed dictionary is not guaranteed, so only the event
// entry is pinned.
func SentPattern(event string) string {
	return `WebSocket sent: \{.*'event': '` + regexp.QuoteMeta(event) + `'`
}

// Invocation is a monitor command line.
type Invocation struct {
	// Command is the program prefix, e.g. python -m esp_idf_monitor.
	Command    []string
	ELF        string
	SerialPort string
	WSURL      string
	ExtraArgs  []string
}

// Argv renders `<command...> <elf> --port <serial> --ws <url> [extra...]`.
func (i Invocation) Argv() ([]string, error) {
	if len(i.Command) == 0 {
		return nil, fmt.Errorf("monitor command is empty")
	}
	if i.SerialPort == "" {
		return nil, fmt.Errorf("serial port is required")
	}
	argv := append([]string{}, i.Command...)
	if i.ELF != "" {
		argv = append(argv, i.ELF)
	}
	argv = append(argv, "--port", i.SerialPort)
	if i.WSURL != "" {
		argv = append(argv, "--ws", i.WSURL)
	}
	return append(argv, i.ExtraArgs...), nil
}

// Banner is the first line the monitor prints once the port is open.
type Banner struct {
	Version *semver.Version
	Port    string
	Baud    string
}

// BannerPattern matches a monitor banner line.
func BannerPattern() *regexp.Regexp {
	return bannerRe
}

// FormatBanner renders a banner line for the given version, port and baud rate.
func FormatBanner(version, port string, baud int) string {
	return fmt.Sprintf("--- esp-idf-monitor %s on %s %d ---", version, port, baud)
}

// ParseBanner extracts the banner from a line of monitor output.
func ParseBanner(line string) (Banner, bool) {
	m := bannerRe.FindStringSubmatch(line)
	if m == nil {
		return Banner{}, false
	}
	v, err := semver.NewVersion(m[1])
	if err != nil {
		return Banner{}, false
	}
	return Banner{Version: v, Port: m[2], Baud: m[3]}, true
}

// CheckVersion fails when v does not satisfy constraint. An empty constraint
// accepts every version.
func CheckVersion(v *semver.Version, constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	if v == nil {
		return fmt.Errorf("monitor version unknown, need %s", constraint)
	}
	if !c.Check(v) {
		return fmt.Errorf("monitor version %s does not satisfy %s", v, constraint)
	}
	return nil
}
