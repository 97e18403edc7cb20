package fakemonitor

import (
	"fmt"
	"os"
	"strings"

	"github.com/bingosuite/idews/internal/monitor"
	"github.com/bingosuite/idews/internal/ws"
)

var bootLines = []string{
	"ets Jun  8 2016 00:22:57",
	"rst:0x1 (POWERON_RESET),boot:0x13 (SPI_FAST_FLASH_BOOT)",
	"I (29) boot: ESP-IDF v5.1 2nd stage bootloader",
	"I (312) cpu_start: Starting scheduler on PRO CPU.",
	"Enter test name: ",
}

var panicLines = []string{
	monitor.CrashLine,
	"",
	"Core  0 register dump:",
	"PC      : 0x400d1b2c  PS      : 0x00060330  A0      : 0x800d1c4e  A1      : 0x3ffb5660",
	"",
	"Backtrace: 0x400d1b29:0x3ffb5660 0x400d1c4b:0x3ffb5680 0x40086a6d:0x3ffb56a0",
	"",
}

// CrashLog renders a console capture of a panicking target that ends up in
// the crash handler for event (gdb_stub or coredump).
func CrashLog(event ws.EventType) (string, error) {
	lines := append(append([]string{}, bootLines...), panicLines...)
	switch event {
	case ws.EventGdbStub:
		lines = append(lines, GdbStubLine)
	case ws.EventCoredump:
		lines = append(lines,
			CoredumpStartLine,
			"Core dump started (further output muted)",
			"f6wBAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
			"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
			CoredumpEndLine,
			"Rebooting...",
		)
	default:
		return "", fmt.Errorf("no crash log for event %q", event)
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// WriteCrashLog writes CrashLog(event) to path.
func WriteCrashLog(path string, event ws.EventType) error {
	log, err := CrashLog(event)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(log), 0o644)
}
