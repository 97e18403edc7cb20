package monitor

import (
	"regexp"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvocationArgv(t *testing.T) {
	inv := Invocation{
		Command:    []string{"python", "-m", "esp_idf_monitor"},
		ELF:        "build/panic.elf",
		SerialPort: "/dev/ttyUSB0",
		WSURL:      "ws://127.0.0.1:40123",
	}
	argv, err := inv.Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"python", "-m", "esp_idf_monitor", "build/panic.elf",
		"--port", "/dev/ttyUSB0", "--ws", "ws://127.0.0.1:40123",
	}, argv)

	inv.ExtraArgs = []string{"--no-reset"}
	argv, err = inv.Argv()
	require.NoError(t, err)
	assert.Equal(t, "--no-reset", argv[len(argv)-1])
	assert.Equal(t, []string{"python", "-m", "esp_idf_monitor"}, inv.Command, "Argv must not alias Command")
}

func TestInvocationArgvErrors(t *testing.T) {
	_, err := Invocation{SerialPort: "/dev/ttyUSB0"}.Argv()
	assert.Error(t, err)

	_, err = Invocation{Command: []string{"mon"}}.Argv()
	assert.Error(t, err)
}

func TestParseBanner(t *testing.T) {
	tests := []struct {
		line    string
		ok      bool
		version string
		port    string
	}{
		{"--- esp-idf-monitor 1.3.4 on /dev/ttyUSB0 115200 ---", true, "1.3.4", "/dev/ttyUSB0"},
		{"--- esp-idf-monitor 1.4 on rfc2217://localhost:4000?ign_set_control 115200 ---", true, "1.4.0", "rfc2217://localhost:4000?ign_set_control"},
		{"--- idf_monitor on /dev/ttyUSB0 115200 ---", false, "", ""},
		{"I (312) cpu_start: Starting scheduler", false, "", ""},
	}
	for _, tt := range tests {
		b, ok := ParseBanner(tt.line)
		require.Equal(t, tt.ok, ok, tt.line)
		if !ok {
			continue
		}
		assert.Equal(t, tt.version, b.Version.String())
		assert.Equal(t, tt.port, b.Port)
		assert.Equal(t, "115200", b.Baud)
	}
}

func TestFormatBannerRoundTrip(t *testing.T) {
	b, ok := ParseBanner(FormatBanner("1.5.0", "/tmp/console.txt", 115200))
	require.True(t, ok)
	assert.Equal(t, "/tmp/console.txt", b.Port)
}

func TestCheckVersion(t *testing.T) {
	v := semver.MustParse("1.3.4")

	assert.NoError(t, CheckVersion(v, ""))
	assert.NoError(t, CheckVersion(v, ">= 1.0"))
	assert.Error(t, CheckVersion(v, ">= 2.0"))
	assert.Error(t, CheckVersion(v, "not a constraint"))
	assert.Error(t, CheckVersion(nil, ">= 1.0"))
}

func TestSentPattern(t *testing.T) {
	re := regexp.MustCompile(SentPattern("gdb_stub"))

	assert.True(t, re.MatchString("WebSocket sent: {'event': 'gdb_stub', 'port': '/dev/ttyUSB0', 'prog': 'panic.elf'}"))
	assert.True(t, re.MatchString("WebSocket sent: {'prog': 'panic.elf', 'event': 'gdb_stub', 'port': 'x'}"))
	assert.False(t, re.MatchString("WebSocket sent: {'event': 'coredump', 'file': '/tmp/core'}"))
}

func TestMarkerPatterns(t *testing.T) {
	assert.Regexp(t, CrashPattern, CrashLine)
	assert.Regexp(t, AckReceivedPattern, RecvPrefix+"{'event': 'debug_finished'}")
}
