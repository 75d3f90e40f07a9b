package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls   []string
	outputs map[string]string
	fail    map[string]int
}

func (f *fakeRunner) run(tool string, args ...string) (string, error) {
	call := strings.TrimSpace(tool + " " + strings.Join(args, " "))
	f.calls = append(f.calls, call)

	for prefix, remaining := range f.fail {
		if strings.HasPrefix(call, prefix) && remaining > 0 {
			f.fail[prefix] = remaining - 1
			return "ERROR: No debugger was discovered.", errors.New(call + " failed")
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(call, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func newTestNrfjprog(attempts uint, runner *fakeRunner) *Nrfjprog {
	return NewNrfjprogWithRunner(attempts, time.Millisecond, runner.run, log.NewLogger())
}

func writeHex(t *testing.T) string {
	pth := filepath.Join(t.TempDir(), "mosh.hex")
	require.NoError(t, os.WriteFile(pth, []byte(":020000040000FA\n:00000001FF\n"), 0644))
	return pth
}

func TestParseNrfjprogVersion(t *testing.T) {
	v, err := parseNrfjprogVersion("nrfjprog version: 10.24.2 external\nJLinkARM.dll version: 7.94e")
	require.NoError(t, err)
	assert.Equal(t, "10.24.2", v.String())

	_, err = parseNrfjprogVersion("command not found")
	assert.True(t, failure.Is(err, failure.ParseError))
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantErr bool
	}{
		{name: "supported", output: "nrfjprog version: 10.24.2 external"},
		{name: "exactly minimum", output: "nrfjprog version: 10.12.0"},
		{name: "too old", output: "nrfjprog version: 9.8.1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{outputs: map[string]string{"nrfjprog --version": tt.output}}
			err := newTestNrfjprog(1, runner).CheckVersion()
			if tt.wantErr {
				assert.True(t, failure.Is(err, failure.FlashError))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseProbeSerials(t *testing.T) {
	assert.Equal(t, []string{"960123456", "1050012345"}, parseProbeSerials("960123456\r\n\n1050012345\nsome noise\n"))
	assert.Nil(t, parseProbeSerials(""))
}

func TestSelectProbe(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"nrfjprog --ids": "960123456\n960654321"}}
	nrfjprog := newTestNrfjprog(1, runner)

	serial, err := nrfjprog.SelectProbe("")
	require.NoError(t, err)
	assert.Equal(t, "960123456", serial)

	serial, err = nrfjprog.SelectProbe("960654321")
	require.NoError(t, err)
	assert.Equal(t, "960654321", serial)

	_, err = nrfjprog.SelectProbe("111111111")
	assert.True(t, failure.Is(err, failure.FlashError))

	empty := newTestNrfjprog(1, &fakeRunner{outputs: map[string]string{"nrfjprog --ids": ""}})
	_, err = empty.SelectProbe("")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.FlashError))
	assert.Contains(t, err.Error(), "no debug probe found")
}

func TestProgram(t *testing.T) {
	hex := writeHex(t)
	runner := &fakeRunner{}

	require.NoError(t, newTestNrfjprog(3, runner).Program(context.Background(), hex, "960123456"))
	assert.Equal(t, []string{
		"nrfjprog -f NRF91 --eraseall --snr 960123456",
		"nrfjprog -f NRF91 --program " + hex + " --chiperase --verify --snr 960123456",
		"nrfjprog -f NRF91 --reset --snr 960123456",
	}, runner.calls)
}

func TestProgramRetries(t *testing.T) {
	hex := writeHex(t)
	runner := &fakeRunner{fail: map[string]int{"nrfjprog -f NRF91 --program": 2}}

	require.NoError(t, newTestNrfjprog(3, runner).Program(context.Background(), hex, "960123456"))
	assert.Len(t, runner.calls, 2+2+3)
}

func TestProgramFails(t *testing.T) {
	hex := writeHex(t)
	runner := &fakeRunner{fail: map[string]int{"nrfjprog -f NRF91 --eraseall": 10}}

	err := newTestNrfjprog(3, runner).Program(context.Background(), hex, "960123456")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.FlashError))
	assert.Len(t, runner.calls, 3)
}

func TestProgramMissingImage(t *testing.T) {
	runner := &fakeRunner{}

	err := newTestNrfjprog(3, runner).Program(context.Background(), filepath.Join(t.TempDir(), "missing.hex"), "960123456")
	assert.True(t, failure.Is(err, failure.FlashError))
	assert.Empty(t, runner.calls)
}

func TestProgramInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestNrfjprog(3, &fakeRunner{}).Program(ctx, writeHex(t), "960123456")
	assert.True(t, failure.Is(err, failure.Interrupted))
}

func TestReset(t *testing.T) {
	runner := &fakeRunner{fail: map[string]int{"nrfjprog -f NRF91 --reset": 1}}
	nrfjprog := newTestNrfjprog(1, runner)

	assert.True(t, failure.Is(nrfjprog.Reset("960123456"), failure.ConnectionError))
	assert.NoError(t, nrfjprog.Reset("960123456"))
}

func TestJLinkArgs(t *testing.T) {
	assert.Equal(t, []string{
		"-device", "nRF9160_xxAA",
		"-if", "SWD",
		"-speed", "4000",
		"-autoconnect", "1",
		"-RTTTelnetPort", "19021",
		"-NoGui", "1",
		"-SelectEmuBySN", "960123456",
	}, jlinkArgs(JLinkConfig{Serial: "960123456"}))

	args := jlinkArgs(JLinkConfig{Device: "nRF9161_xxAA", SpeedKHz: 1000, TelnetPort: 19030})
	assert.Equal(t, "nRF9161_xxAA", args[1])
	assert.Equal(t, "1000", args[5])
	assert.Equal(t, "19030", args[9])
	assert.NotContains(t, args, "-SelectEmuBySN")
}

func TestJLinkServerLifecycle(t *testing.T) {
	server := NewJLinkServer(JLinkConfig{}, log.NewLogger())
	// cat echoes the quit command and exits once stdin is closed
	server.tool = "cat"
	server.args = nil

	require.NoError(t, server.Start())
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	_, open := <-server.Exited()
	assert.False(t, open)
	assert.Equal(t, "q", server.Output())
}

func TestJLinkServerKilledWhenItDoesNotQuit(t *testing.T) {
	server := NewJLinkServer(JLinkConfig{}, log.NewLogger())
	// ignores the quit command and outlives its closed stdin
	server.tool = "sh"
	server.args = []string{"-c", "trap '' HUP; exec sleep 60 <&-"}
	server.quitTimeout = 100 * time.Millisecond

	require.NoError(t, server.Start())

	start := time.Now()
	require.NoError(t, server.Close())
	assert.Less(t, time.Since(start), 10*time.Second)

	select {
	case _, open := <-server.Exited():
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "process is still running after Close")
	}
	require.NotNil(t, server.cmd.ProcessState)
	assert.False(t, server.cmd.ProcessState.Success())
}

func TestJLinkServerStartFails(t *testing.T) {
	server := NewJLinkServer(JLinkConfig{}, log.NewLogger())
	server.tool = filepath.Join(t.TempDir(), "JLinkExe")

	err := server.Start()
	assert.True(t, failure.Is(err, failure.ConnectionError))
	assert.NoError(t, server.Close())
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 8}
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.String())
}
