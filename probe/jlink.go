package probe

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/command"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
)

const (
	jlinkTool = "JLinkExe"

	// DefaultJLinkDevice is the J-Link target name of the nRF9160 SiP.
	DefaultJLinkDevice = "nRF9160_xxAA"
	// DefaultRTTTelnetPort is the port J-Link serves RTT channel 0 on.
	DefaultRTTTelnetPort = 19021

	defaultSpeedKHz  = 4000
	outputTailSize   = 4096
	jlinkQuitTimeout = 5 * time.Second
	jlinkWaitDelay   = time.Second
)

// JLinkConfig ...
type JLinkConfig struct {
	Device     string
	Serial     string
	SpeedKHz   int
	TelnetPort int
}

// JLinkServer keeps a J-Link Commander session attached to the target,
// which serves the RTT channel on a local telnet port while it runs.
type JLinkServer struct {
	logger      log.Logger
	tool        string
	args        []string
	quitTimeout time.Duration

	output *tailBuffer
	cmd    *exec.Cmd
	stdin  *os.File
	exited chan error

	closeOnce sync.Once
	closeErr  error
}

// NewJLinkServer ...
func NewJLinkServer(cfg JLinkConfig, logger log.Logger) *JLinkServer {
	return &JLinkServer{
		logger:      logger,
		tool:        jlinkTool,
		args:        jlinkArgs(cfg),
		quitTimeout: jlinkQuitTimeout,
		output:      &tailBuffer{limit: outputTailSize},
	}
}

func jlinkArgs(cfg JLinkConfig) []string {
	device := cfg.Device
	if device == "" {
		device = DefaultJLinkDevice
	}
	speed := cfg.SpeedKHz
	if speed <= 0 {
		speed = defaultSpeedKHz
	}
	port := cfg.TelnetPort
	if port <= 0 {
		port = DefaultRTTTelnetPort
	}

	args := []string{
		"-device", device,
		"-if", "SWD",
		"-speed", strconv.Itoa(speed),
		"-autoconnect", "1",
		"-RTTTelnetPort", strconv.Itoa(port),
		"-NoGui", "1",
	}
	if cfg.Serial != "" {
		args = append(args, "-SelectEmuBySN", cfg.Serial)
	}
	return args
}

// Start launches the J-Link process. The RTT port becomes reachable once it attached to the target.
func (s *JLinkServer) Start() error {
	stdinReader, stdinWriter, err := os.Pipe()
	if err != nil {
		return failure.Wrap(failure.ConnectionError, err, "failed to create stdin pipe")
	}
	defer func() {
		_ = stdinReader.Close()
	}()

	model := command.New(s.tool, s.args...).
		SetStdin(stdinReader).
		SetStdout(s.output).
		SetStderr(s.output)

	s.logger.Debugf("$ %s", model.PrintableCommandArgs())

	cmd := model.GetCmd()
	// Wait must not hang on output pipes still held by a killed process.
	cmd.WaitDelay = jlinkWaitDelay
	if err := cmd.Start(); err != nil {
		_ = stdinWriter.Close()
		return failure.Wrapf(failure.ConnectionError, err, "failed to start %s", s.tool)
	}

	s.cmd = cmd
	s.stdin = stdinWriter
	s.exited = make(chan error, 1)
	go func() {
		s.exited <- cmd.Wait()
		close(s.exited)
	}()

	return nil
}

// Exited is closed once the J-Link process terminated.
func (s *JLinkServer) Exited() <-chan error {
	return s.exited
}

// Output returns the tail of the J-Link process output.
func (s *JLinkServer) Output() string {
	return s.output.String()
}

// Close asks J-Link Commander to quit and waits for it. A process that does not quit in time is killed,
// so the probe and the RTT port are released either way. It is safe to call more than once.
func (s *JLinkServer) Close() error {
	s.closeOnce.Do(func() {
		if s.stdin == nil {
			return
		}

		_, _ = io.WriteString(s.stdin, "q\n")
		_ = s.stdin.Close()

		select {
		case err := <-s.exited:
			if err != nil {
				s.logger.Debugf("%s exited: %s", s.tool, err)
			}
			return
		case <-time.After(s.quitTimeout):
		}

		s.logger.Warnf("%s did not quit within %s, killing it", s.tool, s.quitTimeout)
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.closeErr = failure.Wrapf(failure.ConnectionError, err, "failed to kill %s", s.tool)
			return
		}
		<-s.exited
	})
	return s.closeErr
}

type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, err
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
