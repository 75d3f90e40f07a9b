// Package device owns the connection to the target for the duration of a run.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/console"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
)

// ErrNotOpen is returned by the console operations before Open succeeded.
var ErrNotOpen = errors.New("device session is not open")

// Server is a helper process that has to run while the console is in use.
type Server interface {
	Start() error
	Exited() <-chan error
	Output() string
	Close() error
}

// Resetter restarts the target identified by a probe serial number.
type Resetter interface {
	Reset(serial string) error
}

// Dialer opens the byte stream of the device console.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// RTTDialer connects to the RTT telnet endpoint of a J-Link server.
func RTTDialer(address string, attempts uint, wait time.Duration, logger log.Logger) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return console.DialRTT(ctx, address, attempts, wait, logger)
	}
}

// SerialDialer opens a UART console.
func SerialDialer(port string, baudRate int) Dialer {
	return func(context.Context) (io.ReadWriteCloser, error) {
		conn, err := console.OpenSerial(port, baudRate)
		if err != nil {
			if ports, listErr := console.SerialPorts(); listErr == nil && len(ports) > 0 {
				return nil, fmt.Errorf("%w (available ports: %s)", err, strings.Join(ports, ", "))
			}
			return nil, err
		}
		return conn, nil
	}
}

// Session holds the probe server process and the console channel of one run.
type Session struct {
	server      Server
	dial        Dialer
	resetter    Resetter
	probeSerial string
	options     []console.Option
	logger      log.Logger

	channel *console.Channel

	closeOnce sync.Once
	closeErr  error
}

// NewSession returns a session that is not connected yet. server is optional; it is started before dialing and stopped after the channel is closed.
func NewSession(server Server, dial Dialer, resetter Resetter, probeSerial string, logger log.Logger, opts ...console.Option) *Session {
	return &Session{
		server:      server,
		dial:        dial,
		resetter:    resetter,
		probeSerial: probeSerial,
		options:     opts,
		logger:      logger,
	}
}

// Open starts the server and connects the console.
func (s *Session) Open(ctx context.Context) error {
	if s.server != nil {
		if err := s.server.Start(); err != nil {
			return err
		}
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var serverExited atomic.Bool
	if s.server != nil {
		go func() {
			select {
			case <-s.server.Exited():
				serverExited.Store(true)
				cancel()
			case <-dialCtx.Done():
			}
		}()
	}

	rwc, err := s.dial(dialCtx)
	if err != nil {
		if serverExited.Load() && ctx.Err() == nil {
			return failure.New(failure.ConnectionError, "probe server exited before the console was connected: %s", s.server.Output())
		}
		return err
	}

	s.channel = console.NewChannel(rwc, s.options...)
	s.logger.Debugf("Console connected")
	return nil
}

// Send ...
func (s *Session) Send(line string) error {
	if s.channel == nil {
		return ErrNotOpen
	}
	if err := s.channel.Send(line); err != nil {
		return failure.Wrap(failure.ConnectionError, err, "failed to write to the console")
	}
	return nil
}

// ReadLine ...
func (s *Session) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	if s.channel == nil {
		return "", ErrNotOpen
	}
	return s.channel.ReadLine(ctx, timeout)
}

// Drain ...
func (s *Session) Drain() {
	if s.channel != nil {
		s.channel.Drain()
	}
}

// Reset restarts the target through the debug probe.
func (s *Session) Reset() error {
	return s.resetter.Reset(s.probeSerial)
}

// Close releases the console and stops the server. It is safe to call more than once, even when Open failed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.channel != nil {
			errs = append(errs, s.channel.Close())
		}
		if s.server != nil {
			errs = append(errs, s.server.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
