// Package console frames the text stream of a device console into lines.
package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout is returned by ReadLine when no complete line arrived in time.
var ErrTimeout = errors.New("timed out waiting for console output")

// ErrClosed is returned by ReadLine once the underlying stream ended.
var ErrClosed = errors.New("console channel closed")

const readBufferSize = 1024

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// Option ...
type Option func(*Channel)

// WithPrompt makes a trailing prompt without newline count as a complete line.
func WithPrompt(prompt string) Option {
	return func(c *Channel) {
		c.prompt = []byte(prompt)
	}
}

// WithLineEnding sets the terminator appended by Send. Defaults to CRLF.
func WithLineEnding(eol string) Option {
	return func(c *Channel) {
		c.eol = eol
	}
}

// WithTranscript logs every line sent and received.
func WithTranscript(logger *zap.Logger) Option {
	return func(c *Channel) {
		c.transcript = logger
	}
}

// Channel is a line oriented view of a device console. A single reader goroutine
// moves incoming bytes into a queue; lines are framed on the caller's goroutine.
type Channel struct {
	rwc        io.ReadWriteCloser
	prompt     []byte
	eol        string
	transcript *zap.Logger

	chunks  chan []byte
	done    chan struct{}
	pending []byte

	mu      sync.Mutex
	readErr error

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewChannel starts reading from rwc. The channel owns rwc and closes it on Close.
func NewChannel(rwc io.ReadWriteCloser, opts ...Option) *Channel {
	c := &Channel{
		rwc:        rwc,
		eol:        "\r\n",
		transcript: zap.NewNop(),
		chunks:     make(chan []byte, 64),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	defer close(c.chunks)

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case c.chunks <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
	}
}

// Send writes line followed by the line terminator.
func (c *Channel) Send(line string) error {
	c.transcript.Info("tx", zap.String("line", line))
	if _, err := io.WriteString(c.rwc, line+c.eol); err != nil {
		return err
	}
	return nil
}

// ReadLine returns the next non-empty line, without terminator and terminal escape sequences.
func (c *Channel) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if line, ok := c.nextLine(); ok {
			c.transcript.Info("rx", zap.String("line", line))
			return line, nil
		}

		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				if line := c.flush(); line != "" {
					c.transcript.Info("rx", zap.String("line", line))
					return line, nil
				}
				return "", c.streamErr()
			}
			c.pending = append(c.pending, chunk...)
		case <-timer.C:
			return "", ErrTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Drain discards everything received so far.
func (c *Channel) Drain() {
	for {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				c.discard()
				return
			}
			c.pending = append(c.pending, chunk...)
		default:
			c.discard()
			return
		}
	}
}

func (c *Channel) discard() {
	if len(c.pending) > 0 {
		c.transcript.Debug("drained", zap.String("data", clean(c.pending)))
	}
	c.pending = nil
}

// Close stops the reader goroutine and closes the underlying stream. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.rwc.Close()
		c.wg.Wait()
	})
	return c.closeErr
}

func (c *Channel) nextLine() (string, bool) {
	for {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		line := clean(c.pending[:i])
		c.pending = c.pending[i+1:]
		if line != "" {
			return line, true
		}
	}

	if len(c.prompt) > 0 && len(c.pending) > 0 {
		partial := clean(c.pending)
		if strings.HasSuffix(partial, string(c.prompt)) {
			c.pending = nil
			return partial, true
		}
	}

	return "", false
}

func (c *Channel) flush() string {
	line := clean(c.pending)
	c.pending = nil
	return line
}

func (c *Channel) streamErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
		return errors.Join(ErrClosed, c.readErr)
	}
	return ErrClosed
}

func clean(b []byte) string {
	return strings.TrimSpace(ansiEscape.ReplaceAllString(string(b), ""))
}
