package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
)

// Decider answers the operator questions that gate optional steps.
type Decider interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// FixedDecider gives the same answer to every question.
type FixedDecider bool

// Confirm ...
func (d FixedDecider) Confirm(context.Context, string) (bool, error) {
	return bool(d), nil
}

type answer struct {
	text string
	err  error
}

// PromptDecider asks the operator on a terminal.
type PromptDecider struct {
	in  *bufio.Reader
	out io.Writer

	// pending is the read left behind by an interrupted question.
	pending chan answer
}

// NewPromptDecider ...
func NewPromptDecider(in io.Reader, out io.Writer) *PromptDecider {
	return &PromptDecider{in: bufio.NewReader(in), out: out}
}

// Confirm prints the question and reads a y/n answer. A closed input declines,
// a cancelled ctx returns an Interrupted error without waiting for the answer.
func (d *PromptDecider) Confirm(ctx context.Context, question string) (bool, error) {
	if _, err := fmt.Fprintf(d.out, "%s (y/n): ", question); err != nil {
		return false, err
	}

	if d.pending == nil {
		d.pending = make(chan answer, 1)
		go func(answers chan<- answer) {
			text, err := d.in.ReadString('\n')
			answers <- answer{text: text, err: err}
		}(d.pending)
	}

	select {
	case a := <-d.pending:
		d.pending = nil
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			return false, a.err
		}

		switch strings.ToLower(strings.TrimSpace(a.text)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	case <-ctx.Done():
		return false, failure.Wrap(failure.Interrupted, ctx.Err(), "interrupted while waiting for the answer")
	}
}
