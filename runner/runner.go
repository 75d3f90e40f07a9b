// Package runner executes the test steps against a device console.
package runner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/console"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/step"
)

// Console is the line oriented channel to the device shell.
type Console interface {
	Send(line string) error
	ReadLine(ctx context.Context, timeout time.Duration) (string, error)
	Drain()
}

// Resetter restarts the device.
type Resetter interface {
	Reset() error
}

// Runner ...
type Runner struct {
	console  Console
	resetter Resetter
	decider  Decider
	logger   log.Logger
}

// New ...
func New(console Console, resetter Resetter, decider Decider, logger log.Logger) *Runner {
	return &Runner{
		console:  console,
		resetter: resetter,
		decider:  decider,
		logger:   logger,
	}
}

// Run executes steps in order and returns one result per attempted step.
// It stops after a failed required step or when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, steps []step.Step) []step.Result {
	var results []step.Result
	passed := map[string]bool{}

	for _, s := range steps {
		if ctx.Err() != nil {
			r.logger.Warnf("Interrupted, %s and the following steps are not run", s.Name)
			break
		}

		result, attempted := r.skipped(ctx, s, passed)
		if !attempted {
			r.logger.Printf("Running %s...", s.Name)
			result = r.runStep(ctx, s)
		}

		r.report(result)
		results = append(results, result)
		passed[s.Name] = result.Status == step.Passed

		if result.ErrorKind() == failure.Interrupted {
			break
		}
		if result.Status == step.Failed && s.Policy == step.Required {
			r.logger.Errorf("Required step %s failed, aborting", s.Name)
			break
		}
	}

	return results
}

// skipped returns a Skipped result when s must not run; attempted is false when s should be run.
// An interrupt while the operator is asked yields a Failed result.
func (r *Runner) skipped(ctx context.Context, s step.Step, passed map[string]bool) (step.Result, bool) {
	skip := func(detail string) (step.Result, bool) {
		return step.Result{Name: s.Name, Status: step.Skipped, Policy: s.Policy, Detail: detail}, true
	}

	for _, dependency := range s.DependsOn {
		if !passed[dependency] {
			return skip("depends on " + dependency)
		}
	}

	if s.Disabled {
		return skip("disabled by the test plan")
	}

	if s.Confirm != "" {
		confirmed, err := r.decider.Confirm(ctx, s.Confirm)
		if err == nil && ctx.Err() != nil {
			err = failure.Wrap(failure.Interrupted, ctx.Err(), "interrupted while waiting for the answer")
		}
		if failure.Is(err, failure.Interrupted) {
			return step.Result{Name: s.Name, Status: step.Failed, Policy: s.Policy, Detail: err.Error(), Err: err}, true
		}
		if err != nil {
			r.logger.Warnf("Failed to read the answer: %s", err)
		}
		if !confirmed {
			return skip("declined by the operator")
		}
	}

	return step.Result{}, false
}

func (r *Runner) runStep(ctx context.Context, s step.Step) step.Result {
	start := time.Now()
	result := step.Result{Name: s.Name, Policy: s.Policy}

	var responses []string
	var err error
	// Only timeouts are retried; any other outcome ends the loop with err kept.
	_ = retry.Times(uint(s.Retries)).Try(func(attempt uint) error {
		if attempt > 0 {
			r.logger.Debugf("%s: attempt %d/%d failed: %s", s.Name, attempt, s.Retries+1, err)
		}
		result.Attempts++

		responses, err = r.attempt(ctx, s)
		if errors.Is(err, console.ErrTimeout) {
			return err
		}
		return nil
	})

	result.Response = strings.Join(responses, "\n")
	result.Elapsed = time.Since(start)

	if err == nil && s.Extract != nil {
		result.Fields, err = s.Extract(responses)
		if err == nil {
			result.Detail = result.Fields.Detail
		}
	}

	if err != nil {
		result.Status = step.Failed
		result.Err = err
		result.Detail = err.Error()
		return result
	}

	result.Status = step.Passed
	return result
}

// attempt runs the commands of s once and returns the text captured for each command.
func (r *Runner) attempt(ctx context.Context, s step.Step) ([]string, error) {
	r.console.Drain()

	if s.Reset {
		if err := r.resetter.Reset(); err != nil {
			return nil, err
		}
	}

	if len(s.Commands) == 0 {
		var text []string
		if s.Start != nil {
			response, err := r.readUntil(ctx, s, s.Start)
			if err != nil {
				return []string{response}, err
			}
			text = append(text, response)
		}
		response, err := r.readUntil(ctx, s, s.Expect)
		text = append(text, response)
		return []string{strings.Join(text, "\n")}, err
	}

	var responses []string
	for i, cmd := range s.Commands {
		r.logger.Debugf("%s: > %s", s.Name, cmd)
		if err := r.console.Send(cmd); err != nil {
			return responses, failure.Wrap(failure.ConnectionError, err, "failed to send command")
		}

		expect := s.Expect
		if i < len(s.Commands)-1 {
			expect = step.CompletionPattern
		}

		response, err := r.readUntil(ctx, s, expect)
		responses = append(responses, response)
		if err != nil {
			return responses, err
		}
	}

	return responses, nil
}

// readUntil collects lines until one matches expect or the failure pattern of s.
func (r *Runner) readUntil(ctx context.Context, s step.Step, expect *regexp.Regexp) (string, error) {
	deadline := time.Now().Add(s.Timeout)
	var lines []string

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return strings.Join(lines, "\n"), timeoutError(s, expect)
		}

		line, err := r.console.ReadLine(ctx, remaining)
		if err != nil {
			text := strings.Join(lines, "\n")
			switch {
			case errors.Is(err, console.ErrTimeout):
				return text, timeoutError(s, expect)
			case ctx.Err() != nil:
				return text, failure.Wrap(failure.Interrupted, ctx.Err(), "interrupted")
			default:
				return text, failure.Wrap(failure.ConnectionError, err, "console read failed")
			}
		}

		r.logger.Debugf("%s: < %s", s.Name, line)
		lines = append(lines, line)

		if s.Fail != nil && s.Fail.MatchString(line) {
			return strings.Join(lines, "\n"), failure.New(kindOf(s), "device reported: %s", line)
		}
		if expect.MatchString(line) {
			return strings.Join(lines, "\n"), nil
		}
	}
}

func timeoutError(s step.Step, expect *regexp.Regexp) error {
	return failure.Wrapf(kindOf(s), console.ErrTimeout, "no response matching %q within %s", expect.String(), s.Timeout)
}

func kindOf(s step.Step) failure.Kind {
	if s.FailKind == "" {
		return failure.Timeout
	}
	return s.FailKind
}

func (r *Runner) report(result step.Result) {
	switch result.Status {
	case step.Passed:
		r.logger.Donef("%s: ✓ %s", result.Name, result.Detail)
	case step.Skipped:
		r.logger.Warnf("%s: - skipped (%s)", result.Name, result.Detail)
	default:
		message := fmt.Sprintf("%s: ✗ %s", result.Name, result.Detail)
		if result.Policy == step.Optional {
			r.logger.Warnf("%s (optional)", message)
		} else {
			r.logger.Errorf("%s", message)
		}
	}
}
