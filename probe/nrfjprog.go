// Package probe drives the Nordic and SEGGER command line tools attached to the debug probe.
package probe

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/command"
	"github.com/bitrise-io/go-utils/errorutil"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-version"
)

const (
	nrfjprogTool       = "nrfjprog"
	targetFamily       = "NRF91"
	minNrfjprogVersion = "10.12.0"
)

var (
	nrfjprogVersionPattern = regexp.MustCompile(`(?m)^nrfjprog version:\s*(\d+\.\d+\.\d+)`)
	probeSerialPattern     = regexp.MustCompile(`^\d{6,12}$`)
)

// Runner executes tool with args and returns its trimmed combined output.
type Runner func(tool string, args ...string) (string, error)

// run executes a given command.
func run(tool string, args ...string) (string, error) {
	cmd := command.New(tool, args...)
	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		if errorutil.IsExitStatusError(err) {
			return out, fmt.Errorf("%s failed: %s", cmd.PrintableCommandArgs(), out)
		}
		return out, fmt.Errorf("%s failed: %s", cmd.PrintableCommandArgs(), err)
	}
	return out, nil
}

// Nrfjprog flashes and resets the target through the nrfjprog command line tool.
type Nrfjprog struct {
	logger  log.Logger
	run     Runner
	retries uint
	wait    time.Duration
}

// NewNrfjprog ...
func NewNrfjprog(flashAttempts uint, logger log.Logger) *Nrfjprog {
	return NewNrfjprogWithRunner(flashAttempts, time.Second, run, logger)
}

// NewNrfjprogWithRunner ...
func NewNrfjprogWithRunner(flashAttempts uint, wait time.Duration, runner Runner, logger log.Logger) *Nrfjprog {
	if flashAttempts == 0 {
		flashAttempts = 1
	}
	return &Nrfjprog{
		logger:  logger,
		run:     runner,
		retries: flashAttempts - 1,
		wait:    wait,
	}
}

// Version returns the installed nrfjprog version.
func (n *Nrfjprog) Version() (*version.Version, error) {
	out, err := n.run(nrfjprogTool, "--version")
	if err != nil {
		return nil, failure.Wrap(failure.FlashError, err, "nrfjprog is not available")
	}
	return parseNrfjprogVersion(out)
}

// CheckVersion fails when the installed nrfjprog is older than the oldest supported release.
func (n *Nrfjprog) CheckVersion() error {
	current, err := n.Version()
	if err != nil {
		return err
	}

	minimum := version.Must(version.NewVersion(minNrfjprogVersion))
	if current.LessThan(minimum) {
		return failure.New(failure.FlashError, "nrfjprog %s is too old, at least %s is required", current, minimum)
	}
	n.logger.Debugf("nrfjprog version: %s", current)
	return nil
}

// ListProbes returns the serial numbers of the connected debug probes.
func (n *Nrfjprog) ListProbes() ([]string, error) {
	out, err := n.run(nrfjprogTool, "--ids")
	if err != nil {
		return nil, failure.Wrap(failure.FlashError, err, "failed to list debug probes")
	}
	return parseProbeSerials(out), nil
}

// SelectProbe returns serial when it is connected, or the first connected probe when serial is empty.
func (n *Nrfjprog) SelectProbe(serial string) (string, error) {
	serials, err := n.ListProbes()
	if err != nil {
		return "", err
	}
	if len(serials) == 0 {
		return "", failure.New(failure.FlashError, "no debug probe found")
	}
	if serial == "" {
		if len(serials) > 1 {
			n.logger.Warnf("%d debug probes found, using the first one (%s)", len(serials), serials[0])
		}
		return serials[0], nil
	}

	for _, s := range serials {
		if s == serial {
			return serial, nil
		}
	}
	return "", failure.New(failure.FlashError, "debug probe %s not found, connected probes: %s", serial, strings.Join(serials, ", "))
}

// Program erases the target, writes hexPath, verifies it and resets the target.
func (n *Nrfjprog) Program(ctx context.Context, hexPath, serial string) error {
	info, err := os.Stat(hexPath)
	if err != nil {
		return failure.Wrap(failure.FlashError, err, "firmware image is not accessible")
	}
	n.logger.Printf("Flashing %s (%s) to probe %s", hexPath, units.HumanSize(float64(info.Size())), serial)

	steps := [][]string{
		{"-f", targetFamily, "--eraseall", "--snr", serial},
		{"-f", targetFamily, "--program", hexPath, "--chiperase", "--verify", "--snr", serial},
		{"-f", targetFamily, "--reset", "--snr", serial},
	}

	var lastErr error
	err = retry.Times(n.retries).Wait(n.wait).Try(func(attempt uint) error {
		if ctx.Err() != nil {
			return nil
		}
		if attempt > 0 {
			n.logger.Warnf("Flashing failed (attempt %d/%d): %s", attempt, n.retries+1, lastErr)
			n.logger.Printf("Retrying...")
		}

		for _, args := range steps {
			if _, err := n.run(nrfjprogTool, args...); err != nil {
				lastErr = err
				return err
			}
		}
		return nil
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return failure.Wrap(failure.Interrupted, ctxErr, "flashing interrupted")
	}
	if err != nil {
		return failure.Wrapf(failure.FlashError, err, "flashing failed after %d attempts", n.retries+1)
	}
	return nil
}

// Reset restarts the target.
func (n *Nrfjprog) Reset(serial string) error {
	if _, err := n.run(nrfjprogTool, "-f", targetFamily, "--reset", "--snr", serial); err != nil {
		return failure.Wrap(failure.ConnectionError, err, "failed to reset the target")
	}
	return nil
}

func parseNrfjprogVersion(out string) (*version.Version, error) {
	match := nrfjprogVersionPattern.FindStringSubmatch(out)
	if match == nil {
		return nil, failure.New(failure.ParseError, "unexpected nrfjprog version output: %s", out)
	}
	v, err := version.NewVersion(match[1])
	if err != nil {
		return nil, failure.Wrap(failure.ParseError, err, "invalid nrfjprog version")
	}
	return v, nil
}

func parseProbeSerials(out string) []string {
	var serials []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if probeSerialPattern.MatchString(line) {
			serials = append(serials, line)
		}
	}
	return serials
}
