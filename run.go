package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/console"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/device"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/fileredactor"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/probe"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/report"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/runner"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/step"
	"go.uber.org/zap"
)

const (
	rttConnectAttempts = 5
	rttConnectWait     = time.Second
	junitSuiteName     = "nRF91 HIL"
)

type flasher interface {
	CheckVersion() error
	SelectProbe(serial string) (string, error)
	Program(ctx context.Context, hexPath, serial string) error
}

type session interface {
	runner.Console
	runner.Resetter
	Open(ctx context.Context) error
	Close() error
}

type sessionFactory func(probeSerial string, transcript *zap.Logger) session

type dependencies struct {
	flasher       flasher
	newSession    sessionFactory
	newTranscript func(pth string, verbose bool) (*zap.Logger, error)
	decider       runner.Decider
	pathProcessor fileredactor.FilePathProcessor
	redactor      fileredactor.FileRedactor
	exporter      report.Exporter
	outputs       outputExporter
	tracker       runTracker
	logger        log.Logger
}

func newDependencies(settings Settings, repository env.Repository, logger log.Logger) dependencies {
	nrfjprog := probe.NewNrfjprog(settings.FlashAttempts, logger)
	fileManager := fileutil.NewFileManager()

	return dependencies{
		flasher:       nrfjprog,
		newSession:    newSessionFactory(settings, nrfjprog, logger),
		newTranscript: console.NewTranscript,
		decider:       newDecider(settings.GNSS, os.Stdin, os.Stdout),
		pathProcessor: fileredactor.NewFilePathProcessor(repository, pathutil.NewPathModifier(), pathutil.NewPathChecker()),
		redactor:      fileredactor.NewFileRedactor(fileManager, logger),
		exporter:      report.NewExporter(report.TestResultDirFromEnv(repository.Get), fileManager, logger),
		outputs:       envmanExporter{},
		tracker:       newTracker(repository, logger),
		logger:        logger,
	}
}

func newSessionFactory(settings Settings, resetter device.Resetter, logger log.Logger) sessionFactory {
	return func(probeSerial string, transcript *zap.Logger) session {
		opts := []console.Option{console.WithPrompt(step.Prompt), console.WithTranscript(transcript)}

		if settings.Transport == TransportSerial {
			return device.NewSession(nil, device.SerialDialer(settings.SerialPort, settings.BaudRate), resetter, probeSerial, logger, opts...)
		}

		cfg := settings.JLink
		cfg.Serial = probeSerial
		server := probe.NewJLinkServer(cfg, logger)
		dial := device.RTTDialer(settings.RTTAddress, rttConnectAttempts, rttConnectWait, logger)
		return device.NewSession(server, dial, resetter, probeSerial, logger, opts...)
	}
}

func newDecider(mode string, in io.Reader, out io.Writer) runner.Decider {
	switch mode {
	case GNSSYes:
		return runner.FixedDecider(true)
	case GNSSNo:
		return runner.FixedDecider(false)
	default:
		return runner.NewPromptDecider(in, out)
	}
}

// run flashes the board, runs the test pipeline and writes the outputs. It returns the exit code.
func run(ctx context.Context, settings Settings, deps dependencies) int {
	logger := deps.logger

	steps, err := settings.Plan.Apply(step.DefaultPipeline(func(line string, err error) {
		logger.Warnf("Ignoring WiFi scan row (%s): %s", err, line)
	}))
	if err != nil {
		logger.Errorf("%s", err)
		return 1
	}

	transcript, err := deps.newTranscript(settings.LogFile, settings.Verbose)
	if err != nil {
		err = failure.Wrapf(failure.WriteError, err, "failed to create console log (%s)", settings.LogFile)
		logger.Errorf("%s", err)
		return finish(report.Failed(report.NewMetadata(settings.ProbeSerial, filepath.Base(settings.HexPath)), err), settings, deps)
	}

	meta, results, runErr := execSession(ctx, settings, deps, transcript, steps)

	// Flushing a file sink can report a harmless error for stdout/stderr targets.
	_ = transcript.Sync()

	var r report.Report
	if runErr != nil && len(results) == 0 {
		r = report.Failed(meta, runErr)
	} else {
		r = report.Build(meta, results)
		if runErr != nil {
			r.Error = runErr.Error()
		}
	}

	if runErr != nil {
		logger.Errorf("%s", runErr)
	}

	return finish(r, settings, deps)
}

func execSession(ctx context.Context, settings Settings, deps dependencies, transcript *zap.Logger, steps []step.Step) (report.Metadata, []step.Result, error) {
	logger := deps.logger
	meta := report.NewMetadata(settings.ProbeSerial, filepath.Base(settings.HexPath))

	logger.Println()
	logger.Infof("Flashing %s", settings.HexPath)
	if err := deps.flasher.CheckVersion(); err != nil {
		return meta, nil, err
	}

	probeSerial, err := deps.flasher.SelectProbe(settings.ProbeSerial)
	if err != nil {
		return meta, nil, err
	}
	meta.ProbeSerial = probeSerial

	if err := deps.flasher.Program(ctx, settings.HexPath, probeSerial); err != nil {
		return meta, nil, err
	}
	logger.Donef("Firmware flashed to %s", probeSerial)

	if settings.Settle > 0 {
		logger.Printf("Waiting %s for the modem to start", settings.Settle)
		select {
		case <-time.After(settings.Settle):
		case <-ctx.Done():
			return meta, nil, failure.Wrap(failure.Interrupted, ctx.Err(), "interrupted while waiting for the modem")
		}
	}

	s := deps.newSession(probeSerial, transcript)
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warnf("Failed to close the device session: %s", err)
		}
	}()

	logger.Println()
	logger.Infof("Connecting to the device console")
	if err := s.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return meta, nil, failure.Wrap(failure.Interrupted, ctx.Err(), "interrupted while connecting to the console")
		}
		if failure.KindOf(err) == "" {
			err = failure.Wrap(failure.ConnectionError, err, "failed to open the device console")
		}
		return meta, nil, err
	}

	logger.Println()
	logger.Infof("Running tests")
	results := runner.New(s, s, deps.decider, logger).Run(ctx, steps)

	if err := ctx.Err(); err != nil {
		return meta, results, failure.Wrap(failure.Interrupted, err, "test run interrupted")
	}
	return meta, results, nil
}

// finish writes every requested output of the run. Output failures fail the run.
func finish(r report.Report, settings Settings, deps dependencies) int {
	logger := deps.logger
	var errs []error

	logger.Println()
	attachments := attachmentPaths(settings, deps)
	if settings.Redact {
		redact(r, settings.LogFile, attachments, deps)
	}

	if err := report.Write(r, settings.ReportPath); err != nil {
		errs = append(errs, err)
	} else {
		logger.Donef("Report written to %s", settings.ReportPath)
	}

	if settings.JUnitPath != "" {
		if err := report.WriteJUnit(r, junitSuiteName, settings.JUnitPath); err != nil {
			errs = append(errs, err)
		} else {
			logger.Donef("JUnit report written to %s", settings.JUnitPath)
		}
	}

	if settings.MetricsPath != "" {
		if err := writeMetrics(r, settings.MetricsPath); err != nil {
			errs = append(errs, err)
		} else {
			logger.Donef("Metrics written to %s", settings.MetricsPath)
		}
	}

	if dir, err := deps.exporter.Export(r, junitSuiteName, append([]string{settings.LogFile}, attachments...)); err != nil {
		logger.Debugf("Test results are not exported: %s", err)
	} else {
		logger.Donef("Test results exported to %s", dir)
	}

	if settings.PublishURL != "" {
		if err := report.NewPublisher(settings.PublishURL, settings.PublishToken, logger).Publish(r); err != nil {
			logger.Warnf("Failed to publish the report: %s", err)
		}
	}

	if settings.ExportOutputs {
		if err := exportOutputs(deps.outputs, r, settings.ReportPath); err != nil {
			errs = append(errs, err)
		}
	}

	deps.tracker.logRun(r)
	deps.tracker.wait()

	logger.Println()
	for _, err := range errs {
		logger.Errorf("%s", err)
	}
	if len(errs) > 0 {
		return 1
	}

	// An aborted run fails even when every step it got to passed.
	if r.Error != "" {
		logger.Errorf("Run did not complete (overall status of the executed steps: %s)", r.OverallStatus)
		return 1
	}

	if r.OverallStatus != step.Successful {
		logger.Errorf("Overall status: %s", r.OverallStatus)
		return 1
	}
	logger.Donef("Overall status: %s", r.OverallStatus)
	return 0
}

func attachmentPaths(settings Settings, deps dependencies) []string {
	paths, err := deps.pathProcessor.ProcessFilePaths(settings.Attachments)
	if err != nil {
		deps.logger.Warnf("Ignoring attachments: %s", err)
		return nil
	}
	return paths
}

// redact removes the device identifiers from the console log and the attachments.
func redact(r report.Report, logFile string, attachments []string, deps dependencies) {
	var secrets []string
	for _, id := range []string{r.IMEI, r.IMSI} {
		if id != "" {
			secrets = append(secrets, id)
		}
	}
	if len(secrets) == 0 {
		return
	}

	var files []string
	if _, err := os.Stat(logFile); err == nil {
		files = append(files, logFile)
	} else if !errors.Is(err, os.ErrNotExist) {
		deps.logger.Warnf("Failed to check console log: %s", err)
	}
	files = append(files, attachments...)

	if err := deps.redactor.RedactFiles(files, secrets); err != nil {
		deps.logger.Warnf("Failed to redact device identifiers: %s", err)
		return
	}
	deps.logger.Donef("Device identifiers redacted from %d file(s)", len(files))
}
