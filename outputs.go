package main

import (
	"fmt"
	"path/filepath"

	"github.com/bitrise-io/go-steputils/tools"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/metrics"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/report"
)

// Step outputs
const (
	statusOutputKey     = "HIL_TEST_STATUS"
	reportPathOutputKey = "HIL_TEST_REPORT_PATH"
)

type outputExporter interface {
	ExportOutput(key, value string) error
}

type envmanExporter struct{}

func (envmanExporter) ExportOutput(key, value string) error {
	return tools.ExportEnvironmentWithEnvman(key, value)
}

func exportOutputs(exporter outputExporter, r report.Report, reportPath string) error {
	if err := exporter.ExportOutput(statusOutputKey, r.OverallStatus); err != nil {
		return fmt.Errorf("failed to export %s: %w", statusOutputKey, err)
	}

	pth, err := filepath.Abs(reportPath)
	if err != nil {
		return err
	}
	if err := exporter.ExportOutput(reportPathOutputKey, pth); err != nil {
		return fmt.Errorf("failed to export %s: %w", reportPathOutputKey, err)
	}
	return nil
}

func writeMetrics(r report.Report, pth string) error {
	recorder := metrics.NewRecorder()
	recorder.Record(r)
	return recorder.WriteTextfile(pth)
}
