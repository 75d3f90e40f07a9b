package main

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/report"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/step"
)

type runTracker interface {
	logRun(r report.Report)
	wait()
}

type tracker struct {
	tracker analytics.Tracker
}

func newTracker(envRepo env.Repository, logger log.Logger) tracker {
	p := analytics.Properties{
		"step_id":    "nrf91-hil-test",
		"build_slug": envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":   envRepo.Get("BITRISE_APP_SLUG"),
	}
	return tracker{
		tracker: analytics.NewDefaultTracker(logger, p),
	}
}

func (t tracker) logRun(r report.Report) {
	t.tracker.Enqueue("hil_test_finished", runProperties(r))
}

func (t tracker) wait() {
	t.tracker.Wait()
}

// runProperties summarizes a run without the device identifiers.
func runProperties(r report.Report) analytics.Properties {
	var failed []string
	var durationSeconds float64
	for _, result := range r.TestResults {
		durationSeconds += result.ElapsedSeconds
		if result.Status == string(step.Failed) {
			failed = append(failed, result.Name)
		}
	}

	properties := analytics.Properties{
		"run_id":         r.RunID,
		"overall_status": r.OverallStatus,
		"step_count":     len(r.TestResults),
		"failed_steps":   failed,
		"duration_ms":    int64(durationSeconds * 1000),
	}
	if r.Error != "" {
		properties["error"] = r.Error
	}
	return properties
}
