// Package metrics exposes the outcome of a run in the Prometheus text format,
// for collection by a node exporter textfile collector.
package metrics

import (
	"time"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/report"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/step"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder ...
type Recorder struct {
	registry *prometheus.Registry

	stepDuration *prometheus.GaugeVec
	stepStatus   *prometheus.GaugeVec
	stepAttempts *prometheus.GaugeVec
	accessPoints prometheus.Gauge
	runSuccess   prometheus.Gauge
	runTimestamp prometheus.Gauge
}

// NewRecorder ...
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		stepDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nrf91_hil_step_duration_seconds",
			Help: "Time spent on a test step",
		}, []string{"step"}),
		stepStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nrf91_hil_step_status",
			Help: "Set to 1 for the status a test step finished with",
		}, []string{"step", "status"}),
		stepAttempts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nrf91_hil_step_attempts",
			Help: "Attempts used by a test step",
		}, []string{"step"}),
		accessPoints: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nrf91_hil_wifi_access_points",
			Help: "Access points found by the Wi-Fi scan",
		}),
		runSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nrf91_hil_run_success",
			Help: "1 if the last run was successful",
		}),
		runTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nrf91_hil_run_timestamp_seconds",
			Help: "Unix time of the last run",
		}),
	}
}

// Record stores the values of r.
func (m *Recorder) Record(r report.Report) {
	for _, result := range r.TestResults {
		m.stepDuration.WithLabelValues(result.Name).Set(result.ElapsedSeconds)
		m.stepStatus.WithLabelValues(result.Name, result.Status).Set(1)
		m.stepAttempts.WithLabelValues(result.Name).Set(float64(result.Attempts))
		if result.ScanCount != nil {
			m.accessPoints.Set(float64(*result.ScanCount))
		}
	}

	if r.OverallStatus == step.Successful {
		m.runSuccess.Set(1)
	} else {
		m.runSuccess.Set(0)
	}

	if timestamp, err := time.Parse(time.RFC3339, r.Timestamp); err == nil {
		m.runTimestamp.Set(float64(timestamp.Unix()))
	}
}

// WriteTextfile writes the recorded values to pth, replacing it atomically.
func (m *Recorder) WriteTextfile(pth string) error {
	if err := prometheus.WriteToTextfile(pth, m.registry); err != nil {
		return failure.Wrap(failure.WriteError, err, "failed to write metrics")
	}
	return nil
}
