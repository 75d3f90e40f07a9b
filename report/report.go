// Package report turns step results into the run report and writes it out.
package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/step"
	"github.com/google/uuid"
)

// Metadata describes the run a report belongs to.
type Metadata struct {
	RunID       string
	ProbeSerial string
	Firmware    string
	Time        time.Time
}

// NewMetadata returns the metadata of a run starting now, with a fresh run id.
func NewMetadata(probeSerial, firmware string) Metadata {
	return Metadata{
		RunID:       uuid.NewString(),
		ProbeSerial: probeSerial,
		Firmware:    firmware,
		Time:        time.Now(),
	}
}

// Build aggregates the step results of a run.
func Build(meta Metadata, results []step.Result) Report {
	device := step.Device(results)

	r := Report{
		RunID:         meta.RunID,
		IMEI:          device.IMEI,
		IMSI:          device.IMSI,
		ProbeSerial:   meta.ProbeSerial,
		Firmware:      meta.Firmware,
		Timestamp:     meta.Time.UTC().Format(time.RFC3339),
		OverallStatus: step.Overall(results),
		TestResults:   TestResults{},
	}

	for _, result := range results {
		r.TestResults = append(r.TestResults, convert(result))
	}

	return r
}

// Failed returns the report of a run that could not execute any step.
func Failed(meta Metadata, err error) Report {
	r := Build(meta, nil)
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func convert(result step.Result) TestResult {
	converted := TestResult{
		Name:           result.Name,
		Status:         string(result.Status),
		Policy:         string(result.Policy),
		Details:        result.Detail,
		ElapsedSeconds: result.Elapsed.Round(time.Millisecond).Seconds(),
		Attempts:       result.Attempts,
		ErrorKind:      string(result.ErrorKind()),
		Response:       result.Response,
		Coordinates:    result.Fields.Location,
	}

	if registration := result.Fields.Registration; registration != nil {
		converted.Registration = &Registration{
			Status: registration.Status.String(),
			Code:   registration.Code,
		}
	}

	if result.Name == step.WiFiScan && result.Status == step.Passed {
		count := len(result.Fields.AccessPoints)
		converted.ScanCount = &count
		converted.AccessPoints = result.Fields.AccessPoints
	}

	return converted
}

// Write stores r as indented JSON at pth. The file is replaced atomically:
// readers see either the previous content or the complete new report.
func Write(r Report, pth string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return failure.Wrap(failure.WriteError, err, "failed to encode report")
	}
	data = append(data, '\n')

	return writeAtomic(pth, data)
}

func writeAtomic(pth string, data []byte) (err error) {
	dir := filepath.Dir(pth)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return failure.Wrapf(failure.WriteError, err, "failed to create report directory (%s)", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(pth)+".*.tmp")
	if err != nil {
		return failure.Wrapf(failure.WriteError, err, "failed to create temporary report file in %s", dir)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return failure.Wrap(failure.WriteError, err, "failed to write report")
	}
	if err := tmp.Sync(); err != nil {
		return failure.Wrap(failure.WriteError, err, "failed to sync report")
	}
	if err := tmp.Chmod(0644); err != nil {
		return failure.Wrap(failure.WriteError, err, "failed to set report permissions")
	}
	if err := tmp.Close(); err != nil {
		return failure.Wrap(failure.WriteError, err, "failed to close report")
	}

	//rename the complete file over the old one
	if err := os.Rename(tmp.Name(), pth); err != nil {
		return failure.Wrapf(failure.WriteError, err, "failed to move report to %s", pth)
	}

	return nil
}

// Read loads a report written by Write.
func Read(pth string) (Report, error) {
	data, err := os.ReadFile(pth)
	if err != nil {
		return Report{}, err
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, failure.Wrapf(failure.ParseError, err, "invalid report (%s)", pth)
	}
	return r, nil
}
