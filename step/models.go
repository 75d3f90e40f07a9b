package step

import (
	"regexp"
	"time"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/parser"
)

// Policy decides how a failing step affects the rest of the run.
type Policy string

const (
	// Required steps abort the pipeline when they fail.
	Required Policy = "required"
	// Mandatory steps do not abort, but count towards the overall status.
	Mandatory Policy = "mandatory"
	// Optional steps never count towards the overall status.
	Optional Policy = "optional"
)

// Status ...
type Status string

// Step statuses.
const (
	Passed  Status = "Passed"
	Failed  Status = "Failed"
	Skipped Status = "Skipped"
)

// Overall run statuses.
const (
	Successful   = "Successful"
	Unsuccessful = "Failed"
)

// Extractor turns the text captured for each command of a step into typed fields.
type Extractor func(responses []string) (Fields, error)

// Step is one named check of the pipeline. Steps are never modified after construction.
type Step struct {
	Name     string
	Commands []string
	Expect   *regexp.Regexp
	Fail     *regexp.Regexp
	Timeout  time.Duration
	Retries  int
	Policy   Policy

	// Reset restarts the target through the probe before the commands are sent.
	Reset bool

	// Start, when set, has to be seen before a line matching Expect counts. Steps without commands only.
	Start *regexp.Regexp

	DependsOn []string

	// Confirm is asked before running the step; a declined step is Skipped.
	Confirm string

	// Disabled steps are recorded as Skipped without being run.
	Disabled bool

	// FailKind is reported when the device answers with the failure pattern or every attempt times out.
	FailKind failure.Kind
	Extract  Extractor
}

// DeviceInfo identifies the device under test.
type DeviceInfo struct {
	IMEI string `json:"imei"`
	IMSI string `json:"imsi"`
}

// Fields are the structured values extracted from a step's response.
type Fields struct {
	Device       *DeviceInfo
	Registration *parser.Registration
	AccessPoints []parser.AccessPoint
	Location     *parser.Location
	Detail       string
}

// Result is the outcome of one attempted step.
type Result struct {
	Name     string
	Status   Status
	Policy   Policy
	Response string
	Fields   Fields
	Detail   string
	Elapsed  time.Duration
	Attempts int
	Err      error
}

// ErrorKind ...
func (r Result) ErrorKind() failure.Kind {
	return failure.KindOf(r.Err)
}

// Overall derives the run status from the step results: the run is Successful when at least one step
// was attempted and every result that is not optional passed.
func Overall(results []Result) string {
	if len(results) == 0 {
		return Unsuccessful
	}
	for _, result := range results {
		if result.Policy == Optional {
			continue
		}
		if result.Status != Passed {
			return Unsuccessful
		}
	}
	return Successful
}

// Device returns the device info captured by the run, if any.
func Device(results []Result) DeviceInfo {
	for _, result := range results {
		if result.Fields.Device != nil {
			return *result.Fields.Device
		}
	}
	return DeviceInfo{}
}
