package report

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/parser"
)

// Report is the JSON document describing one test run.
type Report struct {
	RunID         string      `json:"run_id"`
	IMEI          string      `json:"imei"`
	IMSI          string      `json:"imsi"`
	ProbeSerial   string      `json:"probe_serial,omitempty"`
	Firmware      string      `json:"firmware,omitempty"`
	Timestamp     string      `json:"timestamp"`
	OverallStatus string      `json:"overall_status"`
	Error         string      `json:"error,omitempty"`
	TestResults   TestResults `json:"test_results"`
}

// TestResult ...
type TestResult struct {
	Name           string               `json:"-"`
	Status         string               `json:"status"`
	Policy         string               `json:"policy"`
	Details        string               `json:"details"`
	ElapsedSeconds float64              `json:"elapsed_seconds"`
	Attempts       int                  `json:"attempts,omitempty"`
	ErrorKind      string               `json:"error_kind,omitempty"`
	Registration   *Registration        `json:"registration,omitempty"`
	ScanCount      *int                 `json:"scan_count,omitempty"`
	AccessPoints   []parser.AccessPoint `json:"access_points,omitempty"`
	Coordinates    *parser.Location     `json:"coordinates,omitempty"`

	// Response is the raw console text, kept out of the JSON document.
	Response string `json:"-"`
}

// Registration ...
type Registration struct {
	Status string `json:"status"`
	Code   int    `json:"code"`
}

// TestResults is encoded as a JSON object keyed by step name, in run order.
type TestResults []TestResult

// MarshalJSON ...
func (r TestResults) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, result := range r {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(result.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps the order of the keys.
func (r *TestResults) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))

	token, err := decoder.Token()
	if err != nil {
		return err
	}
	if token == nil {
		*r = nil
		return nil
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("test_results should be an object, got: %v", token)
	}

	results := TestResults{}
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return err
		}
		name, ok := token.(string)
		if !ok {
			return fmt.Errorf("invalid test result key: %v", token)
		}

		var result TestResult
		if err := decoder.Decode(&result); err != nil {
			return fmt.Errorf("invalid test result (%s): %w", name, err)
		}
		result.Name = name
		results = append(results, result)
	}

	if _, err := decoder.Token(); err != nil {
		return err
	}

	*r = results
	return nil
}

// Find returns the result of the named step.
func (r TestResults) Find(name string) (TestResult, bool) {
	for _, result := range r {
		if result.Name == name {
			return result, true
		}
	}
	return TestResult{}, false
}
