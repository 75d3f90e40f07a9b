package report

import (
	"encoding/xml"
	"fmt"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/step"
)

// JUnitReport is the root of a JUnit XML document.
type JUnitReport struct {
	XMLName    xml.Name         `xml:"testsuites"`
	TestSuites []JUnitTestSuite `xml:"testsuite"`
}

// JUnitTestSuite ...
type JUnitTestSuite struct {
	XMLName    xml.Name         `xml:"testsuite"`
	Name       string           `xml:"name,attr"`
	Tests      int              `xml:"tests,attr"`
	Failures   int              `xml:"failures,attr"`
	Errors     int              `xml:"errors,attr"`
	Skipped    int              `xml:"skipped,attr"`
	Time       float64          `xml:"time,attr"`
	Timestamp  string           `xml:"timestamp,attr,omitempty"`
	Properties *JUnitProperties `xml:"properties,omitempty"`
	TestCases  []JUnitTestCase  `xml:"testcase"`
}

// JUnitTestCase ...
type JUnitTestCase struct {
	XMLName   xml.Name        `xml:"testcase"`
	Name      string          `xml:"name,attr"`
	ClassName string          `xml:"classname,attr"`
	Time      float64         `xml:"time,attr"`
	Error     *JUnitMessage   `xml:"error,omitempty"`
	Failure   *JUnitMessage   `xml:"failure,omitempty"`
	Skipped   *JUnitMessage   `xml:"skipped,omitempty"`
	SystemOut *JUnitSystemOut `xml:"system-out,omitempty"`
}

// JUnitMessage ...
type JUnitMessage struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Value   string `xml:",chardata"`
}

// JUnitSystemOut ...
type JUnitSystemOut struct {
	Value string `xml:",chardata"`
}

// JUnitProperty ...
type JUnitProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// JUnitProperties ...
type JUnitProperties struct {
	Property []JUnitProperty `xml:"property"`
}

const junitClassName = "nrf91.hil"

// ToJUnit converts r into a single JUnit test suite with one test case per step.
// A failed optional step is reported as skipped, so it does not fail the suite.
func ToJUnit(r Report, suiteName string) JUnitReport {
	suite := JUnitTestSuite{
		Name:      suiteName,
		Timestamp: r.Timestamp,
		Properties: &JUnitProperties{Property: []JUnitProperty{
			{Name: "run_id", Value: r.RunID},
			{Name: "probe_serial", Value: r.ProbeSerial},
			{Name: "firmware", Value: r.Firmware},
			{Name: "overall_status", Value: r.OverallStatus},
		}},
	}

	if r.Error != "" {
		suite.Tests++
		suite.Errors++
		suite.TestCases = append(suite.TestCases, JUnitTestCase{
			Name:      "setup",
			ClassName: junitClassName,
			Error:     &JUnitMessage{Message: r.Error},
		})
	}

	for _, result := range r.TestResults {
		testCase := JUnitTestCase{
			Name:      result.Name,
			ClassName: junitClassName,
			Time:      result.ElapsedSeconds,
		}
		if result.Response != "" {
			testCase.SystemOut = &JUnitSystemOut{Value: result.Response}
		}

		switch {
		case result.Status == string(step.Skipped):
			testCase.Skipped = &JUnitMessage{Message: result.Details}
			suite.Skipped++
		case result.Status == string(step.Failed) && result.Policy == string(step.Optional):
			testCase.Skipped = &JUnitMessage{Message: fmt.Sprintf("optional step failed: %s", result.Details), Type: result.ErrorKind}
			suite.Skipped++
		case result.Status == string(step.Failed):
			testCase.Failure = &JUnitMessage{Message: result.Details, Type: result.ErrorKind}
			suite.Failures++
		}

		suite.Tests++
		suite.Time += result.ElapsedSeconds
		suite.TestCases = append(suite.TestCases, testCase)
	}

	return JUnitReport{TestSuites: []JUnitTestSuite{suite}}
}

// MarshalJUnit renders the JUnit XML document of r.
func MarshalJUnit(r Report, suiteName string) ([]byte, error) {
	data, err := xml.MarshalIndent(ToJUnit(r, suiteName), "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}

// WriteJUnit stores the JUnit XML rendition of r at pth.
func WriteJUnit(r Report, suiteName, pth string) error {
	data, err := MarshalJUnit(r, suiteName)
	if err != nil {
		return err
	}
	return writeAtomic(pth, data)
}
