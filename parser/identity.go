package parser

import (
	"regexp"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
)

var (
	cgsnPattern     = regexp.MustCompile(`\+CGSN:\s*"?(\d{15})"?`)
	bareIMEIPattern = regexp.MustCompile(`(?m)^\s*(\d{15})\s*$`)
	imsiPattern     = regexp.MustCompile(`(?m)^\s*(\d{5,15})\s*$`)
)

// ParseIMEI reads the IMEI from an AT+CGSN or AT+CGSN=1 response.
func ParseIMEI(text string) (string, error) {
	if match := cgsnPattern.FindStringSubmatch(text); match != nil {
		return match[1], nil
	}
	if match := bareIMEIPattern.FindStringSubmatch(text); match != nil {
		return match[1], nil
	}
	return "", failure.New(failure.ParseError, "no IMEI in response")
}

// ParseIMSI reads the IMSI from an AT+CIMI response.
func ParseIMSI(text string) (string, error) {
	if match := imsiPattern.FindStringSubmatch(text); match != nil {
		return match[1], nil
	}
	return "", failure.New(failure.ParseError, "no IMSI in response")
}
