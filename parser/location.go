package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
)

// Location is a resolved position fix.
type Location struct {
	Method    string   `json:"method,omitempty"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy_m,omitempty"`
}

var (
	locationLinePattern = regexp.MustCompile(`(?m)^[ \t]*Location:[ \t]*([^,\s]+)[ \t]*,[ \t]*(\S+)\s*$`)
	latitudePattern     = regexp.MustCompile(`(?mi)^\s*latitude:\s*(\S+)`)
	longitudePattern    = regexp.MustCompile(`(?mi)^\s*longitude:\s*(\S+)`)
	accuracyPattern     = regexp.MustCompile(`(?mi)^\s*accuracy:\s*(\S+)\s*m\b`)
	methodPattern       = regexp.MustCompile(`(?mi)^\s*(?:used\s+)?method:\s*(.+?)\s*$`)
	methodIDSuffix      = regexp.MustCompile(`\s*\(\d+\)$`)
)

// ParseLocation extracts a fix from either a single "Location: <lat>, <lon>" line
// or a latitude/longitude/accuracy/method block.
func ParseLocation(text string) (Location, error) {
	if match := locationLinePattern.FindStringSubmatch(text); match != nil {
		return newLocation(match[1], match[2])
	}

	lat := latitudePattern.FindStringSubmatch(text)
	lon := longitudePattern.FindStringSubmatch(text)
	if lat == nil || lon == nil {
		return Location{}, failure.New(failure.ParseError, "no location fix in response")
	}

	location, err := newLocation(lat[1], lon[1])
	if err != nil {
		return Location{}, err
	}

	if match := accuracyPattern.FindStringSubmatch(text); match != nil {
		accuracy, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return Location{}, failure.Wrapf(failure.ParseError, err, "invalid accuracy %q", match[1])
		}
		location.Accuracy = &accuracy
	}
	if match := methodPattern.FindStringSubmatch(text); match != nil {
		location.Method = methodIDSuffix.ReplaceAllString(match[1], "")
	}

	return location, nil
}

func newLocation(latText, lonText string) (Location, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latText), 64)
	if err != nil {
		return Location{}, failure.Wrapf(failure.ParseError, err, "invalid latitude %q", latText)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonText), 64)
	if err != nil {
		return Location{}, failure.Wrapf(failure.ParseError, err, "invalid longitude %q", lonText)
	}

	if lat < -90 || lat > 90 {
		return Location{}, failure.New(failure.ParseError, "latitude out of range: %v", lat)
	}
	if lon < -180 || lon > 180 {
		return Location{}, failure.New(failure.ParseError, "longitude out of range: %v", lon)
	}

	return Location{Latitude: lat, Longitude: lon}, nil
}
