package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// AccessPoint is one row of the WiFi scan table.
type AccessPoint struct {
	Index    int    `json:"index"`
	SSID     string `json:"ssid"`
	Channel  int    `json:"channel"`
	Band     string `json:"band,omitempty"`
	RSSI     int    `json:"rssi"`
	Security string `json:"security"`
	BSSID    string `json:"bssid,omitempty"`
}

// WarnFunc receives the rows the scan table parser drops.
type WarnFunc func(line string, err error)

var (
	ssidColumnPattern    = regexp.MustCompile(`^(.*?)\s*\(?(\d+)\)?$`)
	channelColumnPattern = regexp.MustCompile(`^(\d+)\s*(?:\(([^)]*)\))?$`)
	bssidPattern         = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)
)

const minScanColumns = 5

// ParseScanTable extracts the access points listed in a wifi scan output, in input order.
// Lines that are not table rows are ignored, malformed rows are reported to warn and dropped.
func ParseScanTable(text string, warn WarnFunc) []AccessPoint {
	if warn == nil {
		warn = func(string, error) {}
	}

	accessPoints := []AccessPoint{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "|") {
			continue
		}

		columns := strings.Split(line, "|")
		for i := range columns {
			columns[i] = strings.TrimSpace(columns[i])
		}

		if isScanHeader(columns[0]) {
			continue
		}

		ap, err := parseScanRow(columns)
		if err != nil {
			warn(line, err)
			continue
		}
		accessPoints = append(accessPoints, ap)
	}

	return accessPoints
}

func isScanHeader(first string) bool {
	switch strings.ToLower(first) {
	case "num", "#", "index", "no":
		return true
	}
	return false
}

func parseScanRow(columns []string) (AccessPoint, error) {
	if len(columns) < minScanColumns {
		return AccessPoint{}, fmt.Errorf("expected at least %d columns, got %d", minScanColumns, len(columns))
	}

	index, err := strconv.Atoi(columns[0])
	if err != nil {
		return AccessPoint{}, fmt.Errorf("invalid index %q", columns[0])
	}

	ssid := ssidColumnPattern.FindStringSubmatch(columns[1])
	if ssid == nil {
		return AccessPoint{}, fmt.Errorf("invalid SSID column %q", columns[1])
	}

	channel := channelColumnPattern.FindStringSubmatch(columns[2])
	if channel == nil {
		return AccessPoint{}, fmt.Errorf("invalid channel column %q", columns[2])
	}
	channelNumber, err := strconv.Atoi(channel[1])
	if err != nil {
		return AccessPoint{}, fmt.Errorf("invalid channel %q", channel[1])
	}

	rssi, err := strconv.Atoi(columns[3])
	if err != nil {
		return AccessPoint{}, fmt.Errorf("invalid RSSI %q", columns[3])
	}

	if columns[4] == "" {
		return AccessPoint{}, fmt.Errorf("missing security column")
	}

	ap := AccessPoint{
		Index:    index,
		SSID:     ssid[1],
		Channel:  channelNumber,
		Band:     channel[2],
		RSSI:     rssi,
		Security: columns[4],
	}
	if len(columns) > minScanColumns && bssidPattern.MatchString(columns[5]) {
		ap.BSSID = strings.ToUpper(columns[5])
	}

	return ap, nil
}
