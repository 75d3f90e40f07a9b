package step

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/parser"
)

// Step names of the default pipeline.
const (
	Connection          = "connection"
	Boot                = "boot"
	DeviceInformation   = "device_info"
	NetworkRegistration = "network_registration"
	WiFiScan            = "wifi_scan"
	WiFiLocation        = "wifi_location"
	CellularLocation    = "cellular_location"
	GNSSLocation        = "gnss_location"
)

// Prompt is the Modem Shell prompt. It is printed without a trailing newline.
const Prompt = "mosh:~$"

// CompletionPattern matches the lines that finish an AT command or a shell command.
// A prompt followed by an echoed command does not count.
var CompletionPattern = regexp.MustCompile(`^(OK|ERROR)$|\+CM[ES] ERROR|` + regexp.QuoteMeta(Prompt) + `$`)

var (
	promptPattern    = regexp.MustCompile(regexp.QuoteMeta(Prompt) + `$`)
	bannerPattern    = regexp.MustCompile(`\*\*\* Booting (nRF Connect SDK[^*]*?)\s*\*\*\*`)
	okPattern        = regexp.MustCompile(`^OK$`)
	atErrorPattern   = regexp.MustCompile(`^ERROR$|\+CME ERROR`)
	registeredLine   = regexp.MustCompile(`\+CEREG:\s*\d+\s*,\s*[15]\b`)
	deniedLine       = regexp.MustCompile(`\+CEREG:\s*\d+\s*,\s*3\b`)
	scanDone         = regexp.MustCompile(`Scan request done`)
	scanFailed       = regexp.MustCompile(`(?i)scan request failed|scan failed`)
	locationFix      = regexp.MustCompile(`^\s*accuracy:|^[ \t]*Location:[ \t]*\S`)
	locationFailed   = regexp.MustCompile(`(?i)location request (failed|timed out)|getting location failed`)
	gnssConfirmation = "Run the GNSS location test? It needs a clear sky view and can take several minutes"
)

// DefaultPipeline returns the ordered checks run against a Modem Shell firmware.
// warn receives the WiFi scan rows that could not be parsed.
func DefaultPipeline(warn parser.WarnFunc) []Step {
	return []Step{
		{
			Name:     Connection,
			Commands: []string{""},
			Expect:   promptPattern,
			Timeout:  5 * time.Second,
			Retries:  11,
			Policy:   Required,
			FailKind: failure.ConnectionError,
			Extract: func([]string) (Fields, error) {
				return Fields{Detail: "Shell prompt received"}, nil
			},
		},
		{
			Name:     Boot,
			Reset:    true,
			Start:    bannerPattern,
			Expect:   promptPattern,
			Timeout:  30 * time.Second,
			Retries:  2,
			Policy:   Required,
			FailKind: failure.ConnectionError,
			Extract:  extractBoot,
		},
		{
			Name:     DeviceInformation,
			Commands: []string{"at AT+CGSN=1", "at AT+CIMI"},
			Expect:   okPattern,
			Fail:     atErrorPattern,
			Timeout:  5 * time.Second,
			Retries:  2,
			Policy:   Required,
			FailKind: failure.ParseError,
			Extract:  extractDeviceInfo,
		},
		{
			Name:     NetworkRegistration,
			Commands: []string{"at AT+CEREG?"},
			Expect:   registeredLine,
			Fail:     deniedLine,
			Timeout:  10 * time.Second,
			Retries:  11,
			Policy:   Required,
			FailKind: failure.RegistrationError,
			Extract:  extractRegistration,
		},
		{
			Name:     WiFiScan,
			Commands: []string{"wifi scan"},
			Expect:   scanDone,
			Fail:     scanFailed,
			Timeout:  30 * time.Second,
			Retries:  1,
			Policy:   Mandatory,
			FailKind: failure.ScanTimeout,
			Extract: func(responses []string) (Fields, error) {
				aps := parser.ParseScanTable(strings.Join(responses, "\n"), warn)
				return Fields{AccessPoints: aps, Detail: fmt.Sprintf("Found %d networks", len(aps))}, nil
			},
		},
		{
			Name:      WiFiLocation,
			Commands:  []string{"location get --method wifi"},
			Expect:    locationFix,
			Fail:      locationFailed,
			Timeout:   90 * time.Second,
			Retries:   1,
			Policy:    Mandatory,
			DependsOn: []string{WiFiScan},
			FailKind:  failure.LocationError,
			Extract:   extractLocation("Wi-Fi"),
		},
		{
			Name:      CellularLocation,
			Commands:  []string{"location get --method cellular"},
			Expect:    locationFix,
			Fail:      locationFailed,
			Timeout:   90 * time.Second,
			Retries:   1,
			Policy:    Mandatory,
			DependsOn: []string{NetworkRegistration},
			FailKind:  failure.LocationError,
			Extract:   extractLocation("Cellular"),
		},
		{
			Name:      GNSSLocation,
			Commands:  []string{"location get --method gnss --gnss_timeout 300"},
			Expect:    locationFix,
			Fail:      locationFailed,
			Timeout:   330 * time.Second,
			Policy:    Optional,
			DependsOn: []string{NetworkRegistration},
			Confirm:   gnssConfirmation,
			FailKind:  failure.LocationError,
			Extract:   extractLocation("GNSS"),
		},
	}
}

func extractBoot(responses []string) (Fields, error) {
	match := bannerPattern.FindStringSubmatch(strings.Join(responses, "\n"))
	if match == nil {
		return Fields{}, failure.New(failure.ConnectionError, "boot banner not seen after reset")
	}
	return Fields{Detail: "Booted " + strings.TrimSpace(match[1])}, nil
}

func extractDeviceInfo(responses []string) (Fields, error) {
	if len(responses) < 2 {
		return Fields{}, failure.New(failure.ParseError, "expected 2 responses, got %d", len(responses))
	}

	imei, err := parser.ParseIMEI(responses[0])
	if err != nil {
		return Fields{}, err
	}
	imsi, err := parser.ParseIMSI(responses[1])
	if err != nil {
		return Fields{}, err
	}

	return Fields{
		Device: &DeviceInfo{IMEI: imei, IMSI: imsi},
		Detail: fmt.Sprintf("IMEI %s, IMSI %s", imei, imsi),
	}, nil
}

func extractRegistration(responses []string) (Fields, error) {
	registration, err := parser.ParseRegistration(strings.Join(responses, "\n"))
	if err != nil {
		return Fields{}, err
	}
	if !registration.Status.Registered() {
		return Fields{Registration: &registration}, failure.New(failure.RegistrationError, "network registration status: %s", registration.Status)
	}

	detail := "Registered (home network)"
	if registration.Status == parser.RegisteredRoaming {
		detail = "Registered (roaming)"
	}
	return Fields{Registration: &registration, Detail: detail}, nil
}

func extractLocation(method string) Extractor {
	return func(responses []string) (Fields, error) {
		location, err := parser.ParseLocation(strings.Join(responses, "\n"))
		if err != nil {
			return Fields{}, err
		}
		if location.Method == "" {
			location.Method = method
		}

		detail := fmt.Sprintf("%s location: %.6f, %.6f", method, location.Latitude, location.Longitude)
		if location.Accuracy != nil {
			detail += fmt.Sprintf(" (±%.0f m)", *location.Accuracy)
		}
		return Fields{Location: &location, Detail: detail}, nil
	}
}
