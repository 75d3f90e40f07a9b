package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
)

// RegistrationStatus is the modem's attachment state to a mobile network.
type RegistrationStatus int

// Registration states.
const (
	Unknown RegistrationStatus = iota
	NotRegistered
	RegisteredHome
	RegisteredRoaming
	Denied
)

func (s RegistrationStatus) String() string {
	switch s {
	case NotRegistered:
		return "NotRegistered"
	case RegisteredHome:
		return "RegisteredHome"
	case RegisteredRoaming:
		return "RegisteredRoaming"
	case Denied:
		return "Denied"
	default:
		return "Unknown"
	}
}

// Registered ...
func (s RegistrationStatus) Registered() bool {
	return s == RegisteredHome || s == RegisteredRoaming
}

// Registration is a parsed +CEREG report.
type Registration struct {
	Status RegistrationStatus
	Code   int
	Line   string
}

// +CEREG: <n>,<stat>[,...] for read responses, +CEREG: <stat>[,...] for notifications.
var ceregPattern = regexp.MustCompile(`\+CEREG:\s*(\d+)(?:\s*,\s*(\d+))?`)

// Shell status output, e.g. "Network registration status: Connected - roaming".
var registrationStatusPattern = regexp.MustCompile(`(?im)^[ \t]*(?:network )?registration status:[ \t]*(\S.*)$`)

// RegistrationFromCode maps a 3GPP 27.007 <stat> value.
func RegistrationFromCode(code int) RegistrationStatus {
	switch code {
	case 0, 2:
		return NotRegistered
	case 1:
		return RegisteredHome
	case 3:
		return Denied
	case 5:
		return RegisteredRoaming
	default:
		return Unknown
	}
}

// registrationFromText maps the textual status some shells print instead of the numeric code.
func registrationFromText(text string) RegistrationStatus {
	text = strings.ToLower(text)
	switch {
	case strings.Contains(text, "roaming"):
		return RegisteredRoaming
	case strings.Contains(text, "home"):
		return RegisteredHome
	case strings.Contains(text, "denied"):
		return Denied
	case strings.Contains(text, "not registered"), strings.Contains(text, "searching"):
		return NotRegistered
	default:
		return Unknown
	}
}

// codeOf is the <stat> value reported for a textual status.
func codeOf(status RegistrationStatus) int {
	switch status {
	case RegisteredHome:
		return 1
	case NotRegistered:
		return 2
	case Denied:
		return 3
	case RegisteredRoaming:
		return 5
	default:
		return 4
	}
}

// ParseRegistration returns the last +CEREG report found in text.
// Without a +CEREG report, a textual registration status line is accepted.
func ParseRegistration(text string) (Registration, error) {
	matches := ceregPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return parseRegistrationText(text)
	}

	match := matches[len(matches)-1]
	field := match[1]
	if match[2] != "" {
		field = match[2]
	}

	code, err := strconv.Atoi(field)
	if err != nil {
		return Registration{}, failure.Wrapf(failure.ParseError, err, "invalid registration code in %q", match[0])
	}

	return Registration{
		Status: RegistrationFromCode(code),
		Code:   code,
		Line:   strings.TrimSpace(match[0]),
	}, nil
}

func parseRegistrationText(text string) (Registration, error) {
	matches := registrationStatusPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return Registration{}, failure.New(failure.ParseError, "no +CEREG report in response")
	}

	match := matches[len(matches)-1]
	status := registrationFromText(match[1])
	if status == Unknown {
		return Registration{}, failure.New(failure.ParseError, "unknown registration status: %s", strings.TrimSpace(match[1]))
	}

	return Registration{
		Status: status,
		Code:   codeOf(status),
		Line:   strings.TrimSpace(match[0]),
	}, nil
}
