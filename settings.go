package main

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/console"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/probe"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/step"
)

// Transports
const (
	TransportRTT    = "rtt"
	TransportSerial = "serial"
)

// GNSS modes
const (
	GNSSAsk = "ask"
	GNSSYes = "yes"
	GNSSNo  = "no"
)

const (
	defaultReportPath    = "hil_report.json"
	defaultLogFile       = "rtt_debug.log"
	defaultFlashRetries  = "3"
	defaultSettleSeconds = "30"
)

// Settings are the validated inputs of a run.
type Settings struct {
	HexPath     string
	ProbeSerial string
	Verbose     bool

	Transport  string
	RTTAddress string
	JLink      probe.JLinkConfig
	SerialPort string
	BaudRate   int

	GNSS string
	Plan step.Plan

	ReportPath    string
	LogFile       string
	Redact        bool
	Attachments   string
	JUnitPath     string
	MetricsPath   string
	PublishURL    string
	PublishToken  string
	ExportOutputs bool

	FlashAttempts uint
	Settle        time.Duration
}

func (c *Config) applyDefaults() {
	setDefault := func(value *string, def string) {
		if strings.TrimSpace(*value) == "" {
			*value = def
		}
	}

	setDefault(&c.Verbose, "false")
	setDefault(&c.ReportPath, defaultReportPath)
	setDefault(&c.Transport, TransportRTT)
	setDefault(&c.RTTAddress, console.DefaultRTTAddress)
	setDefault(&c.BaudRate, strconv.Itoa(console.DefaultBaudRate))
	setDefault(&c.JLinkDevice, probe.DefaultJLinkDevice)
	setDefault(&c.GNSS, GNSSAsk)
	setDefault(&c.LogFile, defaultLogFile)
	setDefault(&c.Redact, "false")
	setDefault(&c.FlashRetries, defaultFlashRetries)
	setDefault(&c.SettleSeconds, defaultSettleSeconds)
	setDefault(&c.ExportOutputs, "false")
}

func (c Config) settings(checker pathutil.PathChecker) (Settings, error) {
	s := Settings{
		ProbeSerial:  strings.TrimSpace(c.ProbeSerial),
		RTTAddress:   strings.TrimSpace(c.RTTAddress),
		SerialPort:   strings.TrimSpace(c.SerialPort),
		ReportPath:   strings.TrimSpace(c.ReportPath),
		LogFile:      strings.TrimSpace(c.LogFile),
		Attachments:  c.Attachments,
		JUnitPath:    strings.TrimSpace(c.JUnitPath),
		MetricsPath:  strings.TrimSpace(c.MetricsPath),
		PublishURL:   strings.TrimSpace(c.PublishURL),
		PublishToken: string(c.PublishToken),
	}

	s.HexPath = strings.TrimSpace(c.HexPath)
	if s.HexPath == "" {
		return Settings{}, failure.New(failure.ConfigError, "firmware image is required (--hex)")
	}
	if exists, err := checker.IsPathExists(s.HexPath); err != nil {
		return Settings{}, failure.Wrapf(failure.ConfigError, err, "failed to check firmware image")
	} else if !exists {
		return Settings{}, failure.New(failure.ConfigError, "firmware image does not exist: %s", s.HexPath)
	}

	var err error
	if s.Verbose, err = parseBool("verbose", c.Verbose); err != nil {
		return Settings{}, err
	}
	if s.Redact, err = parseBool("redact_identifiers", c.Redact); err != nil {
		return Settings{}, err
	}
	if s.ExportOutputs, err = parseBool("export_outputs", c.ExportOutputs); err != nil {
		return Settings{}, err
	}

	s.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch s.Transport {
	case TransportRTT:
		port, err := rttPort(s.RTTAddress)
		if err != nil {
			return Settings{}, err
		}
		s.JLink = probe.JLinkConfig{
			Device:     strings.TrimSpace(c.JLinkDevice),
			TelnetPort: port,
		}
	case TransportSerial:
		if s.SerialPort == "" {
			return Settings{}, failure.New(failure.ConfigError, "serial transport requires a serial port (--serial-port)")
		}
		if s.BaudRate, err = strconv.Atoi(strings.TrimSpace(c.BaudRate)); err != nil || s.BaudRate <= 0 {
			return Settings{}, failure.New(failure.ConfigError, "invalid baud rate: %s", c.BaudRate)
		}
	default:
		return Settings{}, failure.New(failure.ConfigError, "invalid transport: %s, available: %s, %s", c.Transport, TransportRTT, TransportSerial)
	}

	s.GNSS = strings.ToLower(strings.TrimSpace(c.GNSS))
	switch s.GNSS {
	case GNSSAsk, GNSSYes, GNSSNo:
	default:
		return Settings{}, failure.New(failure.ConfigError, "invalid gnss mode: %s, available: %s, %s, %s", c.GNSS, GNSSAsk, GNSSYes, GNSSNo)
	}

	retries, err := strconv.ParseUint(strings.TrimSpace(c.FlashRetries), 10, 32)
	if err != nil || retries == 0 {
		return Settings{}, failure.New(failure.ConfigError, "flash retries must be a positive number: %s", c.FlashRetries)
	}
	s.FlashAttempts = uint(retries)

	settle, err := strconv.Atoi(strings.TrimSpace(c.SettleSeconds))
	if err != nil || settle < 0 {
		return Settings{}, failure.New(failure.ConfigError, "settle seconds must not be negative: %s", c.SettleSeconds)
	}
	s.Settle = time.Duration(settle) * time.Second

	if s.Plan, err = c.plan(); err != nil {
		return Settings{}, err
	}

	return s, nil
}

// plan loads the optional plan file, merges the --skip patterns into it and checks it against the
// default pipeline, so a bad plan is reported before the board is flashed.
func (c Config) plan() (step.Plan, error) {
	var plan step.Plan
	if pth := strings.TrimSpace(c.PlanPath); pth != "" {
		loaded, err := step.LoadPlan(pth)
		if err != nil {
			return step.Plan{}, err
		}
		plan = loaded
	}

	for _, pattern := range strings.FieldsFunc(c.SkipSteps, func(r rune) bool { return r == ',' || r == '\n' }) {
		if pattern = strings.TrimSpace(pattern); pattern != "" {
			plan.Skip = append(plan.Skip, pattern)
		}
	}

	if _, err := plan.Apply(step.DefaultPipeline(nil)); err != nil {
		return step.Plan{}, err
	}
	return plan, nil
}

func parseBool(name, value string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, failure.New(failure.ConfigError, "invalid value for %s: %s", name, value)
	}
	return b, nil
}

func rttPort(address string) (int, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0, failure.Wrapf(failure.ConfigError, err, "invalid RTT address: %s", address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, failure.New(failure.ConfigError, "invalid RTT port: %s", portStr)
	}
	return port, nil
}
