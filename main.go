package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-steputils/stepconf"
	"github.com/bitrise-io/go-utils/log"
	"github.com/bitrise-io/go-utils/v2/env"
	logV2 "github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/spf13/cobra"
)

// Config ...
type Config struct {
	HexPath       string          `env:"hex_path"`
	ProbeSerial   string          `env:"probe_serial"`
	Verbose       string          `env:"verbose"`
	ReportPath    string          `env:"report_path"`
	Transport     string          `env:"transport"`
	RTTAddress    string          `env:"rtt_address"`
	SerialPort    string          `env:"serial_port"`
	BaudRate      string          `env:"baud_rate"`
	JLinkDevice   string          `env:"jlink_device"`
	GNSS          string          `env:"gnss"`
	PlanPath      string          `env:"plan_path"`
	SkipSteps     string          `env:"skip_steps"`
	LogFile       string          `env:"log_file"`
	Redact        string          `env:"redact_identifiers"`
	Attachments   string          `env:"attachments"`
	JUnitPath     string          `env:"junit_path"`
	MetricsPath   string          `env:"metrics_path"`
	PublishURL    string          `env:"publish_url"`
	PublishToken  stepconf.Secret `env:"publish_token"`
	FlashRetries  string          `env:"flash_retries"`
	SettleSeconds string          `env:"settle_seconds"`
	ExportOutputs string          `env:"export_outputs"`
}

func fail(format string, v ...interface{}) {
	log.Errorf(format, v...)
	os.Exit(1)
}

func main() {
	var config Config
	if err := stepconf.Parse(&config); err != nil {
		fail("Issue with input: %s", err)
	}
	config.applyDefaults()

	exitCode := 0
	cmd := newRootCommand(&config, func(cmd *cobra.Command) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		code, err := execute(ctx, config)
		exitCode = code
		return err
	})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fail("%s", err)
	}
	os.Exit(exitCode)
}

func newRootCommand(config *Config, run func(cmd *cobra.Command) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nrf91-hil-test",
		Short:         "Flash an nRF9160 with Modem Shell and run the hardware-in-the-loop checks",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&config.HexPath, "hex", config.HexPath, "firmware image to flash (required)")
	flags.StringVar(&config.ProbeSerial, "sn", config.ProbeSerial, "serial number of the debug probe, defaults to the first connected probe")
	flags.StringVar(&config.Verbose, "verbose", config.Verbose, "print debug logs")
	flags.StringVar(&config.ReportPath, "report", config.ReportPath, "path of the JSON report")
	flags.StringVar(&config.Transport, "transport", config.Transport, "console transport: rtt or serial")
	flags.StringVar(&config.RTTAddress, "rtt-addr", config.RTTAddress, "RTT telnet endpoint of the J-Link server")
	flags.StringVar(&config.SerialPort, "serial-port", config.SerialPort, "serial device of the console, for the serial transport")
	flags.StringVar(&config.BaudRate, "baud", config.BaudRate, "baud rate of the serial console")
	flags.StringVar(&config.JLinkDevice, "device", config.JLinkDevice, "J-Link device name of the target")
	flags.StringVar(&config.GNSS, "gnss", config.GNSS, "run the GNSS location test: ask, yes or no")
	flags.StringVar(&config.PlanPath, "plan", config.PlanPath, "YAML file with step overrides")
	flags.StringVar(&config.SkipSteps, "skip", config.SkipSteps, "comma separated glob patterns of steps to skip")
	flags.StringVar(&config.LogFile, "log-file", config.LogFile, "console transcript log")
	flags.StringVar(&config.Redact, "redact", config.Redact, "redact the IMEI and IMSI in the transcript and attachments")
	flags.StringVar(&config.Attachments, "attach", config.Attachments, "newline separated files exported with the test results")
	flags.StringVar(&config.JUnitPath, "junit", config.JUnitPath, "path of the JUnit XML report")
	flags.StringVar(&config.MetricsPath, "metrics-file", config.MetricsPath, "path of the Prometheus textfile")
	flags.StringVar(&config.PublishURL, "publish-url", config.PublishURL, "URL the JSON report is posted to")
	flags.StringVar(&config.FlashRetries, "flash-retries", config.FlashRetries, "flash attempts")
	flags.StringVar(&config.SettleSeconds, "settle", config.SettleSeconds, "seconds to wait after flashing")
	flags.StringVar(&config.ExportOutputs, "export-outputs", config.ExportOutputs, "export the results as step outputs with envman")

	for _, name := range []string{"verbose", "redact", "export-outputs"} {
		flags.Lookup(name).NoOptDefVal = "true"
	}

	return cmd
}

func execute(ctx context.Context, config Config) (int, error) {
	stepconf.Print(config)
	fmt.Println()

	settings, err := config.settings(pathutil.NewPathChecker())
	if err != nil {
		return 1, err
	}

	logger := logV2.NewLogger()
	logger.EnableDebugLog(settings.Verbose)
	log.SetEnableDebugLog(settings.Verbose)

	deps := newDependencies(settings, env.NewRepository(), logger)
	return run(ctx, settings, deps), nil
}
