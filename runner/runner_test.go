package runner

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/console"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/step"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConsole answers each command with the next scripted reply; the last reply repeats.
type scriptedConsole struct {
	replies map[string][][]string
	boot    []string
	onSend  func(line string)

	queue []string
	sent  []string
	calls map[string]int
}

func newScriptedConsole() *scriptedConsole {
	return &scriptedConsole{
		replies: map[string][][]string{
			"":             {{"mosh:~$"}},
			"at AT+CGSN=1": {{`+CGSN: "352656100367872"`, "OK"}},
			"at AT+CIMI":   {{"244070123456789", "OK"}},
			"at AT+CEREG?": {{"+CEREG: 0,1", "OK"}},
			"wifi scan": {{
				"Scan requested",
				"Num | SSID                             (len) | Chan (Band)   | RSSI | Security       | BSSID             | MFP",
				"1   | alpha                            5     | 1    (2.4GHz) | -40  | Open           | aa:bb:cc:dd:ee:01 | Disable",
				"2   | beta                             4     | 36   (5GHz)   | -71  | WPA2-PSK       | aa:bb:cc:dd:ee:02 | Optional",
				"Scan request done",
			}},
			"location get --method wifi": {{
				"location: Location:",
				"  used method: Wi-Fi (1)",
				"  latitude: 61.491022",
				"  longitude: 23.771689",
				"  accuracy: 21.0 m",
			}},
			"location get --method cellular": {{"Location: 61.4989, 23.7610"}},
			"location get --method gnss --gnss_timeout 300": {{
				"  used method: GNSS (2)",
				"  latitude: 61.491100",
				"  longitude: 23.771700",
				"  accuracy: 4.2 m",
			}},
		},
		boot:  []string{"*** Booting nRF Connect SDK v2.6.0 ***", "mosh:~$"},
		calls: map[string]int{},
	}
}

func (c *scriptedConsole) Send(line string) error {
	c.sent = append(c.sent, line)
	if c.onSend != nil {
		c.onSend(line)
	}

	replies := c.replies[line]
	if len(replies) == 0 {
		return nil
	}
	i := c.calls[line]
	if i >= len(replies) {
		i = len(replies) - 1
	}
	c.calls[line]++
	c.queue = append(c.queue, replies[i]...)
	return nil
}

func (c *scriptedConsole) ReadLine(ctx context.Context, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(c.queue) == 0 {
		return "", console.ErrTimeout
	}
	line := c.queue[0]
	c.queue = c.queue[1:]
	return line, nil
}

func (c *scriptedConsole) Drain() {
	c.queue = nil
}

func (c *scriptedConsole) Reset() error {
	c.queue = append(c.queue, c.boot...)
	return nil
}

func (c *scriptedConsole) sentCommand(cmd string) bool {
	for _, s := range c.sent {
		if s == cmd {
			return true
		}
	}
	return false
}

func names(results []step.Result) []string {
	var n []string
	for _, r := range results {
		n = append(n, r.Name)
	}
	return n
}

func findResult(t *testing.T, results []step.Result, name string) step.Result {
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	require.FailNow(t, "result not found", name)
	return step.Result{}
}

func run(t *testing.T, c *scriptedConsole, decider Decider) []step.Result {
	return runContext(context.Background(), t, c, decider)
}

func runContext(ctx context.Context, _ *testing.T, c *scriptedConsole, decider Decider) []step.Result {
	return New(c, c, decider, log.NewLogger()).Run(ctx, step.DefaultPipeline(nil))
}

func TestRunAllPassed(t *testing.T) {
	c := newScriptedConsole()
	results := run(t, c, FixedDecider(true))

	assert.Equal(t, []string{
		step.Connection, step.Boot, step.DeviceInformation, step.NetworkRegistration,
		step.WiFiScan, step.WiFiLocation, step.CellularLocation, step.GNSSLocation,
	}, names(results))
	for _, r := range results {
		assert.Equal(t, step.Passed, r.Status, r.Name+": "+r.Detail)
		assert.Equal(t, 1, r.Attempts, r.Name)
	}
	assert.Equal(t, step.Successful, step.Overall(results))

	assert.Equal(t, step.DeviceInfo{IMEI: "352656100367872", IMSI: "244070123456789"}, step.Device(results))
	assert.Equal(t, "Booted nRF Connect SDK v2.6.0", findResult(t, results, step.Boot).Detail)
	assert.Equal(t, "Found 2 networks", findResult(t, results, step.WiFiScan).Detail)
	assert.Len(t, findResult(t, results, step.WiFiScan).Fields.AccessPoints, 2)

	wifi := findResult(t, results, step.WiFiLocation)
	require.NotNil(t, wifi.Fields.Location)
	assert.InDelta(t, 61.491022, wifi.Fields.Location.Latitude, 1e-9)
	assert.Equal(t, "Wi-Fi location: 61.491022, 23.771689 (±21 m)", wifi.Detail)
	assert.Contains(t, wifi.Response, "accuracy: 21.0 m")
}

func TestRunGNSSDeclined(t *testing.T) {
	c := newScriptedConsole()
	results := run(t, c, FixedDecider(false))

	require.Len(t, results, 8)
	gnss := findResult(t, results, step.GNSSLocation)
	assert.Equal(t, step.Skipped, gnss.Status)
	assert.Equal(t, "declined by the operator", gnss.Detail)
	assert.False(t, c.sentCommand("location get --method gnss --gnss_timeout 300"))
	assert.Equal(t, step.Successful, step.Overall(results))
}

func TestRunGNSSFailureDoesNotCount(t *testing.T) {
	c := newScriptedConsole()
	c.replies["location get --method gnss --gnss_timeout 300"] = [][]string{{"Location request failed"}}

	results := run(t, c, FixedDecider(true))

	gnss := findResult(t, results, step.GNSSLocation)
	assert.Equal(t, step.Failed, gnss.Status)
	assert.Equal(t, failure.LocationError, gnss.ErrorKind())
	assert.Equal(t, step.Successful, step.Overall(results))
}

func TestRunRequiredFailureAborts(t *testing.T) {
	c := newScriptedConsole()
	c.replies["at AT+CEREG?"] = [][]string{{"+CEREG: 0,3", "OK"}}

	results := run(t, c, FixedDecider(true))

	assert.Equal(t, []string{step.Connection, step.Boot, step.DeviceInformation, step.NetworkRegistration}, names(results))
	registration := results[3]
	assert.Equal(t, step.Failed, registration.Status)
	assert.Equal(t, failure.RegistrationError, registration.ErrorKind())
	assert.Equal(t, 1, registration.Attempts)
	assert.Contains(t, registration.Detail, "+CEREG: 0,3")
	assert.False(t, c.sentCommand("wifi scan"))
	assert.Equal(t, step.Unsuccessful, step.Overall(results))
}

func TestRunRegistrationPolls(t *testing.T) {
	c := newScriptedConsole()
	c.replies["at AT+CEREG?"] = [][]string{
		{"+CEREG: 0,2", "OK"},
		{"+CEREG: 0,2", "OK"},
		{"+CEREG: 0,5", "OK"},
	}

	results := run(t, c, FixedDecider(false))

	registration := findResult(t, results, step.NetworkRegistration)
	assert.Equal(t, step.Passed, registration.Status)
	assert.Equal(t, 3, registration.Attempts)
	assert.Equal(t, "Registered (roaming)", registration.Detail)
}

func TestRunConnectionRetries(t *testing.T) {
	c := newScriptedConsole()
	c.replies[""] = [][]string{{}, {}, {"mosh:~$"}}

	results := run(t, c, FixedDecider(false))

	connection := results[0]
	assert.Equal(t, step.Passed, connection.Status)
	assert.Equal(t, 3, connection.Attempts)
}

func TestRunConnectionFails(t *testing.T) {
	c := newScriptedConsole()
	c.replies[""] = [][]string{{}}

	results := run(t, c, FixedDecider(false))

	require.Len(t, results, 1)
	assert.Equal(t, step.Failed, results[0].Status)
	assert.Equal(t, failure.ConnectionError, results[0].ErrorKind())
	assert.Equal(t, 12, results[0].Attempts)
	assert.ErrorIs(t, results[0].Err, console.ErrTimeout)
	assert.Equal(t, step.Unsuccessful, step.Overall(results))
}

func TestRunDependencySkip(t *testing.T) {
	c := newScriptedConsole()
	c.replies["wifi scan"] = [][]string{{"Scan requested", "Scan request failed, err -5"}}

	results := run(t, c, FixedDecider(false))

	require.Len(t, results, 8)
	scan := findResult(t, results, step.WiFiScan)
	assert.Equal(t, step.Failed, scan.Status)
	assert.Equal(t, failure.ScanTimeout, scan.ErrorKind())

	location := findResult(t, results, step.WiFiLocation)
	assert.Equal(t, step.Skipped, location.Status)
	assert.Equal(t, "depends on wifi_scan", location.Detail)
	assert.False(t, c.sentCommand("location get --method wifi"))

	assert.Equal(t, step.Passed, findResult(t, results, step.CellularLocation).Status)
	assert.Equal(t, step.Unsuccessful, step.Overall(results))
}

func TestRunDeviceInfoError(t *testing.T) {
	c := newScriptedConsole()
	c.replies["at AT+CGSN=1"] = [][]string{{"ERROR"}}

	results := run(t, c, FixedDecider(false))

	require.Len(t, results, 3)
	info := results[2]
	assert.Equal(t, step.Failed, info.Status)
	assert.Equal(t, failure.ParseError, info.ErrorKind())
	assert.False(t, c.sentCommand("at AT+CIMI"))
}

func TestRunDisabledStep(t *testing.T) {
	c := newScriptedConsole()
	steps, err := step.Plan{Skip: []string{"wifi_*"}}.Apply(step.DefaultPipeline(nil))
	require.NoError(t, err)

	results := New(c, c, FixedDecider(false), log.NewLogger()).Run(context.Background(), steps)

	assert.Equal(t, step.Skipped, findResult(t, results, step.WiFiScan).Status)
	assert.Equal(t, "disabled by the test plan", findResult(t, results, step.WiFiScan).Detail)
	assert.Equal(t, step.Optional, findResult(t, results, step.WiFiScan).Policy)
	assert.Equal(t, step.Skipped, findResult(t, results, step.WiFiLocation).Status)
	assert.Equal(t, step.Optional, findResult(t, results, step.WiFiLocation).Policy)
	assert.False(t, c.sentCommand("wifi scan"))
	assert.Equal(t, step.Passed, findResult(t, results, step.CellularLocation).Status)
	assert.Equal(t, step.Successful, step.Overall(results))
}

func TestRunInterrupted(t *testing.T) {
	c := newScriptedConsole()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.onSend = func(line string) {
		if line == "wifi scan" {
			cancel()
		}
	}

	results := runContext(ctx, t, c, FixedDecider(true))

	require.Len(t, results, 5)
	scan := results[4]
	assert.Equal(t, step.WiFiScan, scan.Name)
	assert.Equal(t, step.Failed, scan.Status)
	assert.Equal(t, failure.Interrupted, scan.ErrorKind())
	assert.Equal(t, step.Unsuccessful, step.Overall(results))
}

func TestRunBootIgnoresPromptBeforeBanner(t *testing.T) {
	c := newScriptedConsole()
	// a prompt left over from the connection check arrives after the reset
	c.boot = []string{"mosh:~$", "*** Booting nRF Connect SDK v2.6.0 ***", "mosh:~$"}

	results := run(t, c, FixedDecider(false))

	boot := findResult(t, results, step.Boot)
	assert.Equal(t, step.Passed, boot.Status, boot.Detail)
	assert.Equal(t, 1, boot.Attempts)
	assert.Equal(t, "Booted nRF Connect SDK v2.6.0", boot.Detail)
	assert.Len(t, results, 8)
}

func TestRunBootWithoutBannerTimesOut(t *testing.T) {
	c := newScriptedConsole()
	c.boot = []string{"mosh:~$"}

	results := run(t, c, FixedDecider(false))

	require.Len(t, results, 2)
	boot := results[1]
	assert.Equal(t, step.Failed, boot.Status)
	assert.Equal(t, failure.ConnectionError, boot.ErrorKind())
	assert.Equal(t, 3, boot.Attempts)
}

type cancellingDecider struct {
	cancel context.CancelFunc
}

func (d cancellingDecider) Confirm(context.Context, string) (bool, error) {
	d.cancel()
	return false, nil
}

func TestRunInterruptedWhileAsking(t *testing.T) {
	c := newScriptedConsole()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := runContext(ctx, t, c, cancellingDecider{cancel: cancel})

	require.Len(t, results, 8)
	gnss := results[7]
	assert.Equal(t, step.GNSSLocation, gnss.Name)
	assert.Equal(t, step.Failed, gnss.Status)
	assert.Equal(t, failure.Interrupted, gnss.ErrorKind())
	assert.NotEqual(t, "declined by the operator", gnss.Detail)
	assert.False(t, c.sentCommand("location get --method gnss --gnss_timeout 300"))
	// the interrupted step is optional, every counted step passed
	assert.Equal(t, step.Successful, step.Overall(results))
}

func TestPromptDecider(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{name: "yes", input: "y\n", want: true},
		{name: "full word", input: "Yes\n", want: true},
		{name: "no", input: "n\n", want: false},
		{name: "empty answer", input: "\n", want: false},
		{name: "closed input", input: "", want: false},
		{name: "answer without newline", input: "y", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			decider := NewPromptDecider(strings.NewReader(tt.input), &out)

			got, err := decider.Confirm(context.Background(), "Run the GNSS location test?")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "Run the GNSS location test? (y/n): ", out.String())
		})
	}
}

func TestPromptDeciderInterrupted(t *testing.T) {
	reader, writer := io.Pipe()
	defer func() {
		_ = writer.Close()
	}()

	var out bytes.Buffer
	decider := NewPromptDecider(reader, &out)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	confirmed, err := decider.Confirm(ctx, "Run the GNSS location test?")
	assert.False(t, confirmed)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Interrupted))
	assert.ErrorIs(t, err, context.Canceled)

	// the unanswered read is reused by the next question
	go func() {
		_, _ = writer.Write([]byte("y\n"))
	}()
	confirmed, err = decider.Confirm(context.Background(), "Run the GNSS location test?")
	require.NoError(t, err)
	assert.True(t, confirmed)
}
