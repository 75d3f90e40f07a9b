package step

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverall(t *testing.T) {
	tests := []struct {
		name    string
		results []Result
		want    string
	}{
		{
			name:    "no results",
			results: nil,
			want:    Unsuccessful,
		},
		{
			name: "all passed",
			results: []Result{
				{Name: Connection, Status: Passed, Policy: Required},
				{Name: WiFiScan, Status: Passed, Policy: Mandatory},
			},
			want: Successful,
		},
		{
			name: "optional skipped",
			results: []Result{
				{Name: Connection, Status: Passed, Policy: Required},
				{Name: GNSSLocation, Status: Skipped, Policy: Optional},
			},
			want: Successful,
		},
		{
			name: "optional failed",
			results: []Result{
				{Name: Connection, Status: Passed, Policy: Required},
				{Name: GNSSLocation, Status: Failed, Policy: Optional},
			},
			want: Successful,
		},
		{
			name: "mandatory failed",
			results: []Result{
				{Name: Connection, Status: Passed, Policy: Required},
				{Name: WiFiScan, Status: Failed, Policy: Mandatory},
			},
			want: Unsuccessful,
		},
		{
			name: "mandatory skipped by dependency",
			results: []Result{
				{Name: WiFiScan, Status: Failed, Policy: Mandatory},
				{Name: WiFiLocation, Status: Skipped, Policy: Mandatory},
			},
			want: Unsuccessful,
		},
		{
			name: "required failed",
			results: []Result{
				{Name: Connection, Status: Failed, Policy: Required},
			},
			want: Unsuccessful,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overall(tt.results))
		})
	}
}

func TestDefaultPipelineOrder(t *testing.T) {
	var names []string
	for _, s := range DefaultPipeline(nil) {
		names = append(names, s.Name)
		assert.NotNil(t, s.Expect, s.Name)
		assert.NotNil(t, s.Extract, s.Name)
		assert.True(t, s.Timeout > 0, s.Name)
	}

	assert.Equal(t, []string{
		Connection, Boot, DeviceInformation, NetworkRegistration,
		WiFiScan, WiFiLocation, CellularLocation, GNSSLocation,
	}, names)
}

func findStep(t *testing.T, steps []Step, name string) Step {
	for _, s := range steps {
		if s.Name == name {
			return s
		}
	}
	require.FailNow(t, "step not found", name)
	return Step{}
}

func TestExtractors(t *testing.T) {
	steps := DefaultPipeline(nil)

	t.Run("boot banner", func(t *testing.T) {
		fields, err := findStep(t, steps, Boot).Extract([]string{"*** Booting nRF Connect SDK v2.6.0 ***\nmosh:~$"})
		require.NoError(t, err)
		assert.Equal(t, "Booted nRF Connect SDK v2.6.0", fields.Detail)

		_, err = findStep(t, steps, Boot).Extract([]string{"mosh:~$"})
		assert.True(t, failure.Is(err, failure.ConnectionError))
	})

	t.Run("device info", func(t *testing.T) {
		fields, err := findStep(t, steps, DeviceInformation).Extract([]string{
			"+CGSN: \"352656100367872\"\nOK",
			"244070123456789\nOK",
		})
		require.NoError(t, err)
		assert.Equal(t, &DeviceInfo{IMEI: "352656100367872", IMSI: "244070123456789"}, fields.Device)
	})

	t.Run("registration roaming", func(t *testing.T) {
		fields, err := findStep(t, steps, NetworkRegistration).Extract([]string{"+CEREG: 0,5\nOK"})
		require.NoError(t, err)
		assert.Equal(t, parser.RegisteredRoaming, fields.Registration.Status)
		assert.Equal(t, "Registered (roaming)", fields.Detail)
	})

	t.Run("registration searching", func(t *testing.T) {
		fields, err := findStep(t, steps, NetworkRegistration).Extract([]string{"+CEREG: 0,2\nOK"})
		assert.True(t, failure.Is(err, failure.RegistrationError))
		assert.Equal(t, parser.NotRegistered, fields.Registration.Status)
	})

	t.Run("wifi scan count", func(t *testing.T) {
		fields, err := findStep(t, steps, WiFiScan).Extract([]string{
			"1 | alpha 5 | 1 (2.4GHz) | -40 | Open\n2 | beta 4 | 6 (2.4GHz) | -70 | WPA2-PSK\nScan request done",
		})
		require.NoError(t, err)
		assert.Len(t, fields.AccessPoints, 2)
		assert.Equal(t, "Found 2 networks", fields.Detail)
	})

	t.Run("location method fallback", func(t *testing.T) {
		fields, err := findStep(t, steps, CellularLocation).Extract([]string{"Location: 52.3740, 4.8897"})
		require.NoError(t, err)
		assert.Equal(t, "Cellular", fields.Location.Method)
		assert.Equal(t, "Cellular location: 52.374000, 4.889700", fields.Detail)
	})
}

func TestPlanApply(t *testing.T) {
	retries := 20
	plan := Plan{
		Skip: []string{"gnss_*"},
		Steps: map[string]Override{
			NetworkRegistration: {Timeout: "20s", Retries: &retries},
			WiFiLocation:        {Skip: true},
		},
	}

	defaults := DefaultPipeline(nil)
	steps, err := plan.Apply(defaults)
	require.NoError(t, err)

	registration := findStep(t, steps, NetworkRegistration)
	assert.Equal(t, 20*time.Second, registration.Timeout)
	assert.Equal(t, 20, registration.Retries)
	assert.True(t, findStep(t, steps, GNSSLocation).Disabled)
	assert.True(t, findStep(t, steps, WiFiLocation).Disabled)
	assert.Equal(t, Optional, findStep(t, steps, WiFiLocation).Policy)
	assert.False(t, findStep(t, steps, WiFiScan).Disabled)
	assert.Equal(t, Mandatory, findStep(t, steps, WiFiScan).Policy)

	// the input pipeline is left untouched
	assert.Equal(t, 10*time.Second, findStep(t, defaults, NetworkRegistration).Timeout)
	assert.False(t, findStep(t, defaults, GNSSLocation).Disabled)
	assert.Equal(t, Mandatory, findStep(t, defaults, WiFiLocation).Policy)
}

func TestPlanApplyExcludesSkippedSteps(t *testing.T) {
	steps, err := Plan{Skip: []string{"wifi_scan"}}.Apply(DefaultPipeline(nil))
	require.NoError(t, err)

	scan := findStep(t, steps, WiFiScan)
	assert.True(t, scan.Disabled)
	assert.Equal(t, Optional, scan.Policy)

	// depends on the skipped scan
	location := findStep(t, steps, WiFiLocation)
	assert.False(t, location.Disabled)
	assert.Equal(t, Optional, location.Policy)

	assert.Equal(t, Mandatory, findStep(t, steps, CellularLocation).Policy)
	assert.Equal(t, Required, findStep(t, steps, NetworkRegistration).Policy)

	results := []Result{
		{Name: NetworkRegistration, Status: Passed, Policy: Required},
		{Name: WiFiScan, Status: Skipped, Policy: scan.Policy},
		{Name: WiFiLocation, Status: Skipped, Policy: location.Policy},
		{Name: CellularLocation, Status: Passed, Policy: Mandatory},
	}
	assert.Equal(t, Successful, Overall(results))
}

func TestPlanApplyErrors(t *testing.T) {
	negative := -1
	tests := []struct {
		name string
		plan Plan
	}{
		{name: "unknown step", plan: Plan{Steps: map[string]Override{"bluetooth": {Skip: true}}}},
		{name: "skip required by glob", plan: Plan{Skip: []string{"*"}}},
		{name: "skip required by override", plan: Plan{Steps: map[string]Override{Boot: {Skip: true}}}},
		{name: "invalid timeout", plan: Plan{Steps: map[string]Override{WiFiScan: {Timeout: "soon"}}}},
		{name: "negative retries", plan: Plan{Steps: map[string]Override{WiFiScan: {Retries: &negative}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.plan.Apply(DefaultPipeline(nil))
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.ConfigError))
		})
	}
}

func TestLoadPlan(t *testing.T) {
	pth := filepath.Join(t.TempDir(), "plan.yml")
	content := `skip:
  - gnss_location
steps:
  wifi_scan:
    timeout: 45s
    retries: 3
`
	require.NoError(t, os.WriteFile(pth, []byte(content), 0644))

	plan, err := LoadPlan(pth)
	require.NoError(t, err)
	assert.Equal(t, []string{"gnss_location"}, plan.Skip)
	assert.Equal(t, "45s", plan.Steps[WiFiScan].Timeout)
	require.NotNil(t, plan.Steps[WiFiScan].Retries)
	assert.Equal(t, 3, *plan.Steps[WiFiScan].Retries)

	require.NoError(t, os.WriteFile(pth, []byte("stepz: {}\n"), 0644))
	_, err = LoadPlan(pth)
	assert.True(t, failure.Is(err, failure.ConfigError))
}
