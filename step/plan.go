package step

import (
	"os"
	"time"

	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// Plan adjusts the default pipeline for a particular bench setup.
//
// Example plan file:
//
//	skip:
//	  - gnss_*
//	steps:
//	  network_registration:
//	    timeout: 20s
//	    retries: 20
type Plan struct {
	Skip  []string            `yaml:"skip"`
	Steps map[string]Override `yaml:"steps"`
}

// Override ...
type Override struct {
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Skip    bool   `yaml:"skip"`
}

// LoadPlan reads a YAML plan file. Unknown keys are rejected.
func LoadPlan(pth string) (Plan, error) {
	f, err := os.Open(pth)
	if err != nil {
		return Plan{}, failure.Wrapf(failure.ConfigError, err, "failed to open plan file")
	}
	defer func() {
		_ = f.Close()
	}()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	var plan Plan
	if err := decoder.Decode(&plan); err != nil {
		return Plan{}, failure.Wrapf(failure.ConfigError, err, "failed to parse plan file (%s)", pth)
	}
	return plan, nil
}

// Apply returns a copy of steps with the plan's overrides applied.
// Required steps can not be skipped, and overrides must name existing steps.
// A skipped step, and every step depending on it, is turned Optional: leaving a check out of the plan
// does not fail the run.
func (p Plan) Apply(steps []Step) ([]Step, error) {
	known := map[string]bool{}
	for _, s := range steps {
		known[s.Name] = true
	}
	for name := range p.Steps {
		if !known[name] {
			return nil, failure.New(failure.ConfigError, "plan overrides unknown step: %s", name)
		}
	}

	excluded := map[string]bool{}
	applied := make([]Step, 0, len(steps))
	for _, s := range steps {
		override, hasOverride := p.Steps[s.Name]

		if hasOverride && override.Timeout != "" {
			timeout, err := time.ParseDuration(override.Timeout)
			if err != nil {
				return nil, failure.Wrapf(failure.ConfigError, err, "invalid timeout for step %s", s.Name)
			}
			if timeout <= 0 {
				return nil, failure.New(failure.ConfigError, "timeout of step %s must be positive", s.Name)
			}
			s.Timeout = timeout
		}

		if hasOverride && override.Retries != nil {
			if *override.Retries < 0 {
				return nil, failure.New(failure.ConfigError, "retries of step %s must not be negative", s.Name)
			}
			s.Retries = *override.Retries
		}

		skip := hasOverride && override.Skip
		for _, pattern := range p.Skip {
			if glob.Glob(pattern, s.Name) {
				skip = true
			}
		}
		if skip {
			if s.Policy == Required {
				return nil, failure.New(failure.ConfigError, "required step %s can not be skipped", s.Name)
			}
			s.Disabled = true
			s.Policy = Optional
			excluded[s.Name] = true
		}

		for _, dependency := range s.DependsOn {
			if !excluded[dependency] {
				continue
			}
			if s.Policy == Required {
				return nil, failure.New(failure.ConfigError, "required step %s depends on skipped step %s", s.Name, dependency)
			}
			s.Policy = Optional
			excluded[s.Name] = true
		}

		applied = append(applied, s)
	}

	return applied, nil
}
