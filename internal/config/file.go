package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/memoir/pkg/types"
)

// fileConfig is the YAML overlay. Only the settings that are awkward to
// express as environment variables live here.
//
//	taxonomy: [movie, book, place, recipe, note]
//	confidence_threshold: 0.6
//	intent_providers:
//	  movie: [movies]
//	fallback_providers: [web]
//	schedules:
//	  - name: task-reminders
//	    rule: "0 * * * *"
//	    task: task_reminders
//	    grace: 10m
type fileConfig struct {
	Taxonomy            []string            `yaml:"taxonomy"`
	ConfidenceThreshold *float64            `yaml:"confidence_threshold"`
	IntentProviders     map[string][]string `yaml:"intent_providers"`
	FallbackProviders   []string            `yaml:"fallback_providers"`
	Schedules           []fileSchedule      `yaml:"schedules"`
}

type fileSchedule struct {
	Name  string `yaml:"name"`
	Rule  string `yaml:"rule"`
	Task  string `yaml:"task"`
	Grace string `yaml:"grace"`
}

// applyFile overlays the YAML file at path. Keys absent from the file keep
// their current values; a present schedules list replaces the defaults.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if len(fc.Taxonomy) > 0 {
		c.Engine.Taxonomy = fc.Taxonomy
	}
	if fc.ConfidenceThreshold != nil {
		c.Engine.ConfidenceThreshold = *fc.ConfidenceThreshold
	}
	if len(fc.IntentProviders) > 0 {
		mapping := make(map[types.Intent][]string, len(fc.IntentProviders))
		for intent, names := range fc.IntentProviders {
			mapping[types.Intent(intent)] = names
		}
		c.Engine.IntentProviders = mapping
	}
	if fc.FallbackProviders != nil {
		c.Engine.FallbackProviders = fc.FallbackProviders
	}
	if fc.Schedules != nil {
		defs := make([]types.ScheduleDefinition, 0, len(fc.Schedules))
		for _, s := range fc.Schedules {
			if s.Name == "" || s.Rule == "" || s.Task == "" {
				return fmt.Errorf("config: schedule entries need name, rule and task")
			}
			def := types.ScheduleDefinition{Name: s.Name, Rule: s.Rule, Task: s.Task}
			if s.Grace != "" {
				grace, err := time.ParseDuration(s.Grace)
				if err != nil {
					return fmt.Errorf("config: schedule %q grace: %w", s.Name, err)
				}
				def.Grace = grace
			}
			defs = append(defs, def)
		}
		c.Engine.Schedules = defs
	}
	return nil
}
