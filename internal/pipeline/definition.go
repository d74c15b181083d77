// Package pipeline models the declarative pipeline definition: external
// inputs, an ordered stage list and the command templates of each stage.
package pipeline

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/riboflow/internal/domain"
)

// Definition is a parsed pipeline definition file.
type Definition struct {
	Name        string            `yaml:"name,omitempty"`
	Aggregation string            `yaml:"aggregation,omitempty"`
	Params      map[string]string `yaml:"params,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Inputs      Inputs            `yaml:"inputs,omitempty"`
	Stages      []Stage           `yaml:"stages"`

	// BaseDir is the directory relative input paths were resolved against.
	BaseDir string `yaml:"-"`
}

// Inputs is the run's static input set.
type Inputs struct {
	Dataset map[string]string            `yaml:"dataset,omitempty"`
	Samples map[string]map[string]string `yaml:"samples,omitempty"`
}

// Stage is one step of the pipeline, expanded into tasks according to Scope.
type Stage struct {
	Name        string            `yaml:"name"`
	Scope       string            `yaml:"scope,omitempty"`
	Inputs      []string          `yaml:"inputs,omitempty"`
	Outputs     []OutputSpec      `yaml:"outputs,omitempty"`
	Command     string            `yaml:"command"`
	Params      map[string]string `yaml:"params,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Retries     int               `yaml:"retries,omitempty"`
	Timeout     Duration          `yaml:"timeout,omitempty"`
	Samples     []string          `yaml:"samples,omitempty"`
	SampleSheet string            `yaml:"sample_sheet,omitempty"`
}

// OutputSpec declares a file a stage produces.
type OutputSpec struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Publish bool   `yaml:"publish,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s", "2h").
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	if d == 0 {
		return "", nil
	}
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ScopeOf parses the stage's scope.
func (s *Stage) ScopeOf() (domain.Scope, error) {
	return domain.ParseScope(s.Scope)
}

// Stage returns the stage with the given name.
func (d *Definition) Stage(name string) (*Stage, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// Demultiplexer returns the demultiplex stage, if any.
func (d *Definition) Demultiplexer() (*Stage, bool) {
	for i := range d.Stages {
		if scope, _ := d.Stages[i].ScopeOf(); scope == domain.ScopeDemultiplex {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// SampleIDs returns the samples named in the static input set, sorted.
// Samples derived by a demultiplex stage are not included.
func (d *Definition) SampleIDs() []string {
	ids := make([]string, 0, len(d.Inputs.Samples))
	for id := range d.Inputs.Samples {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StageParams merges pipeline and stage parameters; stage values win.
func (d *Definition) StageParams(s *Stage) map[string]string {
	return merged(d.Params, s.Params)
}

// StageEnv merges pipeline and stage environment; stage values win.
func (d *Definition) StageEnv(s *Stage) map[string]string {
	return merged(d.Env, s.Env)
}

func merged(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
