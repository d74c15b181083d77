package domain

import (
	"fmt"
	"strings"
	"time"
)

// Scope describes how a stage is expanded into tasks.
type Scope int

const (
	ScopeUnknown     Scope = 0
	ScopeSample      Scope = 10 // One task per sample
	ScopeDataset     Scope = 20 // One task for the whole dataset
	ScopeDemultiplex Scope = 30 // One task that derives the sample set
)

func (s Scope) String() string {
	switch s {
	case ScopeSample:
		return "sample"
	case ScopeDataset:
		return "dataset"
	case ScopeDemultiplex:
		return "demultiplex"
	default:
		return "unknown"
	}
}

// ParseScope parses the textual form used in pipeline definitions.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sample", "per-sample", "":
		return ScopeSample, nil
	case "dataset", "per-dataset":
		return ScopeDataset, nil
	case "demultiplex":
		return ScopeDemultiplex, nil
	default:
		return ScopeUnknown, Configf(ErrConfig, "unknown scope %q", s)
	}
}

// DatasetSample is the sample marker of dataset-scope tasks and artifacts.
const DatasetSample = ""

// DatasetMarker renders DatasetSample in task ids; it is not a valid sample id.
const DatasetMarker = "dataset"

// TaskID identifies a task: a stage applied to one sample, or to the whole dataset.
type TaskID struct {
	Stage  string
	Sample string
}

// IsDataset reports whether the task runs once for the dataset.
func (id TaskID) IsDataset() bool { return id.Sample == DatasetSample }

// IsZero reports whether the id is unset.
func (id TaskID) IsZero() bool { return id.Stage == "" && id.Sample == "" }

func (id TaskID) String() string {
	if id.IsDataset() {
		return id.Stage + "@" + DatasetMarker
	}
	return id.Stage + "@" + id.Sample
}

// ParseTaskID parses the "stage@sample" form produced by String.
func ParseTaskID(s string) (TaskID, error) {
	stage, sample, ok := strings.Cut(s, "@")
	if !ok || stage == "" || sample == "" {
		return TaskID{}, fmt.Errorf("%w: malformed task id %q", ErrNotFound, s)
	}
	if sample == DatasetMarker {
		sample = DatasetSample
	}
	return TaskID{Stage: stage, Sample: sample}, nil
}

// Compare orders task ids by stage, then sample.
func (id TaskID) Compare(other TaskID) int {
	if c := strings.Compare(id.Stage, other.Stage); c != 0 {
		return c
	}
	return strings.Compare(id.Sample, other.Sample)
}

// Output is a file a task declares it will produce.
type Output struct {
	Name    string
	Path    string // relative to the task's working area
	Publish bool
}

// InputBinding is one named input of a task and the artifacts bound to it.
// Per-sample tasks bind exactly one artifact; dataset tasks may fan in one
// artifact per sample.
type InputBinding struct {
	Name      string
	Artifacts []ArtifactRef
}

// Task is an immutable description of one unit of work.
type Task struct {
	ID      TaskID
	Scope   Scope
	Inputs  []InputBinding
	Outputs []Output
	Command string // template, see pipeline placeholders
	Params  map[string]string
	Env     map[string]string
	Retries int
	Timeout time.Duration
	Samples []string // demultiplex: derived sample ids; dataset: samples in scope
}

// Output returns the declared output with the given name.
func (t *Task) Output(name string) (Output, bool) {
	for _, o := range t.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return Output{}, false
}

// OutputsFor returns the outputs the task produces for a sample. Demultiplex
// tasks produce one file per derived sample; every other task produces its
// declared outputs once.
func (t *Task) OutputsFor(sample string) []Output {
	if t.Scope != ScopeDemultiplex {
		return t.Outputs
	}
	out := make([]Output, 0, len(t.Outputs))
	for _, o := range t.Outputs {
		o.Path = strings.ReplaceAll(o.Path, "{sample}", sample)
		out = append(out, o)
	}
	return out
}

// DeclaredFiles lists every output file of the task, keyed by artifact.
func (t *Task) DeclaredFiles() []ProducedFile {
	if t.Scope != ScopeDemultiplex {
		files := make([]ProducedFile, 0, len(t.Outputs))
		for _, o := range t.Outputs {
			files = append(files, ProducedFile{
				Key:    ArtifactKey{Name: o.Name, Sample: t.ID.Sample},
				Output: o,
			})
		}
		return files
	}
	files := make([]ProducedFile, 0, len(t.Outputs)*len(t.Samples))
	for _, sample := range t.Samples {
		for _, o := range t.OutputsFor(sample) {
			files = append(files, ProducedFile{
				Key:    ArtifactKey{Name: o.Name, Sample: sample},
				Output: o,
			})
		}
	}
	return files
}

// ProducedFile pairs an artifact key with the output that materializes it.
type ProducedFile struct {
	Key    ArtifactKey
	Output Output
}
