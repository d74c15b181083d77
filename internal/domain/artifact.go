package domain

import "fmt"

// Hash is a hex-encoded sha256 content fingerprint.
type Hash string

func (h Hash) String() string { return string(h) }

// Short returns the first 12 characters, for display.
func (h Hash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// ArtifactKey names an artifact. Sample is DatasetSample for dataset-level artifacts.
type ArtifactKey struct {
	Name   string
	Sample string
}

func (k ArtifactKey) String() string {
	if k.Sample == DatasetSample {
		return k.Name
	}
	return fmt.Sprintf("%s[%s]", k.Name, k.Sample)
}

// ArtifactRef binds a task input to a concrete artifact.
type ArtifactRef struct {
	Key ArtifactKey

	// Producer is the producing task, zero for external inputs.
	Producer TaskID

	// Path is set for external inputs; produced artifacts are located through
	// the producer's working area at run time.
	Path string

	// FanIn marks a per-sample artifact consumed by a dataset task.
	FanIn bool
}

// External reports whether the artifact belongs to the run's static input set.
func (r ArtifactRef) External() bool { return r.Producer.IsZero() }

// Artifact is a materialized file with its fingerprint.
type Artifact struct {
	Key         ArtifactKey
	Path        string
	Fingerprint Hash
}
