package scheduler

import (
	"github.com/example/riboflow/internal/contentstore"
	"github.com/example/riboflow/internal/domain"
)

// cacheKeyVersion changes whenever the key layout below changes.
const cacheKeyVersion = "riboflow/inputkey/v1"

// resolvedInput is one artifact bound to a task input, located and
// fingerprinted.
type resolvedInput struct {
	name string
	ref  domain.ArtifactRef
	path string
	hash domain.Hash
}

// InputKey identifies a task's exact inputs: its static description and the
// content of every artifact it consumes. Paths never take part, so moving the
// working directory keeps every entry valid.
func inputKey(task *domain.Task, samples []string, inputs []resolvedInput) domain.Hash {
	d := contentstore.NewDigest()
	d.Field(cacheKeyVersion)
	d.Field(task.ID.Stage).Field(task.Scope.String()).Field(task.ID.Sample)
	d.Field(task.Command)
	d.Map(task.Params).Map(task.Env)

	d.Count(len(task.Outputs))
	for _, o := range task.Outputs {
		d.Field(o.Name).Field(o.Path)
	}
	d.Count(len(samples))
	for _, s := range samples {
		d.Field(s)
	}
	d.Count(len(inputs))
	for _, in := range inputs {
		d.Field(in.name).Field(in.ref.Key.Name).Field(in.ref.Key.Sample).Field(string(in.hash))
	}
	return d.Sum()
}

func fingerprints(inputs []resolvedInput) []domain.InputFingerprint {
	out := make([]domain.InputFingerprint, len(inputs))
	for i, in := range inputs {
		out[i] = domain.InputFingerprint{Name: in.name, Key: in.ref.Key, Hash: in.hash}
	}
	return out
}
