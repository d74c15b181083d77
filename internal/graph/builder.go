package graph

import (
	"slices"
	"strings"

	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/pipeline"
)

// artifactSource says where a logical artifact name comes from.
type artifactSource struct {
	stage  *pipeline.Stage // nil for static inputs
	scope  domain.Scope
	static bool
}

// Build expands def into a task graph. It fails with a *domain.ConfigError
// when a stage consumes an undeclared artifact, when stage scopes cannot be
// connected, or when the dependencies form a cycle.
func Build(def *pipeline.Definition) (*Graph, error) {
	b := &builder{def: def}
	if err := b.resolveSamples(); err != nil {
		return nil, err
	}
	if err := b.indexArtifacts(); err != nil {
		return nil, err
	}
	if err := b.expand(); err != nil {
		return nil, err
	}
	b.link()
	order, err := b.sort()
	if err != nil {
		return nil, err
	}

	g := &Graph{
		name:      def.Name,
		tasks:     b.tasks,
		byID:      b.byID,
		producers: b.producers,
		consumers: b.consumers,
		order:     order,
		samples:   b.samples,
		external:  b.externalRefs(),
	}
	g.hash = g.computeFingerprint()
	return g, nil
}

type builder struct {
	def       *pipeline.Definition
	samples   []string
	sources   map[string]artifactSource
	tasks     []*domain.Task
	byID      map[domain.TaskID]Handle
	producers [][]Handle
	consumers [][]Handle
}

func (b *builder) resolveSamples() error {
	demux, ok := b.def.Demultiplexer()
	if !ok {
		b.samples = b.def.SampleIDs()
		return nil
	}
	derived := make(map[string]bool, len(demux.Samples))
	for _, s := range demux.Samples {
		derived[s] = true
	}
	for _, s := range b.def.SampleIDs() {
		if !derived[s] {
			return domain.Configf(domain.ErrConfig, "sample %q has inputs but is not produced by demultiplex stage %q", s, demux.Name)
		}
	}
	b.samples = slices.Clone(demux.Samples)
	return nil
}

func (b *builder) indexArtifacts() error {
	b.sources = make(map[string]artifactSource)
	for name := range b.def.Inputs.Dataset {
		b.sources[name] = artifactSource{scope: domain.ScopeDataset, static: true}
	}
	for _, files := range b.def.Inputs.Samples {
		for name := range files {
			b.sources[name] = artifactSource{scope: domain.ScopeSample, static: true}
		}
	}
	for i := range b.def.Stages {
		s := &b.def.Stages[i]
		scope, err := s.ScopeOf()
		if err != nil {
			return err
		}
		for _, o := range s.Outputs {
			b.sources[o.Name] = artifactSource{stage: s, scope: scope}
		}
	}

	// Stage-level references are checked before any task exists.
	for i := range b.def.Stages {
		s := &b.def.Stages[i]
		scope, _ := s.ScopeOf()
		for _, in := range s.Inputs {
			src, ok := b.sources[in]
			if !ok {
				return domain.Configf(domain.ErrUndeclaredInput, "stage %q consumes %q, which no stage or input declares", s.Name, in)
			}
			if scope == domain.ScopeDemultiplex && src.perSample() {
				return domain.Configf(domain.ErrConfig, "demultiplex stage %q cannot consume per-sample artifact %q", s.Name, in)
			}
		}
		var outputs []string
		for _, o := range s.Outputs {
			outputs = append(outputs, o.Name)
		}
		if err := pipeline.CheckTemplate(s.Name, s.Command, s.Inputs, outputs, b.def.StageParams(s)); err != nil {
			return err
		}
	}
	return nil
}

// perSample reports whether the artifact exists once per sample.
func (src artifactSource) perSample() bool {
	return src.scope == domain.ScopeSample || src.scope == domain.ScopeDemultiplex
}

func (b *builder) expand() error {
	b.byID = make(map[domain.TaskID]Handle)
	for i := range b.def.Stages {
		s := &b.def.Stages[i]
		scope, _ := s.ScopeOf()
		switch scope {
		case domain.ScopeSample:
			for _, sample := range b.samples {
				if err := b.addTask(s, scope, sample); err != nil {
					return err
				}
			}
		default:
			if err := b.addTask(s, scope, domain.DatasetSample); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) addTask(s *pipeline.Stage, scope domain.Scope, sample string) error {
	task := &domain.Task{
		ID:      domain.TaskID{Stage: s.Name, Sample: sample},
		Scope:   scope,
		Command: s.Command,
		Params:  b.def.StageParams(s),
		Env:     b.def.StageEnv(s),
		Retries: s.Retries,
		Timeout: s.Timeout.Duration(),
	}
	switch scope {
	case domain.ScopeDemultiplex:
		task.Samples = slices.Clone(s.Samples)
	case domain.ScopeDataset:
		task.Samples = slices.Clone(b.samples)
	}
	for _, o := range s.Outputs {
		path := o.Path
		if scope == domain.ScopeSample {
			path = strings.ReplaceAll(path, "{sample}", sample)
		}
		task.Outputs = append(task.Outputs, domain.Output{Name: o.Name, Path: path, Publish: o.Publish})
	}
	for _, name := range s.Inputs {
		refs, err := b.bind(s, name, sample)
		if err != nil {
			return err
		}
		task.Inputs = append(task.Inputs, domain.InputBinding{Name: name, Artifacts: refs})
	}

	b.byID[task.ID] = Handle(len(b.tasks))
	b.tasks = append(b.tasks, task)
	return nil
}

// bind resolves input name for the task of stage s running on sample.
func (b *builder) bind(s *pipeline.Stage, name, sample string) ([]domain.ArtifactRef, error) {
	src := b.sources[name]
	if !src.perSample() {
		ref, err := b.ref(src, name, domain.DatasetSample, s)
		if err != nil {
			return nil, err
		}
		return []domain.ArtifactRef{ref}, nil
	}
	if sample != domain.DatasetSample {
		ref, err := b.ref(src, name, sample, s)
		if err != nil {
			return nil, err
		}
		return []domain.ArtifactRef{ref}, nil
	}

	// A dataset task fans in the artifact of every sample.
	refs := make([]domain.ArtifactRef, 0, len(b.samples))
	for _, each := range b.samples {
		ref, err := b.ref(src, name, each, s)
		if err != nil {
			return nil, err
		}
		ref.FanIn = true
		refs = append(refs, ref)
	}
	return refs, nil
}

func (b *builder) ref(src artifactSource, name, sample string, consumer *pipeline.Stage) (domain.ArtifactRef, error) {
	key := domain.ArtifactKey{Name: name, Sample: sample}
	if src.static {
		var path string
		if sample == domain.DatasetSample {
			path = b.def.Inputs.Dataset[name]
		} else {
			path = b.def.Inputs.Samples[sample][name]
		}
		if path == "" {
			return domain.ArtifactRef{}, domain.Configf(domain.ErrUndeclaredInput, "stage %q consumes %q, which sample %q does not provide", consumer.Name, name, sample)
		}
		return domain.ArtifactRef{Key: key, Path: path}, nil
	}
	producer := domain.TaskID{Stage: src.stage.Name}
	if src.scope == domain.ScopeSample {
		producer.Sample = sample
	}
	return domain.ArtifactRef{Key: key, Producer: producer}, nil
}

func (b *builder) link() {
	n := len(b.tasks)
	b.producers = make([][]Handle, n)
	b.consumers = make([][]Handle, n)
	for h, t := range b.tasks {
		for _, in := range t.Inputs {
			for _, ref := range in.Artifacts {
				if ref.External() {
					continue
				}
				p := b.byID[ref.Producer]
				b.producers[h] = append(b.producers[h], p)
				b.consumers[p] = append(b.consumers[p], Handle(h))
			}
		}
	}
	for h := range b.tasks {
		slices.Sort(b.producers[h])
		b.producers[h] = slices.Compact(b.producers[h])
		slices.Sort(b.consumers[h])
		b.consumers[h] = slices.Compact(b.consumers[h])
	}
}

const (
	white = iota // unvisited
	grey         // on the DFS stack
	black        // finished
)

// sort orders tasks producers-first with a depth-first walk over producer
// edges. Meeting a grey task means the stack holds a cycle.
func (b *builder) sort() ([]Handle, error) {
	color := make([]int, len(b.tasks))
	order := make([]Handle, 0, len(b.tasks))
	var stack []Handle

	var visit func(h Handle) error
	visit = func(h Handle) error {
		color[h] = grey
		stack = append(stack, h)
		for _, p := range b.producers[h] {
			switch color[p] {
			case grey:
				return domain.CycleError(b.cyclePath(stack, p))
			case white:
				if err := visit(p); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[h] = black
		order = append(order, h)
		return nil
	}
	for h := range b.tasks {
		if color[h] == white {
			if err := visit(Handle(h)); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// cyclePath renders the cycle closed by p in data-flow direction. Each stack
// entry consumes from the one after it.
func (b *builder) cyclePath(stack []Handle, p Handle) []string {
	start := slices.Index(stack, p)
	path := []string{b.tasks[p].ID.String()}
	for i := len(stack) - 1; i > start; i-- {
		path = append(path, b.tasks[stack[i]].ID.String())
	}
	return append(path, b.tasks[p].ID.String())
}

func (b *builder) externalRefs() []domain.ArtifactRef {
	seen := make(map[domain.ArtifactKey]bool)
	var out []domain.ArtifactRef
	for _, t := range b.tasks {
		for _, in := range t.Inputs {
			for _, ref := range in.Artifacts {
				if ref.External() && !seen[ref.Key] {
					seen[ref.Key] = true
					out = append(out, ref)
				}
			}
		}
	}
	return out
}
