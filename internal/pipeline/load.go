package pipeline

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/example/riboflow/internal/domain"
)

//go:embed schemas/pipeline.schema.json
var schemaSource string

const schemaURL = "schemas/pipeline.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

func compiledSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		schema = jsonschema.MustCompileString(schemaURL, schemaSource)
	})
	return schema
}

// Load reads, validates and resolves the pipeline definition at path.
// Relative input paths are resolved against the file's directory.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pipeline definition: %v", domain.ErrIO, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	def, err := Parse(data, abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse validates raw YAML against the definition schema, decodes it and
// resolves it against baseDir.
func Parse(data []byte, baseDir string) (*Definition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, domain.Configf(domain.ErrConfig, "invalid YAML: %v", err)
	}
	if err := compiledSchema().Validate(raw); err != nil {
		return nil, domain.Configf(domain.ErrConfig, "schema validation failed: %v", err)
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, domain.Configf(domain.ErrConfig, "decoding definition: %v", err)
	}
	if err := def.Resolve(baseDir); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Resolve makes input and sample sheet paths absolute and loads the
// demultiplex stage's sample sheet, if any.
func (d *Definition) Resolve(baseDir string) error {
	d.BaseDir = baseDir
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	for name, p := range d.Inputs.Dataset {
		d.Inputs.Dataset[name] = abs(p)
	}
	for _, files := range d.Inputs.Samples {
		for name, p := range files {
			files[name] = abs(p)
		}
	}
	for i := range d.Stages {
		s := &d.Stages[i]
		if s.SampleSheet == "" {
			continue
		}
		s.SampleSheet = abs(s.SampleSheet)
		if len(s.Samples) > 0 {
			continue
		}
		ids, err := ReadSampleSheet(s.SampleSheet)
		if err != nil {
			return fmt.Errorf("stage %q: %w", s.Name, err)
		}
		s.Samples = ids
	}
	return nil
}

// Validate checks the structural rules of a definition. Input references are
// resolved later, when the task graph is built.
func (d *Definition) Validate() error {
	if len(d.Stages) == 0 {
		return domain.Configf(domain.ErrConfig, "pipeline has no stages")
	}
	if _, err := domain.ParseAggregationPolicy(d.Aggregation); err != nil {
		return err
	}

	// Output names share one namespace with external inputs.
	owners := make(map[string]string)
	claim := func(name, owner string) error {
		if prev, ok := owners[name]; ok && prev != owner {
			return domain.Configf(domain.ErrConfig, "artifact %q is declared by both %s and %s", name, prev, owner)
		}
		owners[name] = owner
		return nil
	}
	for name := range d.Inputs.Dataset {
		if err := claim(name, "dataset inputs"); err != nil {
			return err
		}
	}
	for _, sample := range d.SampleIDs() {
		if err := validSampleID(sample); err != nil {
			return err
		}
		for name := range d.Inputs.Samples[sample] {
			if err := claim(name, "sample inputs"); err != nil {
				return err
			}
		}
	}

	stages := make(map[string]bool)
	demux := 0
	for i := range d.Stages {
		s := &d.Stages[i]
		if s.Name == "" {
			return domain.Configf(domain.ErrConfig, "stage %d has no name", i)
		}
		if strings.ContainsAny(s.Name, "@/") {
			return domain.Configf(domain.ErrConfig, "stage name %q contains a reserved character", s.Name)
		}
		if stages[s.Name] {
			return domain.Configf(domain.ErrConfig, "duplicate stage %q", s.Name)
		}
		stages[s.Name] = true

		scope, err := s.ScopeOf()
		if err != nil {
			return fmt.Errorf("stage %q: %w", s.Name, err)
		}
		if strings.TrimSpace(s.Command) == "" {
			return domain.Configf(domain.ErrConfig, "stage %q has no command", s.Name)
		}
		if s.Retries < 0 {
			return domain.Configf(domain.ErrConfig, "stage %q: retries must not be negative", s.Name)
		}
		if s.Timeout < 0 {
			return domain.Configf(domain.ErrConfig, "stage %q: timeout must not be negative", s.Name)
		}
		if len(s.Outputs) == 0 {
			return domain.Configf(domain.ErrConfig, "stage %q declares no outputs", s.Name)
		}

		seenPaths := make(map[string]bool)
		for _, o := range s.Outputs {
			if err := claim(o.Name, "stage "+strconv.Quote(s.Name)); err != nil {
				return err
			}
			if !filepath.IsLocal(o.Path) || strings.HasPrefix(filepath.Clean(o.Path), ".") {
				return domain.Configf(domain.ErrConfig, "stage %q output %q: path %q must be relative, inside the working area and not hidden", s.Name, o.Name, o.Path)
			}
			if first, _, _ := strings.Cut(filepath.ToSlash(filepath.Clean(o.Path)), "/"); first == "inputs" {
				return domain.Configf(domain.ErrConfig, "stage %q output %q: inputs/ is reserved", s.Name, o.Name)
			}
			if seenPaths[o.Path] {
				return domain.Configf(domain.ErrConfig, "stage %q declares path %q twice", s.Name, o.Path)
			}
			seenPaths[o.Path] = true
			if scope == domain.ScopeDemultiplex && !strings.Contains(o.Path, "{sample}") {
				return domain.Configf(domain.ErrConfig, "demultiplex stage %q output %q: path must contain {sample}", s.Name, o.Name)
			}
			if scope == domain.ScopeDataset && strings.Contains(o.Path, "{sample}") {
				return domain.Configf(domain.ErrConfig, "dataset stage %q output %q: path must not contain {sample}", s.Name, o.Name)
			}
		}

		if scope == domain.ScopeDemultiplex {
			demux++
			if len(s.Samples) == 0 {
				return domain.Configf(domain.ErrConfig, "demultiplex stage %q lists no samples (set samples or sample_sheet)", s.Name)
			}
			seen := make(map[string]bool)
			for _, id := range s.Samples {
				if err := validSampleID(id); err != nil {
					return err
				}
				if seen[id] {
					return domain.Configf(domain.ErrConfig, "demultiplex stage %q lists sample %q twice", s.Name, id)
				}
				seen[id] = true
			}
		} else if len(s.Samples) > 0 || s.SampleSheet != "" {
			return domain.Configf(domain.ErrConfig, "stage %q: samples are only allowed on demultiplex stages", s.Name)
		}
	}
	if demux > 1 {
		return domain.Configf(domain.ErrConfig, "at most one demultiplex stage is allowed, found %d", demux)
	}
	if demux == 0 && len(d.Inputs.Samples) == 0 && d.hasSampleStages() {
		return domain.Configf(domain.ErrConfig, "pipeline has per-sample stages but no samples")
	}
	return nil
}

func (d *Definition) hasSampleStages() bool {
	for i := range d.Stages {
		if scope, _ := d.Stages[i].ScopeOf(); scope == domain.ScopeSample {
			return true
		}
	}
	return false
}

// sampleIDPattern matches the name pattern of the definition schema. Ids from
// sample sheets and generated definitions bypass the schema, and a sample id
// becomes a directory name under each stage's working area.
var sampleIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func validSampleID(id string) error {
	if id == domain.DatasetMarker || !sampleIDPattern.MatchString(id) {
		return domain.Configf(domain.ErrConfig, "invalid sample id %q", id)
	}
	return nil
}
