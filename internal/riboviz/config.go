// Package riboviz generates the riboviz ribosome profiling workflow as a
// pipeline definition from a riboviz-style YAML configuration. Optional steps
// (UMI handling, bedgraphs, read counts) are resolved here, so the generated
// definition is static.
package riboviz

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/example/riboflow/internal/domain"
)

// Config mirrors the riboviz configuration keys riboflow understands. Keys
// it does not use are ignored.
type Config struct {
	DirIn    string `yaml:"dir_in"`
	DirOut   string `yaml:"dir_out"`
	DirTmp   string `yaml:"dir_tmp"`
	DirIndex string `yaml:"dir_index"`

	FqFiles          map[string]string `yaml:"fq_files"`
	MultiplexFqFiles []string          `yaml:"multiplex_fq_files"`
	SampleSheet      string            `yaml:"sample_sheet"`

	RRNAFastaFile string `yaml:"rrna_fasta_file"`
	OrfFastaFile  string `yaml:"orf_fasta_file"`
	OrfGffFile    string `yaml:"orf_gff_file"`

	RRNAIndexPrefix string `yaml:"rrna_index_prefix"`
	OrfIndexPrefix  string `yaml:"orf_index_prefix"`

	Adapters     string `yaml:"adapters"`
	ExtractUmis  bool   `yaml:"extract_umis"`
	UmiRegexp    string `yaml:"umi_regexp"`
	DedupUmis    bool   `yaml:"dedup_umis"`
	GroupUmis    bool   `yaml:"group_umis"`
	MakeBedgraph *bool  `yaml:"make_bedgraph"`
	CountReads   *bool  `yaml:"count_reads"`

	NumProcesses  int    `yaml:"num_processes"`
	MinReadLength int    `yaml:"min_read_length"`
	MaxReadLength int    `yaml:"max_read_length"`
	Buffer        int    `yaml:"buffer"`
	PrimaryID     string `yaml:"primary_id"`
	Dataset       string `yaml:"dataset"`

	// BaseDir is the directory relative paths are resolved against.
	BaseDir string `yaml:"-"`
}

func enabled() *bool { b := true; return &b }

// Default returns the values riboviz uses for omitted keys.
func Default() *Config {
	return &Config{
		DirIn:           "input",
		DirOut:          "output",
		DirTmp:          "tmp",
		DirIndex:        "index",
		RRNAIndexPrefix: "rRNA",
		OrfIndexPrefix:  "orf",
		MakeBedgraph:    enabled(),
		CountReads:      enabled(),
		NumProcesses:    1,
		MinReadLength:   10,
		MaxReadLength:   50,
		Buffer:          250,
		PrimaryID:       "Name",
		Dataset:         "dataset",
	}
}

// Load reads a riboviz configuration file and fills in defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading riboviz config: %v", domain.ErrIO, err)
	}
	defer f.Close()

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	cfg, err := Parse(f, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a riboviz configuration, fills in defaults and validates it.
func Parse(r io.Reader, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.Configf(domain.ErrConfig, "decoding riboviz config: %v", err)
	}
	if err := mergo.Merge(&cfg, Default()); err != nil {
		return nil, domain.Configf(domain.ErrConfig, "applying riboviz defaults: %v", err)
	}
	cfg.BaseDir = baseDir
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Multiplexed reports whether samples are demultiplexed from one FASTQ file.
func (c *Config) Multiplexed() bool { return len(c.MultiplexFqFiles) > 0 }

// Samples returns the configured sample ids, sorted. Multiplexed
// configurations take their samples from the sample sheet instead.
func (c *Config) Samples() []string {
	ids := make([]string, 0, len(c.FqFiles))
	for id := range c.FqFiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PublishDir is where published outputs go.
func (c *Config) PublishDir() string {
	return c.resolve(c.DirOut)
}

// WorkDir is where task working areas go unless the runtime config says otherwise.
func (c *Config) WorkDir() string {
	return c.resolve(c.DirTmp)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.BaseDir == "" {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// Validate checks that the configuration describes a runnable workflow.
func (c *Config) Validate() error {
	required := []struct{ key, value string }{
		{"rrna_fasta_file", c.RRNAFastaFile},
		{"orf_fasta_file", c.OrfFastaFile},
		{"orf_gff_file", c.OrfGffFile},
		{"adapters", c.Adapters},
	}
	for _, r := range required {
		if r.value == "" {
			return domain.Configf(domain.ErrConfig, "riboviz config: %s is required", r.key)
		}
	}

	for _, prefix := range []string{c.RRNAIndexPrefix, c.OrfIndexPrefix} {
		if !validPrefix(prefix) {
			return domain.Configf(domain.ErrConfig, "riboviz config: invalid index prefix %q", prefix)
		}
	}

	switch {
	case c.Multiplexed() && len(c.FqFiles) > 0:
		return domain.Configf(domain.ErrConfig, "riboviz config: fq_files and multiplex_fq_files are mutually exclusive")
	case !c.Multiplexed() && len(c.FqFiles) == 0:
		return domain.Configf(domain.ErrConfig, "riboviz config: one of fq_files or multiplex_fq_files is required")
	case len(c.MultiplexFqFiles) > 1:
		return domain.Configf(domain.ErrConfig, "riboviz config: only one multiplexed FASTQ file is supported, got %d", len(c.MultiplexFqFiles))
	}
	if c.Multiplexed() {
		if c.SampleSheet == "" {
			return domain.Configf(domain.ErrConfig, "riboviz config: multiplex_fq_files requires sample_sheet")
		}
		if !c.ExtractUmis {
			return domain.Configf(domain.ErrConfig, "riboviz config: multiplex_fq_files requires extract_umis to extract barcodes")
		}
	}

	if (c.DedupUmis || c.GroupUmis) && !c.ExtractUmis {
		return domain.Configf(domain.ErrConfig, "riboviz config: dedup_umis and group_umis require extract_umis")
	}
	if c.ExtractUmis && c.UmiRegexp == "" {
		return domain.Configf(domain.ErrConfig, "riboviz config: extract_umis requires umi_regexp")
	}
	if c.NumProcesses < 1 {
		return domain.Configf(domain.ErrConfig, "riboviz config: num_processes must be at least 1")
	}
	if c.MinReadLength < 1 || c.MaxReadLength < c.MinReadLength {
		return domain.Configf(domain.ErrConfig, "riboviz config: need 1 <= min_read_length <= max_read_length, got %d and %d", c.MinReadLength, c.MaxReadLength)
	}
	return nil
}

// validPrefix accepts index prefixes that are safe as file names and unquoted
// shell words.
func validPrefix(p string) bool {
	if p == "" || p[0] == '.' || p[0] == '-' {
		return false
	}
	for _, c := range p {
		ok := c == '_' || c == '-' || c == '.' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
		if !ok {
			return false
		}
	}
	return true
}
