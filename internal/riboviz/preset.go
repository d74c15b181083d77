package riboviz

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/example/riboflow/internal/pipeline"
)

// Artifact names of the generated workflow.
const (
	inRRNAFasta   = "rrna_fasta"
	inOrfFasta    = "orf_fasta"
	inOrfGff      = "orf_gff"
	inFq          = "fq"
	inMultiplexFq = "multiplex_fq"
	inSampleSheet = "sample_sheet"

	rrnaIndex = "rrna_index"
	orfIndex  = "orf_index"
)

// finalBam is the published name of each sample's last BAM.
const finalBam = "{sample}.bam"

// indexDir resolves a hisat2 index prefix next to the linked first index file.
const indexDir = `"$(dirname "$(readlink -f ${input.%s})")/${param.%s}"`

// resolved names a linked BAM through its link so samtools finds the .bai
// written next to the original.
const resolved = `"$(readlink -f ${input.%s})"`

func out(name, path string) pipeline.OutputSpec {
	return pipeline.OutputSpec{Name: name, Path: path}
}

func published(name, path string) pipeline.OutputSpec {
	return pipeline.OutputSpec{Name: name, Path: path, Publish: true}
}

func stage(name string, inputs []string, command string, outputs ...pipeline.OutputSpec) pipeline.Stage {
	return pipeline.Stage{Name: name, Inputs: inputs, Command: command, Outputs: outputs}
}

func datasetStage(name string, inputs []string, command string, outputs ...pipeline.OutputSpec) pipeline.Stage {
	s := stage(name, inputs, command, outputs...)
	s.Scope = "dataset"
	return s
}

// Definition generates the pipeline definition for cfg. The result is
// resolved against cfg.BaseDir and validated.
func Definition(cfg *Config) (*pipeline.Definition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := &pipeline.Definition{
		Name:   "riboviz",
		Params: params(cfg),
		Inputs: pipeline.Inputs{
			Dataset: map[string]string{
				inRRNAFasta: filepath.Join(cfg.DirIn, cfg.RRNAFastaFile),
				inOrfFasta:  filepath.Join(cfg.DirIn, cfg.OrfFastaFile),
				inOrfGff:    filepath.Join(cfg.DirIn, cfg.OrfGffFile),
			},
		},
	}

	def.Stages = append(def.Stages,
		datasetStage("build_indices_rrna", []string{inRRNAFasta},
			"hisat2-build -p ${threads} ${input.rrna_fasta} ${param.rrna_index_prefix}",
			out(rrnaIndex, cfg.RRNAIndexPrefix+".1.ht2")),
		datasetStage("build_indices_orf", []string{inOrfFasta},
			"hisat2-build -p ${threads} ${input.orf_fasta} ${param.orf_index_prefix}",
			out(orfIndex, cfg.OrfIndexPrefix+".1.ht2")),
	)

	// reads names the FASTQ that enters rRNA depletion.
	var reads string
	if cfg.Multiplexed() {
		def.Inputs.Dataset[inMultiplexFq] = filepath.Join(cfg.DirIn, cfg.MultiplexFqFiles[0])
		def.Inputs.Dataset[inSampleSheet] = filepath.Join(cfg.DirIn, cfg.SampleSheet)
		demux := stage("demultiplex", []string{inMultiplexFq, inSampleSheet},
			"cutadapt --trim-n -O 1 -m 5 -a ${param.adapters} -o trim.fq ${input.multiplex_fq} -j ${threads}"+
				" && umi_tools extract -I trim.fq --bc-pattern=${param.umi_regexp} --extract-method=regex -S extract_trim.fq"+
				" && demultiplex_fastq.py -r ${input.sample_sheet} -1 extract_trim.fq -o ${output.deplex_fq}",
			out("deplex_fq", "deplex/{sample}.fastq"),
		)
		demux.Scope = "demultiplex"
		demux.SampleSheet = filepath.Join(cfg.DirIn, cfg.SampleSheet)
		def.Stages = append(def.Stages, demux)
		reads = "deplex_fq"
	} else {
		def.Inputs.Samples = make(map[string]map[string]string, len(cfg.FqFiles))
		for sample, fq := range cfg.FqFiles {
			def.Inputs.Samples[sample] = map[string]string{inFq: filepath.Join(cfg.DirIn, fq)}
		}
		def.Stages = append(def.Stages, stage("cut_adapters", []string{inFq},
			"cutadapt --trim-n -O 1 -m 5 -a ${param.adapters} -o ${output.trim_fq} ${input.fq} -j ${threads}",
			out("trim_fq", "trim.fq")))
		reads = "trim_fq"
		if cfg.ExtractUmis {
			def.Stages = append(def.Stages, stage("extract_umis", []string{reads},
				"umi_tools extract -I ${input.trim_fq} --bc-pattern=${param.umi_regexp} --extract-method=regex -S ${output.extract_fq}",
				out("extract_fq", "extract_trim.fq")))
			reads = "extract_fq"
		}
	}

	def.Stages = append(def.Stages,
		stage("hisat2_rrna", []string{reads, rrnaIndex},
			"hisat2 -p ${threads} -N 1 -k 1 --un ${output.nonrrna_fq} -x "+fmt.Sprintf(indexDir, rrnaIndex, "rrna_index_prefix")+
				" -S ${output.rrna_sam} -U ${input."+reads+"}",
			out("nonrrna_fq", "nonrRNA.fq"), out("rrna_sam", "rRNA_map.sam")),
		stage("hisat2_orf", []string{"nonrrna_fq", orfIndex},
			"hisat2 -p ${threads} -k 2 --no-spliced-alignment --rna-strandness F --no-unal --un ${output.unaligned_fq} -x "+
				fmt.Sprintf(indexDir, orfIndex, "orf_index_prefix")+" -S ${output.orf_sam} -U ${input.nonrrna_fq}",
			out("unaligned_fq", "unaligned.fq"), out("orf_sam", "orf_map.sam")),
		stage("trim_5p_mismatch", []string{"orf_sam"},
			"trim_5p_mismatch.py -m 2 -i ${input.orf_sam} -o ${output.clean_sam} -s ${output.mismatch_tsv}",
			out("clean_sam", "orf_map_clean.sam"), out("mismatch_tsv", "trim_5p_mismatch.tsv")),
	)

	sorted := stage("sort_bam", []string{"clean_sam"},
		"samtools view -b ${input.clean_sam} | samtools sort -@ ${threads} -O bam -o ${output.clean_bam} - && samtools index ${output.clean_bam}",
		out("clean_bam", "orf_map_clean.bam"), out("clean_bai", "orf_map_clean.bam.bai"))
	bam, bai := "clean_bam", "clean_bai"
	if !cfg.DedupUmis {
		// Without deduplication the sorted BAM is the sample's final BAM.
		sorted.Outputs = []pipeline.OutputSpec{
			published("clean_bam", finalBam), published("clean_bai", finalBam+".bai"),
		}
	}
	def.Stages = append(def.Stages, sorted)

	if cfg.GroupUmis {
		def.Stages = append(def.Stages, stage("group_umis_pre", []string{bam, bai},
			"umi_tools group -I "+fmt.Sprintf(resolved, bam)+" --group-out ${output.pre_groups} --umi-separator=${param.umi_separator}",
			out("pre_groups", "pre_dedup_groups.tsv")))
	}
	if cfg.DedupUmis {
		def.Stages = append(def.Stages, stage("dedup_umis", []string{bam, bai},
			"umi_tools dedup -I "+fmt.Sprintf(resolved, bam)+" -S ${output.dedup_bam} --output-stats=dedup_stats --umi-separator=${param.umi_separator}"+
				" && samtools index ${output.dedup_bam}",
			published("dedup_bam", finalBam), published("dedup_bai", finalBam+".bai")))
		bam, bai = "dedup_bam", "dedup_bai"
		if cfg.GroupUmis {
			def.Stages = append(def.Stages, stage("group_umis_post", []string{bam, bai},
				"umi_tools group -I "+fmt.Sprintf(resolved, bam)+" --group-out ${output.post_groups} --umi-separator=${param.umi_separator}",
				out("post_groups", "post_dedup_groups.tsv")))
		}
	}

	if *cfg.MakeBedgraph {
		def.Stages = append(def.Stages, stage("make_bedgraph", []string{bam},
			"bedtools genomecov -ibam ${input."+bam+"} -trackline -bga -5 -strand + > ${output.plus_bedgraph}"+
				" && bedtools genomecov -ibam ${input."+bam+"} -trackline -bga -5 -strand - > ${output.minus_bedgraph}",
			published("plus_bedgraph", "plus.bedgraph"), published("minus_bedgraph", "minus.bedgraph")))
	}

	def.Stages = append(def.Stages,
		stage("bam_to_h5", []string{bam, bai, inOrfGff},
			"bam_to_h5.R --num-processes=${threads} --min-read-length=${param.min_read_length} --max-read-length=${param.max_read_length}"+
				" --buffer=${param.buffer} --primary-id=${param.primary_id} --dataset=${param.dataset}"+
				" --bam-file="+fmt.Sprintf(resolved, bam)+" --hd-file=${output.h5} --orf-gff-file=${input.orf_gff}",
			published("h5", "{sample}.h5")),
		stage("generate_stats_figs", []string{"h5", inOrfFasta, inOrfGff},
			"generate_stats_figs.R --num-processes=${threads} --min-read-length=${param.min_read_length} --max-read-length=${param.max_read_length}"+
				" --buffer=${param.buffer} --primary-id=${param.primary_id} --dataset=${param.dataset}"+
				" --hd-file=${input.h5} --orf-fasta-file=${input.orf_fasta} --orf-gff-file=${input.orf_gff} --output-dir=${workdir}",
			published("tpms", "tpms.tsv"), published("read_lengths", "read_lengths.tsv"),
			published("periodicity", "3nt_periodicity.tsv")),
		datasetStage("collate_tpms", []string{"tpms"},
			"collate_tpms.R --output=${output.collated_tpms} --samples ${samples} --tpms-files ${input.tpms}",
			published("collated_tpms", "TPMs_collated.tsv")),
	)

	if *cfg.CountReads {
		def.Stages = append(def.Stages, datasetStage("count_reads", []string{reads, "nonrrna_fq", "unaligned_fq", bam},
			"count_reads.py -o ${output.read_counts} --samples ${samples}"+
				" --reads ${input."+reads+"} --non-rrna ${input.nonrrna_fq} --unaligned ${input.unaligned_fq} --bam ${input."+bam+"}",
			published("read_counts", "read_counts.tsv")))
	}

	if err := def.Resolve(cfg.BaseDir); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func params(cfg *Config) map[string]string {
	p := map[string]string{
		"adapters":          pipeline.ShellQuote(cfg.Adapters),
		"rrna_index_prefix": cfg.RRNAIndexPrefix,
		"orf_index_prefix":  cfg.OrfIndexPrefix,
		"min_read_length":   strconv.Itoa(cfg.MinReadLength),
		"max_read_length":   strconv.Itoa(cfg.MaxReadLength),
		"buffer":            strconv.Itoa(cfg.Buffer),
		"primary_id":        pipeline.ShellQuote(cfg.PrimaryID),
		"dataset":           pipeline.ShellQuote(cfg.Dataset),
	}
	if cfg.ExtractUmis {
		p["umi_regexp"] = pipeline.ShellQuote(cfg.UmiRegexp)
		p["umi_separator"] = "_"
	}
	return p
}
