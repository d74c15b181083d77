package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/example/riboflow/internal/domain"
)

// SampleIDColumn is the sample sheet column listing sample ids.
const SampleIDColumn = "SampleID"

// ReadSampleSheet reads the sample ids of a tab-separated sample sheet.
// Lines starting with '#' are ignored.
func ReadSampleSheet(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: sample sheet: %v", domain.ErrIO, err)
	}
	defer f.Close()
	ids, err := ParseSampleSheet(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ids, nil
}

// ParseSampleSheet parses sample ids from tab-separated sheet content.
func ParseSampleSheet(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.Configf(domain.ErrConfig, "sample sheet is empty")
	}
	if err != nil {
		return nil, domain.Configf(domain.ErrConfig, "sample sheet: %v", err)
	}
	col := -1
	for i, h := range header {
		if strings.TrimSpace(h) == SampleIDColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, domain.Configf(domain.ErrConfig, "sample sheet has no %s column", SampleIDColumn)
	}

	var ids []string
	seen := make(map[string]bool)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Configf(domain.ErrConfig, "sample sheet: %v", err)
		}
		if col >= len(rec) {
			continue
		}
		id := strings.TrimSpace(rec[col])
		if id == "" {
			continue
		}
		if seen[id] {
			return nil, domain.Configf(domain.ErrConfig, "sample sheet lists %q twice", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, domain.Configf(domain.ErrConfig, "sample sheet lists no samples")
	}
	return ids, nil
}
