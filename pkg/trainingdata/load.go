package trainingdata

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zylhub/rasa/pkg/engine"
)

// Supported file formats.
const (
	FormatMarkdown = "md"
	FormatJSON     = "json"
)

// New returns empty training data with initialized maps.
func New() *engine.TrainingData {
	return &engine.TrainingData{
		EntitySynonyms: make(map[string]string),
		Responses:      make(map[string][]string),
	}
}

// FormatOf returns the format of a training data file from its extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported training data format: %s", path)
	}
}

// LoadFile reads one training data file.
func LoadFile(path string) (*engine.TrainingData, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open training data: %w", err)
	}
	defer f.Close()

	var data *engine.TrainingData
	switch format {
	case FormatMarkdown:
		data, err = ReadMarkdown(f)
	case FormatJSON:
		data, err = ReadJSON(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}

// Load reads a training data file, or every markdown and JSON file below a
// directory in lexical order, and merges them.
func Load(path string) (*engine.TrainingData, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat training data: %w", err)
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ferr := FormatOf(p); ferr == nil {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk training data directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no training data files found in %s", path)
	}
	sort.Strings(files)

	parts := make([]*engine.TrainingData, 0, len(files))
	for _, file := range files {
		data, err := LoadFile(file)
		if err != nil {
			return nil, err
		}
		parts = append(parts, data)
	}
	return Merge(parts...), nil
}

// Merge concatenates training data. Later synonyms and responses for the
// same key replace earlier ones.
func Merge(parts ...*engine.TrainingData) *engine.TrainingData {
	out := New()
	for _, p := range parts {
		if p == nil {
			continue
		}
		out.Examples = append(out.Examples, p.Examples...)
		out.RegexFeatures = append(out.RegexFeatures, p.RegexFeatures...)
		out.LookupTables = append(out.LookupTables, p.LookupTables...)
		for k, v := range p.EntitySynonyms {
			out.EntitySynonyms[k] = v
		}
		for k, v := range p.Responses {
			out.Responses[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Subset returns training data holding examples and sharing every other
// part of data.
func Subset(data *engine.TrainingData, examples []*engine.Message) *engine.TrainingData {
	return &engine.TrainingData{
		Examples:       examples,
		RegexFeatures:  data.RegexFeatures,
		LookupTables:   data.LookupTables,
		EntitySynonyms: data.EntitySynonyms,
		Responses:      data.Responses,
	}
}
