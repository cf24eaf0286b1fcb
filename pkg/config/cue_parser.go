package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/zylhub/rasa/pkg/engine"
)

// CUEParser parses pipeline configurations written in CUE. Files may hold
// the top-level fields language, pipeline and metadata plus any
// definitions or hidden fields used to build them.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
		validator:      validator.New(),
	}
}

// Evaluate parses sources and returns the pipeline configuration, or
// ValidationErrors when the sources do not describe a valid pipeline.
func (cp *CUEParser) Evaluate(ctx context.Context, sources []string) (engine.PipelineConfig, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return engine.PipelineConfig{}, err
	}
	if len(parsed.Errors) > 0 {
		return engine.PipelineConfig{}, ValidationErrors(parsed.Errors)
	}
	return parsed.Config, nil
}

// Parse parses CUE configuration from the given files and directories.
// Problems with the configuration itself are reported in Errors; the error
// return is reserved for unreadable sources.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedPipeline, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = cp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = cp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}
		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedPipeline{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}
	return cp.extractPipeline(cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedPipeline, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedPipeline{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}
	return cp.extractPipeline(val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// extractPipeline closes val with #Pipeline, so that constraint violations
// point into the source files, then decodes it.
func (cp *CUEParser) extractPipeline(val cue.Value, sourceFiles []string) *ParsedPipeline {
	parsed := &ParsedPipeline{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	schema, _ := cp.schemaRegistry.GetSchema(SchemaPipeline)
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to export pipeline: %v", err),
			Severity: "error",
		})
		return parsed
	}
	if err := json.Unmarshal(raw, &parsed.Config); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode pipeline: %v", err),
			Severity: "error",
		})
		return parsed
	}

	if err := cp.validator.Struct(parsed.Config); err != nil {
		parsed.Errors = append(parsed.Errors, validatorErrors(err)...)
	}
	return parsed
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON exports the pipeline configuration of content as indented
// JSON.
func (cp *CUEParser) ExportJSON(ctx context.Context, content string) ([]byte, error) {
	parsed, err := cp.ParseInline(ctx, content)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, ValidationErrors(parsed.Errors)
	}
	return json.MarshalIndent(parsed.Config, "", "  ")
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError
	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int
		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}
	return validationErrors
}

// validatorErrors converts struct tag violations to ValidationError slice.
func validatorErrors(err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, len(verrs))
	for i, fe := range verrs {
		out[i] = ValidationError{
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
			Severity: "error",
		}
	}
	return out
}
