package components

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/script"
)

// StarlarkComponentType is the registered type of StarlarkComponent.
const StarlarkComponentType = "StarlarkComponent"

// StarlarkComponent runs a user script. The script defines
//
//	def process(message, context, state): ...
//
// taking one to three parameters, and returns None or an update dict with
// any of intent, intent_ranking, entities, entity_updates and context.
// A trainable script also defines train(examples) returning a state value
// that is persisted with the pipeline and passed back to process.
type StarlarkComponent struct {
	name      string
	source    string
	filename  string
	program   *script.Program
	arity     int
	reads     []string
	writes    []string
	trainable bool
	state     json.RawMessage
	generic   interface{}
}

type starlarkState struct {
	Filename string          `json:"filename"`
	Source   string          `json:"source"`
	State    json.RawMessage `json:"state,omitempty"`
}

func newStarlarkComponent(name string, params engine.Params, _ *engine.SharedContext) (engine.Component, error) {
	src := params.String("script", "")
	filename := name + ".star"
	if path := params.String("script_file", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read script: %w", err)
		}
		src, filename = string(data), path
	}
	if src == "" {
		return nil, errors.New("one of script or script_file is required")
	}
	return compileStarlarkComponent(name, filename, src, params)
}

func compileStarlarkComponent(name, filename, src string, params engine.Params) (*StarlarkComponent, error) {
	timeout, err := time.ParseDuration(params.String("timeout", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}
	desc, err := describeUserComponent(params)
	if err != nil {
		return nil, err
	}

	prog, err := script.NewEvaluator(timeout).Compile(context.Background(), filename, src, nil)
	if err != nil {
		return nil, err
	}
	arity := prog.NumParams("process")
	if arity < 1 || arity > 3 {
		return nil, fmt.Errorf("%s must define process with one to three parameters", filename)
	}
	if desc.Trainable && !prog.Has("train") {
		return nil, fmt.Errorf("%s is declared trainable but does not define train", filename)
	}

	return &StarlarkComponent{
		name:      name,
		source:    src,
		filename:  filename,
		program:   prog,
		arity:     arity,
		reads:     desc.Reads,
		writes:    desc.Writes,
		trainable: desc.Trainable,
	}, nil
}

func loadStarlarkComponent(name string, params engine.Params, meta engine.Metadata, dir string) (engine.Component, error) {
	var st starlarkState
	if err := readState(dir, meta, &st); err != nil {
		return nil, err
	}
	c, err := compileStarlarkComponent(name, st.Filename, st.Source, params)
	if err != nil {
		return nil, err
	}
	if err := c.setState(st.State); err != nil {
		return nil, err
	}
	return c, nil
}

// Name implements engine.Component.
func (c *StarlarkComponent) Name() string { return c.name }

func (c *StarlarkComponent) setState(state json.RawMessage) error {
	c.state = state
	c.generic = nil
	if len(state) == 0 {
		return nil
	}
	return json.Unmarshal(state, &c.generic)
}

// Train calls the script's train with every example, when it is declared
// trainable.
func (c *StarlarkComponent) Train(ctx context.Context, data *engine.TrainingData, _ *engine.SharedContext) error {
	if !c.trainable {
		return nil
	}
	examples, err := toGeneric(newTrainRequest(data).Examples)
	if err != nil {
		return fmt.Errorf("failed to encode examples: %w", err)
	}
	out, err := c.program.Call(ctx, "train", examples)
	if err != nil {
		return err
	}
	state, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return c.setState(state)
}

// Process calls the script's process and applies the returned update.
func (c *StarlarkComponent) Process(ctx context.Context, msg *engine.Message, sc *engine.SharedContext) error {
	req := newExchangeRequest(msg, sc, c.reads, nil)
	message, err := toGeneric(req.Message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	args := []interface{}{message}
	if c.arity >= 2 {
		if req.Context == nil {
			req.Context = map[string]interface{}{}
		}
		ctxValues, err := toGeneric(req.Context)
		if err != nil {
			return fmt.Errorf("failed to encode context: %w", err)
		}
		args = append(args, ctxValues)
	}
	if c.arity == 3 {
		args = append(args, c.generic)
	}

	out, err := c.program.Call(ctx, "process", args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	var update exchangeUpdate
	if err := fromGeneric(out, &update); err != nil {
		return fmt.Errorf("invalid process result: %w", err)
	}
	return update.apply(c.name, msg, sc, c.writes)
}

// Persist writes the script source and trained state so the archive does
// not depend on the script file.
func (c *StarlarkComponent) Persist(_ context.Context, dir string) (engine.Metadata, error) {
	return writeState(dir, starlarkState{Filename: c.filename, Source: c.source, State: c.state})
}
