package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultTimeout bounds a single script execution or function call.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when execution exceeds the evaluator timeout.
var ErrTimeout = errors.New("starlark execution timeout")

// Result is the output of a top-level script execution.
type Result struct {
	// Output holds the script's public globals converted to Go values.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`
}

// Evaluator executes Starlark scripts with a timeout. Scripts cannot print
// or load other files.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator creates an evaluator. A zero timeout uses DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout}
}

// Timeout returns the per-call timeout.
func (e *Evaluator) Timeout() time.Duration { return e.timeout }

// Evaluate executes a script with the given input bound as globals and
// returns its public globals.
func (e *Evaluator) Evaluate(ctx context.Context, filename, src string, input map[string]interface{}) (*Result, error) {
	start := time.Now()
	prog, err := e.Compile(ctx, filename, src, input)
	if err != nil {
		return nil, err
	}

	output := make(map[string]interface{})
	for name, val := range prog.globals {
		// Underscore names are private.
		if name == "" || name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := FromValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}
	return &Result{Output: output, ExecutionTime: time.Since(start)}, nil
}

// Compile executes the script's top level and returns a Program whose
// functions can be called. The program's globals are frozen.
func (e *Evaluator) Compile(ctx context.Context, filename, src string, input map[string]interface{}) (*Program, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range input {
		sv, err := ToValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	var globals starlark.StringDict
	err := e.run(ctx, filename, func(thread *starlark.Thread) error {
		var err error
		globals, err = starlark.ExecFile(thread, filename, src, predeclared)
		return err
	})
	if err != nil {
		return nil, err
	}
	globals.Freeze()
	return &Program{evaluator: e, filename: filename, globals: globals}, nil
}

// run executes fn on a fresh thread, cancelling it when ctx is done or the
// timeout expires.
func (e *Evaluator) run(ctx context.Context, name string, fn func(*starlark.Thread) error) error {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(thread)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("starlark execution failed: %w", err)
		}
		return nil
	case <-runCtx.Done():
		thread.Cancel(runCtx.Err().Error())
		<-done
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %v", ErrTimeout, e.timeout)
		}
		return ctx.Err()
	}
}

// Program is an executed script whose functions may be called
// concurrently.
type Program struct {
	evaluator *Evaluator
	filename  string
	globals   starlark.StringDict
}

// Has reports whether the program defines a callable named fn.
func (p *Program) Has(fn string) bool {
	_, ok := p.globals[fn].(starlark.Callable)
	return ok
}

// NumParams returns the number of parameters of the function fn, or -1
// when fn is not a Starlark function.
func (p *Program) NumParams(fn string) int {
	f, ok := p.globals[fn].(*starlark.Function)
	if !ok {
		return -1
	}
	return f.NumParams()
}

// Global returns a global converted to a Go value.
func (p *Program) Global(name string) (interface{}, bool, error) {
	v, ok := p.globals[name]
	if !ok {
		return nil, false, nil
	}
	out, err := FromValue(v)
	return out, true, err
}

// Call invokes fn with Go arguments and converts the result back.
func (p *Program) Call(ctx context.Context, fn string, args ...interface{}) (interface{}, error) {
	callable, ok := p.globals[fn].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s does not define function %s", p.filename, fn)
	}
	sargs := make(starlark.Tuple, len(args))
	for i, a := range args {
		v, err := ToValue(a)
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument %d: %w", i, err)
		}
		sargs[i] = v
	}

	var result starlark.Value
	err := p.evaluator.run(ctx, p.filename+":"+fn, func(thread *starlark.Thread) error {
		var err error
		result, err = starlark.Call(thread, callable, sargs, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return FromValue(result)
}
