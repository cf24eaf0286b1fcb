package script

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEvaluator_Evaluate(t *testing.T) {
	evaluator := NewEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *Result)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, r *Result) {
				if r.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", r.Output["result"])
				}
			},
		},
		{
			name:   "use input variables",
			script: "doubled = count * 2\n",
			input:  map[string]interface{}{"count": 5},
			checkFunc: func(t *testing.T, r *Result) {
				if r.Output["doubled"] != int64(10) {
					t.Errorf("expected doubled=10, got %v", r.Output["doubled"])
				}
			},
		},
		{
			name: "functions are not output",
			script: `
def upper(s):
    return s.upper()

word = upper("hi")
`,
			checkFunc: func(t *testing.T, r *Result) {
				if _, ok := r.Output["upper"]; ok {
					t.Error("function should not appear in output")
				}
				if r.Output["word"] != "HI" {
					t.Errorf("expected word=HI, got %v", r.Output["word"])
				}
			},
		},
		{
			name:   "private globals are skipped",
			script: "_hidden = 1\nshown = 2\n",
			checkFunc: func(t *testing.T, r *Result) {
				if _, ok := r.Output["_hidden"]; ok {
					t.Error("private global should not appear in output")
				}
				if r.Output["shown"] != int64(2) {
					t.Errorf("expected shown=2, got %v", r.Output["shown"])
				}
			},
		},
		{
			name:   "struct output becomes map",
			script: `entity = struct(entity = "city", value = "Berlin")` + "\n",
			checkFunc: func(t *testing.T, r *Result) {
				m, ok := r.Output["entity"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected map, got %T", r.Output["entity"])
				}
				if m["value"] != "Berlin" {
					t.Errorf("expected value=Berlin, got %v", m["value"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  "result = \n",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "result = 1 // 0\n",
			wantErr: true,
		},
		{
			name:    "undefined variable",
			script:  "result = missing + 1\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "test.star", tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFunc != nil && err == nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestEvaluator_Timeout(t *testing.T) {
	evaluator := NewEvaluator(100 * time.Millisecond)

	script := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n

result = spin()
`
	_, err := evaluator.Evaluate(context.Background(), "spin.star", script, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestEvaluator_ContextCancelled(t *testing.T) {
	evaluator := NewEvaluator(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	script := `
def spin():
    for i in range(100000000):
        pass

spin()
`
	_, err := evaluator.Evaluate(ctx, "spin.star", script, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEvaluator_PrintSuppressed(t *testing.T) {
	evaluator := NewEvaluator(time.Second)
	result, err := evaluator.Evaluate(context.Background(), "print.star", "print('hello')\nx = 1\n", nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Output["x"] != int64(1) {
		t.Errorf("expected x=1, got %v", result.Output["x"])
	}
}

func TestProgram_Call(t *testing.T) {
	evaluator := NewEvaluator(5 * time.Second)
	ctx := context.Background()

	src := `
GREETINGS = ["hi", "hello"]

def process(message):
    words = message["text"].lower().split(" ")
    for w in words:
        if w in GREETINGS:
            return {"intent": {"name": "greet", "confidence": 1.0}}
    return {}

def with_state(message, state):
    return state["label"]
`
	prog, err := evaluator.Compile(ctx, "component.star", src, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	if !prog.Has("process") {
		t.Error("expected process to be defined")
	}
	if prog.Has("GREETINGS") {
		t.Error("GREETINGS is not callable")
	}
	if n := prog.NumParams("with_state"); n != 2 {
		t.Errorf("NumParams(with_state) = %d, want 2", n)
	}
	if n := prog.NumParams("missing"); n != -1 {
		t.Errorf("NumParams(missing) = %d, want -1", n)
	}

	out, err := prog.Call(ctx, "process", map[string]interface{}{"text": "Hello there"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("expected dict result, got %T", out)
	}
	intent := m["intent"].(map[string]interface{})
	if intent["name"] != "greet" || intent["confidence"] != 1.0 {
		t.Errorf("unexpected intent %v", intent)
	}

	label, err := prog.Call(ctx, "with_state", map[string]interface{}{}, map[string]interface{}{"label": "x"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if label != "x" {
		t.Errorf("expected x, got %v", label)
	}

	if _, err := prog.Call(ctx, "missing"); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected missing function error, got %v", err)
	}
}

func TestProgram_FrozenGlobals(t *testing.T) {
	evaluator := NewEvaluator(5 * time.Second)
	ctx := context.Background()

	src := `
SEEN = []

def process(message):
    SEEN.append(message)
    return len(SEEN)
`
	prog, err := evaluator.Compile(ctx, "mutate.star", src, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if _, err := prog.Call(ctx, "process", "x"); err == nil {
		t.Fatal("expected error when mutating a frozen global")
	}
}

func TestProgram_ConcurrentCalls(t *testing.T) {
	evaluator := NewEvaluator(5 * time.Second)
	ctx := context.Background()

	prog, err := evaluator.Compile(ctx, "square.star", "def square(x):\n    return x * x\n", nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := prog.Call(ctx, "square", i)
			if err != nil {
				errs <- err
				return
			}
			if out != int64(i*i) {
				errs <- errors.New("wrong result")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestToValue_Unsupported(t *testing.T) {
	if _, err := ToValue(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestValueRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"text":     "hi",
		"tokens":   []string{"hi"},
		"features": []float64{0.5, 1},
		"nested":   []interface{}{map[string]interface{}{"a": int64(1)}, nil, true},
	}
	v, err := ToValue(in)
	if err != nil {
		t.Fatalf("ToValue() error = %v", err)
	}
	out, err := FromValue(v)
	if err != nil {
		t.Fatalf("FromValue() error = %v", err)
	}
	m := out.(map[string]interface{})
	if m["text"] != "hi" {
		t.Errorf("text = %v", m["text"])
	}
	tokens := m["tokens"].([]interface{})
	if len(tokens) != 1 || tokens[0] != "hi" {
		t.Errorf("tokens = %v", tokens)
	}
	features := m["features"].([]interface{})
	if features[0] != 0.5 || features[1] != 1.0 {
		t.Errorf("features = %v", features)
	}
	nested := m["nested"].([]interface{})
	if nested[1] != nil || nested[2] != true {
		t.Errorf("nested = %v", nested)
	}
}
