// Package script runs Starlark scripts for user-defined pipeline
// components.
//
// An Evaluator executes a script's top level with a timeout and returns a
// Program. The program's globals are frozen, so its functions can be
// called from many goroutines at once; each Call runs on its own thread
// and is cancelled when the context is done or the evaluator timeout
// expires.
//
//	eval := script.NewEvaluator(5 * time.Second)
//	prog, err := eval.Compile(ctx, "component.star", src, nil)
//	if err != nil {
//	    return err
//	}
//	out, err := prog.Call(ctx, "process", map[string]interface{}{"text": "hi"})
//
// Values cross the boundary through ToValue and FromValue. Integers come
// back as int64, lists as []interface{} and dicts as map[string]interface{}.
package script
