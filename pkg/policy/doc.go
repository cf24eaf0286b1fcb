// Package policy checks resolved pipelines against Open Policy Agent (OPA)
// Rego policies.
//
// Registry resolution already rejects pipelines whose requirements are not
// met. Policies catch configurations that resolve but are still wrong or
// unwanted: a second tokenizer that overwrites the first, an intent
// classifier placed after FallbackClassifier, a trainable pipeline that
// predicts nothing. Teams add their own rules as .rego files.
//
// # Input
//
// Every policy sees the same input document:
//
//	{
//	  "pipeline": {
//	    "language": "en",
//	    "steps": [
//	      {
//	        "position": 0,
//	        "name": "WhitespaceTokenizer",
//	        "component": "WhitespaceTokenizer",
//	        "params": {"lowercase": false},
//	        "descriptor": {"provides": ["tokens"], "trainable": false}
//	      }
//	    ]
//	  },
//	  "context": {"operation": "train", "timestamp": "..."}
//	}
//
// Params are the merged parameters, defaults included.
//
// # Writing policies
//
// A policy module defines a deny set. Elements are either strings or
// objects with message, severity, step and remediation fields:
//
//	# Pipelines stay small.
//	# severity: error
//	package custom.maxsteps
//
//	import rego.v1
//
//	deny contains msg if {
//	    count(input.pipeline.steps) > 8
//	    msg := sprintf("pipeline has %d steps", [count(input.pipeline.steps)])
//	}
//
// Leading comments of a .rego file become the description, and the
// "severity:" and "tags:" comment lines set those fields. JSON files hold
// one Policy or a PolicyBundle.
//
// Error and critical findings are violations and set Allowed to false.
// Info and warning findings are reported as warnings.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.EvaluatePipeline(ctx, registry, cfg, &policy.PolicyContext{
//	    Operation: policy.OperationTrain,
//	})
//
// Watch reloads custom policies when their files change. Built-in policies
// cannot be replaced, only disabled.
package policy
