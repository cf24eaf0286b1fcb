// Package host runs WASM component plugins with wazero.
//
// A plugin is a directory holding a plugin.yaml manifest and a WASM
// module:
//
//	name: SentimentTagger
//	version: 0.1.0
//	module: sentiment.wasm
//	checksum: 9f86d0...
//	descriptor:
//	  requires: [tokens]
//	  writes: [sentiment.score]
//	limits:
//	  memory_pages: 128
//	  timeout: 2s
//
// The module must export memory, malloc(size) and free(ptr), plus
// process and optionally train. Both take a pointer and length of a JSON
// document in module memory and return (ptr<<32 | len) of a JSON document
// the host frees after reading. Modules may import env.log(level, ptr,
// len) to log through the host.
//
// Each Module has its own runtime with WASI and a memory limit. Calls on
// one module are serialized and bounded by a timeout; a call that times
// out closes the module.
package host
