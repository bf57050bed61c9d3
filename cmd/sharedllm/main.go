// Package main is the single-binary entrypoint for the SharedLLM controller.
package main

import "github.com/sharedllm/sharedllm/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
