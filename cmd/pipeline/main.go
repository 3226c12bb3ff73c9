// Package main is the entry point for the pipeline binary.
package main

import "github.com/boardscout/pipeline/cmd"

func main() {
	cmd.Execute()
}
