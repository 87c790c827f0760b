// Package main is the single-binary entrypoint for vibes.
package main

import "github.com/wustus/vibes/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
