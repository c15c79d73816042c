// Package main provides the entry point for the callctl operator CLI.
package main

import (
	"fmt"
	"os"

	"call-insights-go/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
