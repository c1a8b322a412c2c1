// Package main is the entry point for the custody relay, verifier and sensor simulator.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/custody/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
