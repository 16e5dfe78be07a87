// Command advisor runs the signal-to-proposal pipeline.
package main

import (
	"os"

	"signal-advisor/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
