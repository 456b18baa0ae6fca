// Command signway runs the Signway gateway: it serves signed, time-
// bounded URLs, verifies them, and forwards admitted requests upstream.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
