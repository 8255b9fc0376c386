// Command cpi-ingest detects new CPI publications and appends derived
// percent changes to each series family's dataset.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
