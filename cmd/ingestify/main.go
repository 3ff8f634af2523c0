// Command ingestify runs the document-ingestion service: the HTTP surface,
// the pipeline workers, and the crawler scheduler.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
