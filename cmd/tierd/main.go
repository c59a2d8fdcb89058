// Command tierd runs the tiering service: ingestion, tier migration,
// deduplication, retention and cross-tier reads.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
